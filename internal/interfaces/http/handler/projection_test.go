package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	views "github.com/erp/stockledger/internal/domain/projection"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectionHandler_RebuildMatches(t *testing.T) {
	api := newTestAPI(t)
	api.receive(t, "SKU-001", 10)

	status, resp := api.do(t, http.MethodPost, "/api/v1/projections/AvailableStock/rebuild", nil)
	require.Equal(t, http.StatusOK, status, resp.Error)
	report := data(t, resp)
	assert.Equal(t, true, report["verified"])
	assert.Equal(t, true, report["checksums_match"])
	assert.Equal(t, true, report["swapped"])
	assert.Equal(t, "available_stock", report["table"])

	status, resp = api.do(t, http.MethodGet, "/api/v1/projections/AvailableStock/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, data(t, resp)["in_progress"])
	assert.Equal(t, "inline", data(t, resp)["mode"])
}

func TestProjectionHandler_ChecksumMismatch(t *testing.T) {
	api := newTestAPI(t)
	api.receive(t, "SKU-001", 10)
	appendRaw(t, api.raw, 5)

	status, resp := api.do(t, http.MethodPost, "/api/v1/projections/AvailableStock/rebuild", gin.H{"verify": true})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, dto.ErrCodeChecksumMismatch, resp.Error.Code)
	d := details(t, resp)
	assert.NotEqual(t, d["production_checksum"], d["shadow_checksum"])
	assert.NotEmpty(t, d["shadow_table"])

	status, resp = api.do(t, http.MethodGet, "/api/v1/stock/available", nil)
	require.Equal(t, http.StatusOK, status)
	row := resp.Data.([]any)[0].(map[string]any)
	assert.Equal(t, "10", row["on_hand_qty"], "production is untouched on mismatch")
}

func TestProjectionHandler_AlreadyInProgress(t *testing.T) {
	api := newTestAPI(t)
	ok, _, err := api.locks.TryAcquire(context.Background(), "projection-rebuild:AvailableStock", "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	status, resp := api.do(t, http.MethodPost, "/api/v1/projections/AvailableStock/rebuild", nil)
	require.Equal(t, http.StatusConflict, status)
	assert.Equal(t, dto.ErrCodeAlreadyInProgress, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	lockInfo := details(t, resp)["lock"].(map[string]any)
	assert.Equal(t, "other-worker", lockInfo["holder"])

	status, resp = api.do(t, http.MethodGet, "/api/v1/projections/AvailableStock/status", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, data(t, resp)["in_progress"])
}

func TestProjectionHandler_UnknownProjection(t *testing.T) {
	api := newTestAPI(t)

	status, resp := api.do(t, http.MethodPost, "/api/v1/projections/Nope/rebuild", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, dto.ErrCodeNotFound, resp.Error.Code)

	status, _ = api.do(t, http.MethodGet, "/api/v1/projections/Nope/status", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProjectionHandler_LeftoverBackupIsRetryableConflict(t *testing.T) {
	api := newTestAPI(t)
	api.receive(t, "SKU-001", 10)
	backup := persistence.BackupTableName(views.TableAvailableStock)
	require.NoError(t, api.db.Table(backup).Migrator().CreateTable(&views.AvailableStockRow{}))

	status, resp := api.do(t, http.MethodPost, "/api/v1/projections/AvailableStock/rebuild", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, dto.ErrCodeRebuildConflict, resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
	assert.Equal(t, "swap", details(t, resp)["op"])
}

func TestSystemHandler_Health(t *testing.T) {
	api := newTestAPI(t)

	status, resp := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", data(t, resp)["status"])
	assert.Equal(t, "test", data(t, resp)["version"])
	assert.NotNil(t, data(t, resp)["pool"])
}
