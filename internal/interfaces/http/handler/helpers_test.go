package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	appprojection "github.com/erp/stockledger/internal/application/projection"
	"github.com/erp/stockledger/internal/infrastructure/cache"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/erp/stockledger/internal/interfaces/http/dto"
	"github.com/erp/stockledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testAPI struct {
	engine *gin.Engine
	db     *gorm.DB
	raw    *persistence.GormEventStore
	locks  *persistence.GormLockStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, persistence.AutoMigrate(db))

	log := zaptest.NewLogger(t)
	events := persistence.NewGormEventStore(db, persistence.WithInlineProjectors(persistence.DefaultInlineProjectors()...))
	viewReader := persistence.NewGormViewReader(db)
	locks := persistence.NewGormLockStore(db, nil)
	locker := appinventory.NewKeyLocker(locks, appinventory.LockSettings{
		TTL:            10 * time.Second,
		AcquireTimeout: 300 * time.Millisecond,
		RetryInterval:  2 * time.Millisecond,
	}, "test-node", log)
	idempotency := cache.NewInMemoryIdempotencyStore(nil, time.Hour)
	t.Cleanup(func() { _ = idempotency.Close() })

	inventoryHandler := NewInventoryHandler(
		appinventory.NewStockLedgerService(events, locker, nil, log),
		appinventory.NewReservationService(events, locker, log),
		appinventory.NewPickingService(events, viewReader, locker, log, appinventory.WithIdempotency(idempotency, time.Hour)),
		appinventory.NewStockQueryService(viewReader),
	)
	rebuilds := appprojection.NewRebuildService(events, persistence.NewViewStore(db, 100),
		persistence.NewProgressStore(db, nil), locks,
		appprojection.RebuildConfig{LockTTL: time.Minute, InstanceID: "test-node"}, log)

	engine := gin.New()
	engine.Use(logger.GinMiddleware(log))
	api := engine.Group("/api/v1")
	inventoryHandler.RegisterRoutes(api)
	NewProjectionHandler(rebuilds).RegisterRoutes(api)
	NewSystemHandler(&persistence.Database{DB: db}, "test").RegisterRoutes(&engine.RouterGroup)

	return &testAPI{
		engine: engine,
		db:     db,
		raw:    persistence.NewGormEventStore(db),
		locks:  locks,
	}
}

// do sends a JSON request and decodes the standard response envelope
func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) (int, dto.Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func (a *testAPI) receive(t *testing.T, sku string, n int) {
	t.Helper()
	status, resp := a.do(t, http.MethodPost, "/api/v1/movements", gin.H{
		"warehouse_id":  "WH1",
		"from_location": "SUPPLIER",
		"to_location":   "LOC-A",
		"sku":           sku,
		"quantity":      n,
		"movement_type": "RECEIPT",
	})
	require.Equal(t, http.StatusCreated, status, resp.Error)
}

// allocated creates a reservation for n units of sku at LOC-A and returns its id
func (a *testAPI) allocated(t *testing.T, sku string, n int) string {
	t.Helper()
	status, resp := a.do(t, http.MethodPost, "/api/v1/reservations", gin.H{
		"lines": []gin.H{{"warehouse_id": "WH1", "sku": sku, "quantity": n}},
	})
	require.Equal(t, http.StatusCreated, status, resp.Error)
	id := data(t, resp)["id"].(string)

	status, resp = a.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/allocate", gin.H{
		"allocations": []gin.H{{"warehouse_id": "WH1", "location": "LOC-A", "sku": sku, "quantity": n}},
	})
	require.Equal(t, http.StatusOK, status, resp.Error)
	return id
}

func data(t *testing.T, resp dto.Response) map[string]any {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return m
}

func details(t *testing.T, resp dto.Response) map[string]any {
	t.Helper()
	require.NotNil(t, resp.Error)
	m, ok := resp.Error.Details.(map[string]any)
	require.True(t, ok, "details is %T", resp.Error.Details)
	return m
}
