package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/erp/stockledger/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMovementRequest struct {
	SKU          string          `json:"sku" binding:"required,max=8"`
	Quantity     decimal.Decimal `json:"quantity" binding:"required"`
	MovementType string          `json:"movement_type" binding:"required,oneof=receipt issue"`
}

func validationRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	SetupValidator()

	router := gin.New()
	router.POST("/movements", func(c *gin.Context) {
		var req testMovementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleValidationError(c, err)
			return
		}
		c.JSON(http.StatusOK, dto.NewSuccessResponse(req.SKU))
	})
	return router
}

func postJSON(router *gin.Engine, body string) (*httptest.ResponseRecorder, dto.Response) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/movements", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp dto.Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestHandleValidationError_FieldErrors(t *testing.T) {
	router := validationRouter()

	w, resp := postJSON(router, `{"sku":"TOO-LONG-SKU","quantity":"5","movement_type":"teleport"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)

	details, ok := resp.Error.Details.([]any)
	require.True(t, ok)
	fields := map[string]string{}
	for _, d := range details {
		m := d.(map[string]any)
		fields[m["field"].(string)] = m["message"].(string)
	}
	assert.Equal(t, "Must be at most 8 characters", fields["sku"])
	assert.Equal(t, "Must be one of: receipt issue", fields["movement_type"])
}

func TestHandleValidationError_MissingDecimal(t *testing.T) {
	router := validationRouter()

	w, resp := postJSON(router, `{"sku":"SKU-1","movement_type":"receipt"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, dto.ErrCodeValidation, resp.Error.Code)
}

func TestHandleValidationError_MalformedJSON(t *testing.T) {
	router := validationRouter()

	w, resp := postJSON(router, `{"sku":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, dto.ErrCodeInvalidJSON, resp.Error.Code)
}

func TestHandleValidationError_Valid(t *testing.T) {
	router := validationRouter()

	w, resp := postJSON(router, `{"sku":"SKU-1","quantity":"2.5","movement_type":"receipt"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "SKU-1", resp.Data)
}
