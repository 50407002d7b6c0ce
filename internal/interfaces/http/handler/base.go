// Package handler provides the HTTP handlers of the stock ledger API.
package handler

import (
	"errors"
	"net/http"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	appprojection "github.com/erp/stockledger/internal/application/projection"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/interfaces/http/dto"
	"github.com/erp/stockledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

func getRequestID(c *gin.Context) string {
	if id := logger.GetRequestID(c.Request.Context()); id != "" {
		return id
	}
	return c.GetHeader(logger.RequestIDHeader)
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Created sends a 201 created response
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, dto.NewSuccessResponse(data))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponse(code, message, getRequestID(c)))
}

// BadRequest sends a 400 bad request response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// BindJSON decodes the body into req and writes a validation response on
// failure. It reports whether the handler should continue.
func (h *BaseHandler) BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

// BindQuery decodes the query string into req like BindJSON.
func (h *BaseHandler) BindQuery(c *gin.Context, req any) bool {
	if err := c.ShouldBindQuery(req); err != nil {
		middleware.HandleValidationError(c, err)
		return false
	}
	return true
}

// ParseID parses the :id path parameter as a UUID
func (h *BaseHandler) ParseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, http.StatusBadRequest, dto.ErrCodeInvalidInput, "id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// HandleError converts domain and application errors to HTTP responses.
// Errors that carry structured context expose it under error.details.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID := getRequestID(c)

	var domainErr *shared.DomainError
	if !errors.As(err, &domainErr) {
		logger.FromContext(c.Request.Context()).Error("Unhandled request error", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, dto.NewErrorResponse(
			dto.ErrCodeInternal,
			"An unexpected error occurred",
			requestID,
		))
		return
	}

	code := dto.NormalizeErrorCode(domainErr.Code)
	c.JSON(dto.GetHTTPStatus(code), dto.NewDetailedErrorResponse(code, err.Error(), requestID, errorDetails(err)))
}

func errorDetails(err error) any {
	var shortage *appinventory.InsufficientStockError
	if errors.As(err, &shortage) {
		return gin.H{"reservation_id": shortage.ReservationID, "shortages": shortage.Shortages}
	}
	var mismatch *appprojection.ChecksumMismatchError
	if errors.As(err, &mismatch) {
		return gin.H{
			"projection":          mismatch.Projection,
			"shadow_table":        mismatch.ShadowTable,
			"production_checksum": mismatch.Production,
			"shadow_checksum":     mismatch.Shadow,
			"production_rows":     mismatch.ProductionRows,
			"shadow_rows":         mismatch.ShadowRows,
		}
	}
	var busy *appprojection.AlreadyInProgressError
	if errors.As(err, &busy) {
		return gin.H{"projection": busy.Projection, "lock": busy.Lock}
	}
	var conflict *appprojection.RebuildConflictError
	if errors.As(err, &conflict) {
		return gin.H{"projection": conflict.Projection, "op": conflict.Op}
	}
	var timeout *appinventory.LockTimeoutError
	if errors.As(err, &timeout) {
		return gin.H{"lock": timeout.Key, "holder": timeout.Holder}
	}
	return nil
}
