package handler

import (
	appinventory "github.com/erp/stockledger/internal/application/inventory"
	"github.com/gin-gonic/gin"
)

// IdempotencyKeyHeader carries the Start-Picking request id when the body
// does not
const IdempotencyKeyHeader = "Idempotency-Key"

// InventoryHandler serves stock movements, reservations and stock queries
type InventoryHandler struct {
	BaseHandler
	ledger       *appinventory.StockLedgerService
	reservations *appinventory.ReservationService
	picking      *appinventory.PickingService
	queries      *appinventory.StockQueryService
}

// NewInventoryHandler creates a new InventoryHandler
func NewInventoryHandler(
	ledger *appinventory.StockLedgerService,
	reservations *appinventory.ReservationService,
	picking *appinventory.PickingService,
	queries *appinventory.StockQueryService,
) *InventoryHandler {
	return &InventoryHandler{
		ledger:       ledger,
		reservations: reservations,
		picking:      picking,
		queries:      queries,
	}
}

// RegisterRoutes mounts the inventory endpoints on rg
func (h *InventoryHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/movements", h.RecordMovement)

	reservations := rg.Group("/reservations")
	reservations.POST("", h.CreateReservation)
	reservations.GET("/:id", h.GetReservation)
	reservations.GET("/:id/hard-locks", h.HardLocks)
	reservations.POST("/:id/allocate", h.Allocate)
	reservations.POST("/:id/start-picking", h.StartPicking)
	reservations.POST("/:id/consume", h.Consume)
	reservations.POST("/:id/cancel", h.Cancel)

	stock := rg.Group("/stock")
	stock.GET("/available", h.AvailableStock)
	stock.GET("/balances", h.LocationBalances)
	stock.GET("/value", h.OnHandValue)
}

// RecordMovement godoc
// POST /movements
func (h *InventoryHandler) RecordMovement(c *gin.Context) {
	var req appinventory.RecordMovementRequest
	if !h.BindJSON(c, &req) {
		return
	}
	result, err := h.ledger.RecordMovement(c.Request.Context(), req.ToMovement())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, result)
}

// CreateReservation godoc
// POST /reservations
func (h *InventoryHandler) CreateReservation(c *gin.Context) {
	var req appinventory.CreateReservationRequest
	if !h.BindJSON(c, &req) {
		return
	}
	r, err := h.reservations.Create(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, r)
}

// GetReservation godoc
// GET /reservations/:id
func (h *InventoryHandler) GetReservation(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	r, err := h.reservations.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, r)
}

// Allocate godoc
// POST /reservations/:id/allocate
func (h *InventoryHandler) Allocate(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req appinventory.AllocateRequest
	if !h.BindJSON(c, &req) {
		return
	}
	r, err := h.reservations.Allocate(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, r)
}

// StartPicking godoc
// POST /reservations/:id/start-picking
//
// The request id comes from the body or the Idempotency-Key header. A
// repeated request id returns the original result with replayed set.
func (h *InventoryHandler) StartPicking(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req appinventory.StartPickingRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = c.GetHeader(IdempotencyKeyHeader)
	}
	result, err := h.picking.StartPicking(c.Request.Context(), id, req.RequestID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Consume godoc
// POST /reservations/:id/consume
func (h *InventoryHandler) Consume(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req appinventory.ConsumeRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}
	r, err := h.reservations.Consume(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, r)
}

// Cancel godoc
// POST /reservations/:id/cancel
func (h *InventoryHandler) Cancel(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	var req appinventory.CancelRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}
	r, err := h.reservations.Cancel(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, r)
}

// HardLocks godoc
// GET /reservations/:id/hard-locks
func (h *InventoryHandler) HardLocks(c *gin.Context) {
	id, ok := h.ParseID(c)
	if !ok {
		return
	}
	rows, err := h.queries.HardLocks(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rows)
}

// AvailableStock godoc
// GET /stock/available
func (h *InventoryHandler) AvailableStock(c *gin.Context) {
	var req appinventory.StockFilterRequest
	if !h.BindQuery(c, &req) {
		return
	}
	rows, err := h.queries.QueryAvailableStock(c.Request.Context(), req.ToFilter())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rows)
}

// LocationBalances godoc
// GET /stock/balances
func (h *InventoryHandler) LocationBalances(c *gin.Context) {
	var req appinventory.StockFilterRequest
	if !h.BindQuery(c, &req) {
		return
	}
	rows, err := h.queries.QueryLocationBalance(c.Request.Context(), req.ToFilter())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rows)
}

// OnHandValue godoc
// GET /stock/value
func (h *InventoryHandler) OnHandValue(c *gin.Context) {
	var req appinventory.StockFilterRequest
	if !h.BindQuery(c, &req) {
		return
	}
	rows, err := h.queries.QueryOnHandValue(c.Request.Context(), req.ToFilter())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, rows)
}
