package handler

import (
	appprojection "github.com/erp/stockledger/internal/application/projection"
	"github.com/gin-gonic/gin"
)

// RebuildRequest is the body of a rebuild call. Verify defaults to true.
type RebuildRequest struct {
	Verify        *bool `json:"verify"`
	ResetProgress bool  `json:"reset_progress"`
}

// ProjectionHandler serves projection rebuilds and their status
type ProjectionHandler struct {
	BaseHandler
	rebuilds *appprojection.RebuildService
}

// NewProjectionHandler creates a new ProjectionHandler
func NewProjectionHandler(rebuilds *appprojection.RebuildService) *ProjectionHandler {
	return &ProjectionHandler{rebuilds: rebuilds}
}

// RegisterRoutes mounts the projection endpoints on rg
func (h *ProjectionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	projections := rg.Group("/projections")
	projections.POST("/:name/rebuild", h.Rebuild)
	projections.GET("/:name/status", h.Status)
}

// Rebuild godoc
// POST /projections/:name/rebuild
func (h *ProjectionHandler) Rebuild(c *gin.Context) {
	var req RebuildRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}
	verify := req.Verify == nil || *req.Verify

	report, err := h.rebuilds.RebuildProjection(c.Request.Context(), c.Param("name"), verify, req.ResetProgress)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, report)
}

// Status godoc
// GET /projections/:name/status
func (h *ProjectionHandler) Status(c *gin.Context) {
	status, err := h.rebuilds.GetRebuildStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, status)
}
