// Package modules contains the HTTP handlers for the module lifecycle API.
package modules

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agricore/module-orchestrator/internal/db/models"
	"github.com/agricore/module-orchestrator/internal/middleware"
	"github.com/agricore/module-orchestrator/internal/orchestrator"
)

// Handler serves the module lifecycle endpoints.
type Handler struct {
	mgr *orchestrator.Manager
}

// NewHandler creates a handler around the orchestration manager.
func NewHandler(mgr *orchestrator.Manager) *Handler {
	return &Handler{mgr: mgr}
}

func actorFrom(c *gin.Context) orchestrator.Actor {
	return orchestrator.Actor{
		UserID: c.GetString(middleware.CtxUserID),
		Email:  c.GetString(middleware.CtxEmail),
		Role:   c.GetString(middleware.CtxRole),
	}
}

// respondError maps orchestrator error kinds to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation), errors.Is(err, orchestrator.ErrLimitExceeded):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// Install accepts a module install request. Installation continues in the
// background; the response is 202 with the pending record.
func (h *Handler) Install(c *gin.Context) {
	var req orchestrator.InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	mod, err := h.mgr.Install(c.Request.Context(), &req, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "installing",
		"module": mod,
	})
}

// List returns a page of active modules.
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	mods, total, err := h.mgr.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"modules": mods,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Status returns one module's record plus live container stats.
func (h *Handler) Status(c *gin.Context) {
	st, err := h.mgr.Status(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Start starts a stopped module.
func (h *Handler) Start(c *gin.Context) {
	name := c.Param("name")
	if err := h.mgr.Start(c.Request.Context(), name, actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running", "name": name})
}

// Stop stops a running module.
func (h *Handler) Stop(c *gin.Context) {
	name := c.Param("name")
	if err := h.mgr.Stop(c.Request.Context(), name, actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "name": name})
}

// Uninstall removes a module.
func (h *Handler) Uninstall(c *gin.Context) {
	name := c.Param("name")
	if err := h.mgr.Uninstall(c.Request.Context(), name, actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "name": name})
}

// AuditLog queries the operation audit trail.
func (h *Handler) AuditLog(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := h.mgr.AuditLog(c.Request.Context(), models.AuditFilter{
		ModuleName: c.Query("module"),
		Operation:  c.Query("operation"),
		Status:     c.Query("status"),
		UserID:     c.Query("user_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
