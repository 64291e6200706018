package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bountyledger/internal/logging"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	svc *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
}

// Run handles GET /v1/admin/reconciliation
func (h *Handler) Run(c *gin.Context) {
	res, err := h.svc.Check(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "custody_unavailable",
			"message": "Could not read the custody balance",
		})
		return
	}
	if !res.Solvent {
		logging.L(c.Request.Context()).Error("CRITICAL: custody does not cover ledger holdings",
			"custody", res.Custody, "holdings", res.Holdings, "shortfall", res.Shortfall)
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": res})
}
