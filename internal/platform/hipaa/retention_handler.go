package hipaa

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RetentionHandler exposes the on-demand retention sweep.
type RetentionHandler struct {
	sweeper *RetentionSweeper
}

// NewRetentionHandler creates a new handler backed by the given sweeper.
func NewRetentionHandler(sweeper *RetentionSweeper) *RetentionHandler {
	return &RetentionHandler{sweeper: sweeper}
}

// RegisterRoutes registers the admin retention routes on the API group.
// Authorization for retention:sweep is enforced by the audit capture gate.
func (h *RetentionHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/admin/retention/sweep", h.HandleSweep)
	g.GET("/admin/retention/status", h.HandleStatus)
}

// HandleSweep handles POST /api/v1/admin/retention/sweep.
func (h *RetentionHandler) HandleSweep(c echo.Context) error {
	n, err := h.sweeper.SweepNow(c.Request().Context())
	if err != nil {
		status, body := PublicError(err)
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":      true,
		"removed": n,
		"as_of":   time.Now().UTC(),
	})
}

// HandleStatus handles GET /api/v1/admin/retention/status.
func (h *RetentionHandler) HandleStatus(c echo.Context) error {
	last, n := h.sweeper.LastRun()
	resp := map[string]interface{}{
		"interval":     h.sweeper.interval.String(),
		"last_removed": n,
	}
	if !last.IsZero() {
		resp["last_run"] = last
	}
	return c.JSON(http.StatusOK, resp)
}
