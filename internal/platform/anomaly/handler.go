package anomaly

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Handler exposes session assessments for operational review.
type Handler struct {
	detector *Detector
}

func NewHandler(d *Detector) *Handler {
	return &Handler{detector: d}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/anomaly/sessions/:user/:session", h.HandleGetSession)
}

type sessionResponse struct {
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	Assessment Assessment `json:"assessment"`
}

func (h *Handler) HandleGetSession(c echo.Context) error {
	user, session := c.Param("user"), c.Param("session")
	if user == "" {
		status, body := hipaa.PublicError(fmt.Errorf("%w: user is required", hipaa.ErrInvalidInput))
		return c.JSON(status, body)
	}
	a, err := h.detector.CheckAnomalous(c.Request().Context(), user, session)
	if err != nil {
		status, body := hipaa.PublicError(err)
		return c.JSON(status, body)
	}
	return c.JSON(http.StatusOK, sessionResponse{UserID: user, SessionID: session, Assessment: a})
}
