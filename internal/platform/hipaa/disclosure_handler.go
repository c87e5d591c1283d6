package hipaa

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// DisclosureHandler exposes disclosure recording and the per-patient
// accounting of disclosures.
type DisclosureHandler struct {
	log *DisclosureLog
}

// NewDisclosureHandler creates a handler backed by log.
func NewDisclosureHandler(log *DisclosureLog) *DisclosureHandler {
	return &DisclosureHandler{log: log}
}

// RegisterRoutes registers the disclosure routes on the API group.
func (h *DisclosureHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/disclosures", h.HandleRecord)
	g.GET("/disclosures/patients/:patient_id", h.HandleAccounting)
}

// HandleRecord handles POST /disclosures.
func (h *DisclosureHandler) HandleRecord(c echo.Context) error {
	var req DisclosureRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, ErrInvalidInput)
	}
	d, err := h.log.Record(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, d)
}

// HandleAccounting handles GET /disclosures/patients/:patient_id. The
// optional from and to parameters are RFC 3339 timestamps.
func (h *DisclosureHandler) HandleAccounting(c echo.Context) error {
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return respondError(c, ErrInvalidInput)
		}
		*dst = t
	}
	patientID := c.Param("patient_id")
	list, err := h.log.Accounting(c.Request().Context(), patientID, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id":  patientID,
		"disclosures": list,
		"total":       len(list),
	})
}
