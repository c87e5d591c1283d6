package hipaa

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/phicore/pkg/pagination"
)

// AuditSearchHandler provides Echo HTTP handlers for audit trail search,
// export, reporting and verification.
type AuditSearchHandler struct {
	log *AuditLog
}

// NewAuditSearchHandler creates a new handler backed by the given audit log.
func NewAuditSearchHandler(log *AuditLog) *AuditSearchHandler {
	return &AuditSearchHandler{log: log}
}

// RegisterRoutes registers all audit routes on the provided Echo group.
func (h *AuditSearchHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/search", h.HandleSearch)
	g.GET("/audit/report", h.HandleReport)
	g.GET("/audit/export/csv", h.HandleExportCSV)
	g.GET("/audit/export/json", h.HandleExportJSON)
	g.GET("/audit/:id", h.HandleGetEntry)
	g.GET("/audit/:id/verify", h.HandleVerify)
}

// parseAuditQuery extracts an AuditQuery from Echo query parameters.
// Unparseable times are left zero and rejected by the service.
func parseAuditQuery(c echo.Context) AuditQuery {
	q := AuditQuery{
		UserID:       c.QueryParam("user_id"),
		PatientID:    c.QueryParam("patient_id"),
		ResourceType: c.QueryParam("resource_type"),
		Action:       Action(strings.ToUpper(c.QueryParam("action"))),
	}
	p := pagination.FromContext(c)
	q.Limit, q.Offset = p.Limit, p.Offset
	if v := c.QueryParam("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Start = t
		}
	}
	if v := c.QueryParam("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.End = t
		}
	}
	// crypto actions are lower case
	switch Action(strings.ToLower(string(q.Action))) {
	case ActionEncryption, ActionDecryption, ActionKeyRotation:
		q.Action = Action(strings.ToLower(string(q.Action)))
	}
	return q
}

func respondError(c echo.Context, err error) error {
	status, body := PublicError(err)
	return c.JSON(status, body)
}

type searchResponse struct {
	*AuditPage
	HasMore bool              `json:"has_more"`
	Links   []pagination.Link `json:"links"`
}

// HandleSearch handles GET /audit/search.
func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	page, err := h.log.Search(c.Request().Context(), parseAuditQuery(c))
	if err != nil {
		return respondError(c, err)
	}
	p := pagination.Params{Limit: page.Limit, Offset: page.Offset}
	return c.JSON(http.StatusOK, searchResponse{
		AuditPage: page,
		HasMore:   p.HasNext(page.Total),
		Links:     p.Links(c.Request().URL, page.Total),
	})
}

// HandleReport handles GET /audit/report.
func (h *AuditSearchHandler) HandleReport(c echo.Context) error {
	q := parseAuditQuery(c)
	report, err := h.log.GenerateReport(c.Request().Context(), ReportQuery{
		Start:     q.Start,
		End:       q.End,
		UserID:    q.UserID,
		PatientID: q.PatientID,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// HandleExportCSV handles GET /audit/export/csv.
func (h *AuditSearchHandler) HandleExportCSV(c echo.Context) error {
	entries, err := h.log.Export(c.Request().Context(), parseAuditQuery(c))
	if err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/csv")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return WriteCSV(c.Response(), entries)
}

// HandleExportJSON handles GET /audit/export/json.
func (h *AuditSearchHandler) HandleExportJSON(c echo.Context) error {
	entries, err := h.log.Export(c.Request().Context(), parseAuditQuery(c))
	if err != nil {
		return respondError(c, err)
	}

	c.Response().Header().Set("Content-Type", "application/json")
	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.json\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)

	enc := json.NewEncoder(c.Response())
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// HandleGetEntry handles GET /audit/:id.
func (h *AuditSearchHandler) HandleGetEntry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondError(c, ErrEntryNotFound)
	}
	entry, err := h.log.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// HandleVerify handles GET /audit/:id/verify.
func (h *AuditSearchHandler) HandleVerify(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return respondError(c, ErrEntryNotFound)
	}
	res, err := h.log.Verify(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// WriteCSV writes entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []*AuditEntry) error {
	cw := csv.NewWriter(w)

	header := []string{"ID", "Timestamp", "UserID", "Role", "Action", "ResourceType",
		"ResourceIDs", "PatientIDs", "Success", "StatusCode", "ClientIP", "SessionID",
		"RiskScore", "Flags", "IntegrityDigest"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	for _, e := range entries {
		flags := make([]string, len(e.Flags))
		for i, f := range e.Flags {
			flags[i] = string(f)
		}
		record := []string{
			e.ID.String(),
			e.Timestamp.Format(time.RFC3339),
			e.UserID(),
			e.Role(),
			string(e.Action),
			e.ResourceType,
			strings.Join(e.ResourceIDs, ";"),
			strings.Join(e.PatientIDs, ";"),
			strconv.FormatBool(e.Success),
			strconv.Itoa(e.StatusCode),
			e.ClientIP,
			e.SessionID,
			strconv.Itoa(e.RiskScore),
			strings.Join(flags, ";"),
			e.IntegrityDigest,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
