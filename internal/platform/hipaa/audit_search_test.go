package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func seedHandlerLog(t *testing.T) (*AuditLog, []*AuditEntry) {
	t.Helper()
	log, _, _ := newTestAuditLog(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	entries := []*AuditEntry{
		{Actor: &Actor{UserID: "u-1", Role: "physician"}, Action: ActionRead, ResourceType: "patients",
			PatientIDs: []string{"p1"}, Success: true, Timestamp: base},
		{Actor: &Actor{UserID: "u-2", Role: "nurse"}, Action: ActionUpdate, ResourceType: "encounters",
			PatientIDs: []string{"p2"}, Success: true, Timestamp: base.Add(time.Minute)},
	}
	for _, e := range entries {
		if _, err := log.Append(context.Background(), e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return log, entries
}

func doGet(t *testing.T, h echo.HandlerFunc, target string, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for k, v := range params {
		c.SetParamNames(k)
		c.SetParamValues(v)
	}
	if err := h(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

const window = "start=2025-06-01T00:00:00Z&end=2025-06-02T00:00:00Z"

func TestAuditSearchHandler_Search(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleSearch, "/audit/search?"+window+"&user_id=u-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page AuditPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Entries[0].UserID() != "u-1" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestAuditSearchHandler_SearchPaging(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleSearch, "/audit/search?"+window+"&limit=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Total   int  `json:"total"`
		Limit   int  `json:"limit"`
		HasMore bool `json:"has_more"`
		Links   []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 2 || body.Limit != 1 || !body.HasMore {
		t.Fatalf("unexpected paging: %+v", body)
	}
	var next string
	for _, l := range body.Links {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	if !strings.Contains(next, "offset=1") || !strings.Contains(next, "start=") {
		t.Errorf("next link should advance offset and keep the window: %q", next)
	}
}

func TestAuditSearchHandler_SearchWithoutWindow(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleSearch, "/audit/search?user_id=u-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body ErrorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.OK || body.Code != CodeInvalidInput {
		t.Errorf("unexpected error body: %+v", body)
	}
}

func TestAuditSearchHandler_Report(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleReport, "/audit/report?"+window, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report ComplianceReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Summary.TotalAccesses != 2 || report.Summary.UniquePatients != 2 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
}

func TestAuditSearchHandler_ExportCSV(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleExportCSV, "/audit/export/csv?"+window, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("expected text/csv, got %q", ct)
	}
	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][len(rows[0])-1] != "IntegrityDigest" {
		t.Errorf("unexpected header: %v", rows[0])
	}
}

func TestAuditSearchHandler_ExportJSON(t *testing.T) {
	log, _ := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)

	rec := doGet(t, h.HandleExportJSON, "/audit/export/json?"+window+"&action=read", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []*AuditEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionRead {
		t.Errorf("expected one READ entry, got %+v", entries)
	}
}

func TestAuditSearchHandler_GetAndVerify(t *testing.T) {
	log, entries := seedHandlerLog(t)
	h := NewAuditSearchHandler(log)
	id := entries[0].ID.String()

	rec := doGet(t, h.HandleGetEntry, "/audit/"+id, map[string]string{"id": id})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = doGet(t, h.HandleVerify, "/audit/"+id+"/verify", map[string]string{"id": id})
	var res VerifyResult
	_ = json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusOK || !res.Valid {
		t.Errorf("expected valid entry, got %d %+v", rec.Code, res)
	}

	rec = doGet(t, h.HandleGetEntry, "/audit/nope", map[string]string{"id": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for malformed id, got %d", rec.Code)
	}
}

func TestPublicError_NoInternalDetail(t *testing.T) {
	status, body := PublicError(ErrIntegrityViolation)
	if status != http.StatusUnprocessableEntity || body.Error != "cannot process request" {
		t.Errorf("unexpected mapping: %d %+v", status, body)
	}
	status2, body2 := PublicError(ErrKeyNotFound)
	if status2 != status || body2 != body {
		t.Error("key and integrity failures must be indistinguishable")
	}
	if status, _ := PublicError(ErrAuditPersistence); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for audit failure, got %d", status)
	}
	if status, body := PublicError(ErrAuthorizationDenied); status != http.StatusForbidden || body.Code != CodeAccessDenied {
		t.Errorf("unexpected denial mapping: %d %+v", status, body)
	}
}
