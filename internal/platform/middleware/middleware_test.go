package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newContext(method, path string, body io.Reader) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, body)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	err := RequestID()(func(c echo.Context) error {
		if rid, _ := c.Get("request_id").(string); rid == "" {
			t.Error("expected request_id to be generated")
		}
		return okHandler(c)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")
	_ = RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %q", got)
	}
}

func TestRequestID_RejectsOversized(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/", nil)
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	_ = RequestID()(okHandler)(c)
	if got := rec.Header().Get(RequestIDHeader); len(got) > 128 {
		t.Errorf("oversized request id echoed back: %d bytes", len(got))
	}
}

func TestLogger_WritesAccessLine(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/api/v1/patients?name=Ada", nil)
	c.Set("request_id", "req-1")
	if err := Logger(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-1" || line["path"] != "/api/v1/patients" || line["status"] != float64(200) {
		t.Errorf("unexpected log line: %v", line)
	}
	if strings.Contains(buf.String(), "Ada") {
		t.Error("query string must not be logged")
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/panic", nil)
	err := Recovery(zerolog.Nop())(func(echo.Context) error { panic("boom") })(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	if body, ok := he.Message.(hipaa.ErrorBody); !ok || body.Code != hipaa.CodeInternal {
		t.Errorf("expected generic error body, got %#v", he.Message)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/ok", nil)
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	for _, hsts := range []bool{true, false} {
		c, rec := newContext(http.MethodGet, "/api/v1/patients", nil)
		if err := SecurityHeaders(hsts)(okHandler)(c); err != nil {
			t.Fatal(err)
		}
		for h, want := range map[string]string{
			"X-Content-Type-Options": "nosniff",
			"X-Frame-Options":        "DENY",
			"Cache-Control":          "no-store",
			"Referrer-Policy":        "no-referrer",
		} {
			if got := rec.Header().Get(h); got != want {
				t.Errorf("%s = %q, want %q", h, got, want)
			}
		}
		if got := rec.Header().Get("Strict-Transport-Security") != ""; got != hsts {
			t.Errorf("hsts=%v but header present=%v", hsts, got)
		}
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1g", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"lots", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.in); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestBodyLimit_ContentLength(t *testing.T) {
	c, rec := newContext(http.MethodPost, "/api/v1/patients", bytes.NewReader(make([]byte, 2048)))
	called := false
	err := BodyLimit("1K")(func(c echo.Context) error { called = true; return nil })(c)
	if err != nil {
		t.Fatal(err)
	}
	if called || rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 before the handler, got %d called=%v", rec.Code, called)
	}
}

func TestBodyLimit_StreamedBody(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/api/v1/patients", bytes.NewReader(make([]byte, 2048)))
	c.Request().ContentLength = -1
	err := BodyLimit("1K")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 from the reader, got %v", err)
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	c, _ := newContext(http.MethodPost, "/api/v1/patients", strings.NewReader(`{"id":"1"}`))
	err := BodyLimit("1K")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if string(b) != `{"id":"1"}` {
			t.Errorf("body altered: %q", b)
		}
		return err
	})(c)
	if err != nil {
		t.Fatal(err)
	}
}

func TestRequestTimeout(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/patients", nil)
	err := RequestTimeout(20 * time.Millisecond)(func(c echo.Context) error {
		<-c.Request().Context().Done()
		return c.Request().Context().Err()
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", rec.Code)
	}

	c, _ = newContext(http.MethodGet, "/api/v1/patients", nil)
	err = RequestTimeout(time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("expected a deadline on the request context")
		}
		return context.Canceled
	})(c)
	if err != context.Canceled {
		t.Errorf("non-deadline errors must pass through, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	e := echo.New()
	e.Use(Sanitize(zerolog.Nop()))
	e.GET("/*", okHandler)

	tests := []struct {
		name   string
		target string
		header [2]string
		want   int
	}{
		{"clean", "/api/v1/patients?name=ada", [2]string{}, http.StatusOK},
		{"encoded traversal", "/%2e%2e/%2e%2e/etc/passwd", [2]string{}, http.StatusBadRequest},
		{"null byte", "/api/v1/patients?q=a%00b", [2]string{}, http.StatusBadRequest},
		{"script", "/api/v1/patients?q=%3Cscript%3Ealert(1)", [2]string{}, http.StatusBadRequest},
		{"sql is only logged", "/api/v1/patients?q=1'%20OR%201=1", [2]string{}, http.StatusOK},
		{"oversized header", "/api/v1/patients", [2]string{"X-Big", strings.Repeat("a", 9000)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.want == http.StatusBadRequest {
				var body hipaa.ErrorBody
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Code != hipaa.CodeInvalidInput {
					t.Errorf("expected INVALID_INPUT body, got %q", rec.Body.String())
				}
			}
		})
	}
}
