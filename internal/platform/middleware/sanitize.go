package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

const maxHeaderValueSize = 8 << 10

var (
	// logged only; parameterized queries are the actual defence
	sqlPattern    = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1)`)
	scriptPattern = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests carrying path traversal, null bytes, header
// injection, oversized headers or script payloads in the query string.
// It runs before AuditCapture, so rejected requests are not audited.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reason := inspect(c.Request()); reason != "" {
				logger.Warn().
					Str("request_id", requestID(c)).
					Str("remote_ip", c.RealIP()).
					Str("reason", reason).
					Msg("request rejected by sanitizer")
				return c.JSON(http.StatusBadRequest, hipaa.ErrorBody{Error: reason, Code: hipaa.CodeInvalidInput})
			}
			for key, values := range c.Request().URL.Query() {
				for _, v := range values {
					if sqlPattern.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", c.Request().URL.Path).
							Str("remote_ip", c.RealIP()).
							Msg("sql injection pattern in query parameter")
					}
				}
			}
			return next(c)
		}
	}
}

func inspect(req *http.Request) string {
	raw := req.URL.RawPath
	if raw == "" {
		raw = req.URL.Path
	}
	for _, p := range []string{req.URL.Path, raw} {
		if hasTraversal(p) {
			return "path traversal detected"
		}
		if hasNullByte(p) {
			return "null byte in path"
		}
	}
	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value too large: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}
	for key, values := range req.URL.Query() {
		if hasNullByte(key) || scriptPattern.MatchString(key) {
			return "invalid query parameter"
		}
		for _, v := range values {
			if hasNullByte(v) {
				return "null byte in query parameter"
			}
			if scriptPattern.MatchString(v) {
				return "script content in query parameter"
			}
		}
	}
	return ""
}

func hasTraversal(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(s, "..") || strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func hasNullByte(s string) bool {
	return strings.ContainsRune(s, 0) || strings.Contains(strings.ToLower(s), "%00")
}
