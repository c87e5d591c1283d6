package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

const defaultBodyLimit = 1 << 20

// BodyLimit rejects request bodies larger than limit ("512K", "1M", "2G" or
// a byte count) with 413. The declared Content-Length is checked first and
// the body reader enforces the limit for chunked uploads.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return tooLarge(c)
			}
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: maxBytes}
			return next(c)
		}
	}
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.remaining < 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		return 0, errBodyTooLarge
	}
	return n, err
}

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, hipaa.ErrorBody{
	Error: "request body too large",
	Code:  "PAYLOAD_TOO_LARGE",
})

func tooLarge(c echo.Context) error {
	return c.JSON(http.StatusRequestEntityTooLarge, hipaa.ErrorBody{
		Error: "request body too large",
		Code:  "PAYLOAD_TOO_LARGE",
	})
}

// parseLimit falls back to 1 MiB for empty or malformed input.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return defaultBodyLimit
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1 << 10
	case 'M':
		mult = 1 << 20
	case 'G':
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n * mult
}
