package middleware

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/capture"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// Request headers the capture layer reads.
const (
	HeaderSessionID        = "X-Session-ID"
	HeaderJustification    = "X-Access-Justification"
	HeaderLegalBasis       = "X-Legal-Basis"
	HeaderMinimumNecessary = "X-Minimum-Necessary"
	HeaderBreakGlass       = "X-Break-Glass"
)

const defaultCaptureBodyBytes = 1 << 20

// AuditConfig wires AuditCapture to the capture pipeline.
type AuditConfig struct {
	Pipeline *capture.Pipeline
	Resolver *capture.PermissionResolver
	Logger   zerolog.Logger
	// MaxBodyBytes bounds how much of a request body is inspected. Larger
	// bodies are still passed through to the handler intact.
	MaxBodyBytes int64
	// Skipper defaults to the fixed unaudited skip-list.
	Skipper echomw.Skipper
}

// AuditCapture authorizes every request, buffers the handler's response and
// releases it only once the audit entry is persisted as its mode requires.
// Denials are answered with 403 and persistence failures with 503; in both
// cases the handler's output never reaches the client.
func AuditCapture(cfg AuditConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = auth.AuthSkipper
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultCaptureBodyBytes
	}
	if cfg.Resolver == nil {
		cfg.Resolver = capture.NewPermissionResolver(nil, cfg.Pipeline.Classifier())
	}
	logger := cfg.Logger.With().Str("component", "audit-middleware").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper(c) {
				return next(c)
			}
			req := c.Request()
			ctx := req.Context()

			body, err := peekBody(req, cfg.MaxBodyBytes)
			if err != nil {
				logger.Warn().Err(err).Str("path", req.URL.Path).Msg("request body could not be read for classification")
			}

			op := operationFor(c, cfg.Resolver, body)
			r := cfg.Pipeline.Begin(ctx, auth.CallerFromContext(ctx), op)
			c.Set("request_id", r.ID)
			if err := cfg.Pipeline.Authorize(ctx, r); err != nil {
				return writeError(c, err)
			}
			c.SetRequest(req.WithContext(capture.WithRequest(ctx, r)))

			resp := c.Response()
			orig := resp.Writer
			cw := &captureWriter{ResponseWriter: orig}
			resp.Writer = cw

			if herr := runHandler(c, next, logger); herr != nil {
				c.Error(herr)
			}
			resp.Writer = orig
			// the operation entry carries only an override BreakGlass accepted
			r.Op.BreakGlassReason = BreakGlassReason(c.Request().Context())

			status := resp.Status
			if status == 0 {
				status = http.StatusOK
			}
			out, err := cfg.Pipeline.Complete(ctx, r, capture.Result{StatusCode: status, Body: cw.buf.Bytes()})
			if !out.Release {
				if err == nil {
					err = fmt.Errorf("%w: response withheld", hipaa.ErrAuditPersistence)
				}
				discard(resp)
				return writeError(c, err)
			}
			if err != nil {
				logger.Warn().Err(err).Str("request_id", r.ID).Msg("audit capture completed with error")
			}

			orig.WriteHeader(status)
			if cw.buf.Len() > 0 {
				if _, err := orig.Write(cw.buf.Bytes()); err != nil {
					logger.Debug().Err(err).Str("request_id", r.ID).Msg("client went away before response was written")
				}
			}
			return nil
		}
	}
}

func operationFor(c echo.Context, resolver *capture.PermissionResolver, body []byte) capture.Operation {
	req := c.Request()
	route := c.Path()
	rid := req.Header.Get(echo.HeaderXRequestID)
	if v, ok := c.Get("request_id").(string); ok && v != "" {
		rid = v
	}
	return capture.Operation{
		Method:           req.Method,
		Path:             req.URL.Path,
		Route:            route,
		Permission:       resolver.Resolve(req.Method, route, req.URL.Path),
		RequestID:        rid,
		RequestBody:      body,
		ClientIP:         c.RealIP(),
		UserAgent:        req.UserAgent(),
		SessionID:        req.Header.Get(HeaderSessionID),
		Justification:    strings.TrimSpace(req.Header.Get(HeaderJustification)),
		LegalBasis:       hipaa.ParseLegalBasis(req.Header.Get(HeaderLegalBasis)),
		MinimumNecessary: strings.TrimSpace(req.Header.Get(HeaderMinimumNecessary)),
		BreakGlassReason: strings.TrimSpace(req.Header.Get(HeaderBreakGlass)),
	}
}

// peekBody reads up to limit bytes for classification and puts the body
// back so the handler sees it unchanged. A body over the limit is not
// returned for classification.
func peekBody(req *http.Request, limit int64) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(buf), req.Body), Closer: req.Body}
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, nil
	}
	return buf, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// runHandler converts a handler panic into a 500 so the failure is still
// audited.
func runHandler(c echo.Context, next echo.HandlerFunc, logger zerolog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			var stack [4096]byte
			n := runtime.Stack(stack[:], false)
			logger.Error().
				Str("request_id", requestID(c)).
				Str("panic", fmt.Sprintf("%v", p)).
				Str("stack", string(stack[:n])).
				Msg("panic recovered in audited handler")
			err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
	}()
	return next(c)
}

// discard forgets everything the handler wrote so an error can be sent.
func discard(resp *echo.Response) {
	h := resp.Header()
	h.Del(echo.HeaderContentType)
	h.Del(echo.HeaderContentLength)
	h.Del(echo.HeaderContentDisposition)
	resp.Committed = false
	resp.Status = 0
	resp.Size = 0
}

// captureWriter holds the response body and status until the audit entry
// has been persisted. Headers go straight to the underlying writer's map.
type captureWriter struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.buf.Write(b)
}

// Flush is a no-op: nothing leaves before release.
func (w *captureWriter) Flush() {}

func (w *captureWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return nil, nil, errors.New("audited responses cannot be hijacked")
}

func writeError(c echo.Context, err error) error {
	status, body := hipaa.PublicError(err)
	return c.JSON(status, body)
}

func requestID(c echo.Context) string {
	if v, ok := c.Get("request_id").(string); ok {
		return v
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}
