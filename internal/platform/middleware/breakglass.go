package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

type breakGlassContextKey string

const breakGlassReasonKey breakGlassContextKey = "break_glass_reason"

const (
	breakGlassMaxPerHour    = 10
	breakGlassWindow        = time.Hour
	breakGlassCleanupPeriod = 5 * time.Minute
)

// breakGlassLimiter keeps a sliding one-hour window of overrides per user.
type breakGlassLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassLimiter() *breakGlassLimiter {
	return &breakGlassLimiter{entries: make(map[string][]time.Time)}
}

func (l *breakGlassLimiter) allow(userID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.entries[userID], now.Add(-breakGlassWindow))
	if len(kept) >= breakGlassMaxPerHour {
		l.entries[userID] = kept
		return false
	}
	l.entries[userID] = append(kept, now)
	return true
}

func (l *breakGlassLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-breakGlassWindow)
	for user, ts := range l.entries {
		if kept := prune(ts, cutoff); len(kept) > 0 {
			l.entries[user] = kept
		} else {
			delete(l.entries, user)
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// BreakGlass handles the X-Break-Glass emergency override. It does not
// change the caller's role: the override is recorded on the audit entry
// (EMERGENCY_OVERRIDE, +25 risk) and limited to 10 uses per user per hour.
// It must run inside AuditCapture so rejected overrides are audited too;
// AuditCapture reads the accepted reason back through BreakGlassReason.
// The cleanup loop stops when ctx is done.
func BreakGlass(ctx context.Context, logger zerolog.Logger) echo.MiddlewareFunc {
	l := newBreakGlassLimiter()
	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.cleanup(now)
			}
		}
	}()
	return breakGlass(logger, l, time.Now)
}

func breakGlass(logger zerolog.Logger, l *breakGlassLimiter, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reason := strings.TrimSpace(req.Header.Get(HeaderBreakGlass))
			if reason == "" {
				return next(c)
			}

			caller := auth.CallerFromContext(req.Context())
			if caller == nil || caller.UserID == "" {
				return c.JSON(http.StatusUnauthorized, hipaa.ErrorBody{
					Error: "break-glass requires authentication",
					Code:  hipaa.CodeAccessDenied,
				})
			}
			if !l.allow(caller.UserID, now()) {
				c.Response().Header().Set("Retry-After", "3600")
				return c.JSON(http.StatusTooManyRequests, hipaa.ErrorBody{
					Error: "break-glass limit exceeded",
					Code:  "BREAK_GLASS_LIMIT",
				})
			}

			logger.Warn().
				Str("request_id", requestID(c)).
				Str("user_id", caller.UserID).
				Str("role", caller.Role).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("break_glass_reason", reason).
				Msg("break-glass override invoked")

			c.SetRequest(req.WithContext(context.WithValue(req.Context(), breakGlassReasonKey, reason)))
			return next(c)
		}
	}
}

// BreakGlassReason returns the accepted override reason, if any.
func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}
