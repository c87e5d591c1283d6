package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phicore/internal/platform/hipaa"
)

// RequestTimeout puts a deadline on the request context. Handlers run on the
// request goroutine and are expected to honour ctx; a handler that returns
// context.DeadlineExceeded is answered with 504. Audit appends are detached
// from this deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, hipaa.ErrorBody{
					Error: "request timed out",
					Code:  "TIMEOUT",
				})
			}
			return err
		}
	}
}
