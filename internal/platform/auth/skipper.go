package auth

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// unauditedPrefixes bypass caller resolution and audit capture, together
// with everything below them. The list is fixed: every other route is
// authorized and recorded.
var unauditedPrefixes = []string{
	"/health",
	"/auth/login",
	"/auth/logout",
	"/auth/token",
	"/auth/refresh",
}

// AuthSkipper returns true for requests whose route is on the fixed skip-list.
func AuthSkipper(c echo.Context) bool {
	return IsUnauditedPath(c.Path()) || IsUnauditedPath(c.Request().URL.Path)
}

// IsUnauditedPath reports whether path is a skip-list prefix or lies below
// one. Prefixes match on segment boundaries only, so /healthz is audited.
// Dot segments are never skipped.
func IsUnauditedPath(path string) bool {
	if strings.Contains(path, "/.") {
		return false
	}
	for _, p := range unauditedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
