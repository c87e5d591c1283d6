package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/auth/login", true},
		{"/auth/logout", true},
		{"/auth/token", true},
		{"/auth/refresh", true},
		{"/api/v1/patients", false},
		{"/api/v1/audit/search", false},
		{"/health/db", true},
		{"/health/ready", true},
		{"/auth/login/callback", true},
		{"/healthz", false},
		{"/health/../api/v1/patients", false},
		{"/auth/login-as", false},
		{"/api/v1/health", false},
		{"/metrics", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath(tt.path)
			if got := AuthSkipper(c); got != tt.skip {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}
