package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

// runWithHeader runs the middleware and returns the caller seen by the handler.
func runWithHeader(t *testing.T, mw echo.MiddlewareFunc, header string) *Caller {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen *Caller
	handler := func(c echo.Context) error {
		seen = CallerFromContext(c.Request().Context())
		return c.String(http.StatusOK, "ok")
	}
	if err := mw(handler)(c); err != nil {
		t.Fatalf("middleware must not reject requests itself: %v", err)
	}
	return seen
}

func testJWTConfig() JWTConfig {
	return JWTConfig{SigningKey: testSigningKey, Logger: zerolog.New(nil).Level(zerolog.Disabled)}
}

func TestJWTMiddleware_MissingHeaderIsAnonymous(t *testing.T) {
	if c := runWithHeader(t, JWTMiddleware(testJWTConfig()), ""); c != nil {
		t.Errorf("expected nil caller, got %+v", c)
	}
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c := runWithHeader(t, JWTMiddleware(testJWTConfig()), tt.header); c != nil {
				t.Errorf("expected nil caller, got %+v", c)
			}
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles:     []string{"nurse", "auditor"},
		Name:      "Pat Nurse",
		SessionID: "s-1",
	}
	token := createTestToken(t, claims, testSigningKey)

	c := runWithHeader(t, JWTMiddleware(testJWTConfig()), "Bearer "+token)
	if c == nil {
		t.Fatal("expected caller")
	}
	if c.UserID != "u-42" || c.Role != "nurse" || c.SessionID != "s-1" || c.DisplayName != "Pat Nurse" {
		t.Errorf("unexpected caller: %+v", c)
	}
}

func TestJWTMiddleware_ExpiredAndWrongKey(t *testing.T) {
	expired := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		Role: "physician",
	}, testSigningKey)
	if c := runWithHeader(t, JWTMiddleware(testJWTConfig()), "Bearer "+expired); c != nil {
		t.Errorf("expired token produced caller %+v", c)
	}

	forged := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
		Role:             "admin",
	}, []byte("some-other-key"))
	if c := runWithHeader(t, JWTMiddleware(testJWTConfig()), "Bearer "+forged); c != nil {
		t.Errorf("forged token produced caller %+v", c)
	}
}

func TestJWTMiddleware_IssuerAudience(t *testing.T) {
	cfg := testJWTConfig()
	cfg.Issuer = "https://issuer.example"
	cfg.Audience = "phicore"

	good := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "u-1",
			Issuer:   "https://issuer.example",
			Audience: jwt.ClaimStrings{"phicore"},
		},
		Role: "physician",
	}, testSigningKey)
	if c := runWithHeader(t, JWTMiddleware(cfg), "Bearer "+good); c == nil || c.Role != "physician" {
		t.Errorf("expected physician caller, got %+v", c)
	}

	wrongAud := createTestToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  "u-1",
			Issuer:   "https://issuer.example",
			Audience: jwt.ClaimStrings{"other"},
		},
	}, testSigningKey)
	if c := runWithHeader(t, JWTMiddleware(cfg), "Bearer "+wrongAud); c != nil {
		t.Errorf("wrong audience produced caller %+v", c)
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	mw := DevAuthMiddleware(testJWTConfig())

	c := runWithHeader(t, mw, "")
	if c == nil || c.UserID != "dev-user" || c.Role != RoleAdmin {
		t.Errorf("expected dev admin caller, got %+v", c)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Dev-User", "nurse-1")
	req.Header.Set("X-Dev-Role", RoleNurse)
	ec := e.NewContext(req, httptest.NewRecorder())
	var seen *Caller
	_ = mw(func(c echo.Context) error {
		seen = CallerFromContext(c.Request().Context())
		return nil
	})(ec)
	if seen == nil || seen.UserID != "nurse-1" || seen.Role != RoleNurse {
		t.Errorf("expected overridden dev caller, got %+v", seen)
	}

	token := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "real"}, Role: "billing"}, testSigningKey)
	if c := runWithHeader(t, mw, "Bearer "+token); c == nil || c.UserID != "real" {
		t.Errorf("expected token caller to win in dev mode, got %+v", c)
	}
}

func TestClaims_PrimaryRole(t *testing.T) {
	if r := (&Claims{Role: "auditor", Roles: []string{"nurse"}}).PrimaryRole(); r != "auditor" {
		t.Errorf("expected explicit role, got %q", r)
	}
	if r := (&Claims{}).PrimaryRole(); r != "" {
		t.Errorf("expected empty role, got %q", r)
	}
}
