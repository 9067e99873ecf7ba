package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/permission"
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

func validClaims(role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "nurse-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
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
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("nurse"), testSigningKey))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "nurse-42" {
			t.Errorf("expected user_id=nurse-42, got %s", uid)
		}
		if role := RoleFromContext(ctx); role != permission.RoleNurse {
			t.Errorf("expected role=nurse, got %s", role)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("doctor")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, claims, testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("doctor"), []byte("another-key")))
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := validClaims("mls")
	claims.Issuer = "https://idp.example.com"
	claims.Audience = jwt.ClaimStrings{"screening"}
	token := createTestToken(t, claims, testSigningKey)

	tests := []struct {
		name     string
		audience string
		wantErr  bool
	}{
		{"matching audience", "screening", false},
		{"other audience", "billing", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			c := e.NewContext(req, httptest.NewRecorder())

			cfg := JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example.com", Audience: tt.audience}
			err := JWTMiddleware(cfg)(okHandler)(c)
			if tt.wantErr {
				expectStatus(t, err, http.StatusUnauthorized)
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	claims := validClaims("nurse")
	claims.Subject = ""

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, claims, testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(okHandler)(c)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_UnknownRoleKept(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("janitor"), testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		role := RoleFromContext(c.Request().Context())
		if role != permission.Role("janitor") {
			t.Errorf("expected role janitor, got %s", role)
		}
		if caps := permission.NewDefaultEngine().CapabilitiesFor(role); len(caps) != 0 {
			t.Errorf("unknown role should have no capabilities, got %v", caps.Sorted())
		}
		return nil
	}
	if err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJWTMiddleware_Skipper(t *testing.T) {
	tests := []struct {
		path     string
		skipper  func(echo.Context) bool
		wantPass bool
	}{
		{"/health", AuthSkipper, true},
		{"/metrics", AuthSkipper, true},
		{"/api/v1/screenings", AuthSkipper, false},
		{"/health", nil, false},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.SetPath(tt.path)

		called := false
		handler := func(c echo.Context) error {
			called = true
			return nil
		}
		err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: tt.skipper})(handler)(c)
		if tt.wantPass && (err != nil || !called) {
			t.Errorf("%s: expected pass-through, got err=%v called=%v", tt.path, err, called)
		}
		if !tt.wantPass {
			expectStatus(t, err, http.StatusUnauthorized)
		}
	}
}

func TestDevAuthMiddleware_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		if role := RoleFromContext(ctx); role != permission.RoleAdmin {
			t.Errorf("expected role=admin, got %s", role)
		}
		return nil
	}
	if err := DevAuthMiddleware(JWTConfig{})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_RoleHeader(t *testing.T) {
	tests := []struct {
		header string
		want   permission.Role
	}{
		{"cho", permission.RoleCHO},
		{"him_officer", permission.RoleHIMOfficer},
		{"superuser", permission.RoleAdmin},
	}
	for _, tt := range tests {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(DevRoleHeader, tt.header)
		c := e.NewContext(req, httptest.NewRecorder())

		var got permission.Role
		handler := func(c echo.Context) error {
			got = RoleFromContext(c.Request().Context())
			return nil
		}
		if err := DevAuthMiddleware(JWTConfig{})(handler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("%s header: expected role %s, got %s", tt.header, tt.want, got)
		}
	}
}

func TestDevAuthMiddleware_ValidatesPresentToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, validClaims("doctor"), testSigningKey))
	c := e.NewContext(req, httptest.NewRecorder())

	var got permission.Role
	handler := func(c echo.Context) error {
		got = RoleFromContext(c.Request().Context())
		return nil
	}
	if err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != permission.RoleDoctor {
		t.Errorf("expected role from token, got %s", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	c = e.NewContext(req, httptest.NewRecorder())
	expectStatus(t, DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/health")

	handler := func(c echo.Context) error {
		if uid := UserIDFromContext(c.Request().Context()); uid != "" {
			t.Errorf("expected empty user_id on skipped path, got %s", uid)
		}
		return nil
	}
	if err := DevAuthMiddleware(JWTConfig{Skipper: AuthSkipper})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if uid := UserIDFromContext(req.Context()); uid != "" {
		t.Errorf("expected empty user id, got %q", uid)
	}
	if role := RoleFromContext(req.Context()); role != "" {
		t.Errorf("expected empty role, got %q", role)
	}
}
