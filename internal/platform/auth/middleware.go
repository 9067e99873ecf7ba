package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/permission"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// DevRoleHeader selects the caller's role when running with dev auth.
const DevRoleHeader = "X-Dev-Role"

// Claims carries the caller's single staff role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey is used for development/testing only
	SigningKey []byte
	// Skipper lets requests through without a token when it returns true.
	Skipper func(c echo.Context) bool
}

// keyFunc resolves the verification key once per middleware. Without an
// explicit JWKS URL the issuer's discovery document is consulted.
func (cfg JWTConfig) keyFunc() jwt.Keyfunc {
	if len(cfg.SigningKey) > 0 {
		return func(t *jwt.Token) (interface{}, error) {
			return cfg.SigningKey, nil
		}
	}
	jwksURL := cfg.JWKSURL
	if jwksURL == "" && cfg.Issuer != "" {
		if provider, err := NewOIDCProvider(cfg.Issuer); err == nil {
			jwksURL = provider.JWKSURI
		}
	}
	return NewJWKSCache(jwksURL, defaultJWKSCacheTTL).Keyfunc()
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

// JWTMiddleware validates the bearer token and puts the subject and role on
// the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()
	opts := cfg.parserOptions()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			return authenticate(c, next, keyFunc, opts)
		}
	}
}

func authenticate(c echo.Context, next echo.HandlerFunc, keyFunc jwt.Keyfunc, opts []jwt.ParserOption) error {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
	if err != nil || !token.Valid {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
	}

	// Unknown roles are kept as-is; they resolve to no capabilities.
	setUser(c, claims.Subject, permission.Role(claims.Role))
	return next(c)
}

// DevAuthMiddleware lets unauthenticated requests through as "dev-user".
// The role defaults to admin and can be switched with the X-Dev-Role header.
// Requests that do carry a bearer token are validated as in JWTMiddleware.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keyFunc := cfg.keyFunc()
	opts := cfg.parserOptions()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			if c.Request().Header.Get("Authorization") != "" {
				return authenticate(c, next, keyFunc, opts)
			}

			role := permission.RoleAdmin
			if r, ok := permission.ParseRole(c.Request().Header.Get(DevRoleHeader)); ok {
				role = r
			}
			setUser(c, "dev-user", role)
			return next(c)
		}
	}
}

func setUser(c echo.Context, userID string, role permission.Role) {
	c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), userID, role)))
	c.Set(string(UserIDKey), userID)
	c.Set(string(UserRoleKey), string(role))
}

// WithUser returns ctx carrying the given identity.
func WithUser(ctx context.Context, userID string, role permission.Role) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRoleKey, role)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) permission.Role {
	role, _ := ctx.Value(UserRoleKey).(permission.Role)
	return role
}
