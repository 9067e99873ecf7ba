package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/screening/screening/internal/domain/permission"
)

// RequireCapability returns middleware that lets the request through only when
// the caller's role grants every listed capability.
func RequireCapability(engine *permission.Engine, caps ...permission.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := RoleFromContext(c.Request().Context())
			if engine.HasAll(role, caps...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required capability: %s", joinCaps(caps, " and ")))
		}
	}
}

// RequireAnyCapability passes when the caller holds at least one of caps.
func RequireAnyCapability(engine *permission.Engine, caps ...permission.Capability) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := RoleFromContext(c.Request().Context())
			if engine.HasAny(role, caps...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required capability: %s", joinCaps(caps, " or ")))
		}
	}
}

func joinCaps(caps []permission.Capability, sep string) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return strings.Join(names, sep)
}
