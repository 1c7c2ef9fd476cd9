package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole returns middleware that checks if the user has at least one of
// the specified roles. Admin always passes.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// CanActFor reports whether the caller may act on a row owned by ownerID.
// Admins act on anything; everyone else only on rows they created.
func CanActFor(ctx context.Context, ownerID string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == "admin" {
			return true
		}
	}
	return ownerID != "" && UserIDFromContext(ctx) == ownerID
}
