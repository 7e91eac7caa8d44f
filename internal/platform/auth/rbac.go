package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	RoleNurse           = "nurse"
	RolePhysician       = "physician"
	RoleSeniorPhysician = "senior_physician"
	RoleChargeNurse     = "charge_nurse"
	RoleAdmin           = "admin"
)

// ClinicalRoles is every role that may read case state.
var ClinicalRoles = []string{RoleNurse, RolePhysician, RoleSeniorPhysician, RoleChargeNurse}

// RequireRole allows the request when the user holds at least one of roles.
// admin satisfies every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if HasAnyRole(RolesFromContext(c.Request().Context()), roles...) {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

func HasAnyRole(have []string, want ...string) bool {
	for _, h := range have {
		if h == RoleAdmin {
			return true
		}
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
