package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func callWithRoles(roles []string, required ...string) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithUser(req.Context(), "u-1", roles, ""))
	c := e.NewContext(req, httptest.NewRecorder())

	return RequireRole(required...)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name     string
		roles    []string
		required []string
		allowed  bool
	}{
		{"exact match", []string{RoleNurse}, []string{RoleNurse}, true},
		{"one of many", []string{RoleChargeNurse}, []string{RolePhysician, RoleSeniorPhysician, RoleChargeNurse}, true},
		{"admin wildcard", []string{RoleAdmin}, []string{RolePhysician}, true},
		{"wrong role", []string{RoleNurse}, []string{RolePhysician}, false},
		{"no roles", nil, []string{RoleNurse}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := callWithRoles(tt.roles, tt.required...)
			if tt.allowed && err != nil {
				t.Fatalf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Fatalf("expected 403, got %v", err)
				}
			}
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	if !HasAnyRole([]string{"nurse", "physician"}, "physician") {
		t.Error("expected physician to match")
	}
	if HasAnyRole([]string{"nurse"}) {
		t.Error("expected no match with empty requirement")
	}
	if !HasAnyRole([]string{"admin"}) {
		t.Error("expected admin to satisfy any requirement")
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/health/db") {
		t.Error("expected health endpoints to be public")
	}
	if IsPublicPath("/api/v1/triage-cases") {
		t.Error("expected API paths to require auth")
	}
}
