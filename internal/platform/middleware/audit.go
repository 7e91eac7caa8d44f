package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/amirtishiva/care-flow-navigator-sub000/internal/platform/auth"
)

// AccessEntry records one authenticated request that touched a triage case.
type AccessEntry struct {
	RequestID  string
	UserID     string
	UserRoles  []string
	CaseID     string
	Route      string
	Method     string
	Action     string
	StatusCode int
	RemoteIP   string
	At         time.Time
}

// AccessRecorder persists access entries somewhere other than the log.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error { return f(entry) }

// CaseAccess logs every request under a route with an :id parameter beneath
// /api/v1/triage-cases. The case audit trail records state changes; this
// records reads as well, which the case trail does not.
func CaseAccess(logger zerolog.Logger, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			caseID := c.Param("id")
			if caseID == "" || !isCaseRoute(c.Path()) {
				return err
			}

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := c.Request().Context()
			rid, _ := c.Get("request_id").(string)
			entry := AccessEntry{
				RequestID:  rid,
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				CaseID:     caseID,
				Route:      c.Path(),
				Method:     c.Request().Method,
				Action:     methodAction(c.Request().Method),
				StatusCode: status,
				RemoteIP:   c.RealIP(),
				At:         time.Now().UTC(),
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", rid).Msg("failed to record case access")
				}
			}

			logger.Info().
				Str("type", "case_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("case_id", entry.CaseID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Str("remote_ip", entry.RemoteIP).
				Msg("case_access")

			return err
		}
	}
}

func isCaseRoute(route string) bool {
	const prefix = "/api/v1/triage-cases/:id"
	return len(route) >= len(prefix) && route[:len(prefix)] == prefix
}

func methodAction(method string) string {
	switch method {
	case "GET", "HEAD":
		return "read"
	case "POST":
		return "act"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	}
	return "other"
}
