package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	UserZoneKey  contextKey = "user_zone"
)

// Dev headers let a developer act as a specific clinician when DevAuthMiddleware
// is installed.
const (
	DevUserHeader  = "X-Dev-User"
	DevRolesHeader = "X-Dev-Roles"
	DevZoneHeader  = "X-Dev-Zone"
)

// Claims are the bearer token claims issued by the hospital identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	Zone  string   `json:"zone,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	Skipper    middleware.Skipper
}

// JWTMiddleware validates HS256 bearer tokens and stores the subject, roles and
// zone on the request context. Websocket clients that cannot set headers may
// pass the token as the access_token query parameter.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			ctx := WithUser(c.Request().Context(), claims.Subject, claims.Roles, claims.Zone)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if header == "" {
		if tok := c.QueryParam("access_token"); tok != "" {
			return tok, nil
		}
		return "", fmt.Errorf("missing authorization header")
	}
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("invalid authorization format")
	}
	return strings.TrimSpace(tok), nil
}

// DevAuthMiddleware authenticates every request as dev-user with the admin
// role, unless the X-Dev-* headers name a different identity.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			user := h.Get(DevUserHeader)
			if user == "" {
				user = "dev-user"
			}
			roles := []string{RoleAdmin}
			if raw := h.Get(DevRolesHeader); raw != "" {
				roles = nil
				for _, r := range strings.Split(raw, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			ctx := WithUser(c.Request().Context(), user, roles, h.Get(DevZoneHeader))
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// IssueToken signs an HS256 token. Used by `careflow token` and tests.
func IssueToken(key []byte, issuer, audience, subject string, roles []string, zone string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
		Zone:  zone,
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// WithUser returns a context carrying an authenticated identity.
func WithUser(ctx context.Context, userID string, roles []string, zone string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, UserZoneKey, zone)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ZoneFromContext(ctx context.Context) string {
	zone, _ := ctx.Value(UserZoneKey).(string)
	return zone
}
