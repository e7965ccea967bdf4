package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const UserIDKey contextKey = "user_id"

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HMAC validation and takes precedence over JWKSURL.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// JWTMiddleware validates a bearer token when one is presented and puts its
// subject on the request context. Requests without an Authorization header
// pass through anonymously; a header that fails validation is rejected.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 && cfg.JWKSURL != "" {
		jwks = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return next(c)
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			var keyFunc jwt.Keyfunc
			switch {
			case len(cfg.SigningKey) > 0:
				keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			case jwks != nil:
				keyFunc = jwks.keyFunc(c.Request().Context())
			default:
				return echo.NewHTTPError(http.StatusUnauthorized, "token validation is not configured")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyFunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := WithUserID(c.Request().Context(), claims.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// UserIDFromContext returns "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}
