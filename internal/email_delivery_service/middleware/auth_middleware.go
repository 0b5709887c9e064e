package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedPrincipalContextKey = ContextKey("authenticatedPrincipal")
)

// Access token claims read by the middleware.
const (
	ClaimSubject       = "sub"
	ClaimTenantID      = "tid"
	ClaimPlatformAdmin = "adm"
)

var ErrTokenInvalid = errors.New("invalid or expired token")

// AuthenticatedPrincipal is the caller resolved from an access token. TenantID is nil for
// platform operators that are not bound to a tenant.
type AuthenticatedPrincipal struct {
	Subject         string
	TenantID        *uuid.UUID
	IsPlatformAdmin bool
}

// PrincipalFromContext returns the principal stored by JWTAuthMiddleware.
func PrincipalFromContext(ctx context.Context) (AuthenticatedPrincipal, bool) {
	p, ok := ctx.Value(AuthenticatedPrincipalContextKey).(AuthenticatedPrincipal)
	return p, ok
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p AuthenticatedPrincipal) context.Context {
	return context.WithValue(ctx, AuthenticatedPrincipalContextKey, p)
}

// ParseAccessToken validates an HS256 access token and extracts the principal.
func ParseAccessToken(tokenString, secret string) (AuthenticatedPrincipal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return AuthenticatedPrincipal{}, ErrTokenInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthenticatedPrincipal{}, ErrTokenInvalid
	}

	p := AuthenticatedPrincipal{}
	p.Subject, _ = claims[ClaimSubject].(string)
	p.IsPlatformAdmin, _ = claims[ClaimPlatformAdmin].(bool)
	if raw, _ := claims[ClaimTenantID].(string); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return AuthenticatedPrincipal{}, ErrTokenInvalid
		}
		p.TenantID = &id
	}
	if p.Subject == "" || (p.TenantID == nil && !p.IsPlatformAdmin) {
		return AuthenticatedPrincipal{}, ErrTokenInvalid
	}
	return p, nil
}

// JWTAuthMiddleware authenticates Bearer access tokens signed with secret.
func JWTAuthMiddleware(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			principal, err := ParseAccessToken(strings.TrimSpace(parts[1]), secret)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequirePlatformAdmin rejects callers without the platform admin claim.
func RequirePlatformAdmin(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				logger.ErrorContext(r.Context(), "AuthenticatedPrincipal not found in context. JWTAuthMiddleware must run first.")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			if !p.IsPlatformAdmin {
				logger.WarnContext(r.Context(), "Platform admin required", "subject", p.Subject)
				http.Error(w, "Forbidden: platform administrator access required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
