package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/assettrack/scan-relay-go/internal/audit"
	"github.com/assettrack/scan-relay-go/internal/auth"
	apperrors "github.com/assettrack/scan-relay-go/internal/errors"
	"github.com/assettrack/scan-relay-go/internal/httputil"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// TokenVerifier validates desktop bearer tokens.
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// GetPrincipal returns the authenticated desktop principal, or "" when the
// request is anonymous.
func GetPrincipal(ctx context.Context) string {
	if principal, ok := ctx.Value(PrincipalContextKey).(string); ok {
		return principal
	}
	return ""
}

// WithPrincipal attaches principal to ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, principal)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Handler rejects requests without a valid desktop bearer token.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			httputil.WriteError(w, apperrors.Unauthorized("Missing authentication token"))
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			log.Warn().Err(err).Msg("auth middleware: invalid token attempt")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventAuthFailure,
				Details: map[string]interface{}{"reason": string(apperrors.GetCode(err))},
			})
			httputil.WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.Subject)))
	})
}

// Optional attaches the principal when a valid token is present and
// otherwise lets the request through anonymously. Endpoints that also
// accept a pairing proof use it.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.verifier.VerifyToken(token)
		if err != nil {
			log.Debug().Err(err).Msg("auth middleware: ignoring invalid optional token")
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.Subject)))
	})
}

// extractToken reads the bearer header, falling back to ?token= for
// EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	if r.Method == http.MethodGet {
		return r.URL.Query().Get("token")
	}

	return ""
}
