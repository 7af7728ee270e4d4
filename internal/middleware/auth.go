package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sqlscope/gateway-go/internal/audit"
	"github.com/sqlscope/gateway-go/internal/util"
)

// AuthMiddleware guards the service API surface. Callers are other
// control-plane services presenting the shared service token; tenant-facing
// auth lives outside this subsystem.
type AuthMiddleware struct {
	serviceToken string
}

func NewAuthMiddleware(serviceToken string) *AuthMiddleware {
	return &AuthMiddleware{serviceToken: serviceToken}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		if !util.ConstantTimeEqual(token, m.serviceToken) {
			log.Warn().Str("remote", r.RemoteAddr).Msg("auth middleware: invalid service token")
			audit.Log(r.Context(), audit.Event{
				Type: audit.EventAPIAuthFailure,
				IP:   r.RemoteAddr,
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
