// ABOUTME: HTTP middleware guarding agent-only endpoints with identity tokens
// ABOUTME: Extracts the bearer token from Authorization and adds the agent to context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireAgent creates an HTTP middleware that only lets verified agents through.
// An unreachable identity provider yields 503 so clients can retry; every other
// failure is 401.
func RequireAgent(verifier IdentityVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth-http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logger.Debug("agent auth rejected", "path", r.URL.Path, "reason", errMsg)
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			identity, err := verifier.VerifyIdentity(r.Context(), token)
			switch {
			case errors.Is(err, ErrIdentityUnavailable):
				logger.Warn("identity provider unavailable", "path", r.URL.Path, "error", err)
				writeAuthError(w, http.StatusServiceUnavailable, "identity provider unavailable")
				return
			case errors.Is(err, ErrExpiredToken):
				logger.Debug("agent auth rejected", "path", r.URL.Path, "reason", "expired")
				writeAuthError(w, http.StatusUnauthorized, "token expired")
				return
			case err != nil:
				logger.Debug("agent auth rejected", "path", r.URL.Path, "reason", "invalid")
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			authCtx := &AuthContext{AgentID: identity.AgentID, Name: identity.Name}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
