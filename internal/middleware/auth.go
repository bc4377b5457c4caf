// internal/middleware/auth.go

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jason-s-yu/lobbyd/internal/auth"
	"github.com/sirupsen/logrus"
)

type ctxKey int

const (
	playerIDKey ctxKey = iota
	playerSlotKey
)

// CookieName is the cookie a browser client may carry its token in.
const CookieName = "auth_token"

// WithPlayerID returns a context carrying the authenticated player id. An
// enclosing LogMiddleware is told about the id as well.
func WithPlayerID(ctx context.Context, id string) context.Context {
	if slot, ok := ctx.Value(playerSlotKey).(*string); ok {
		*slot = id
	}
	return context.WithValue(ctx, playerIDKey, id)
}

// PlayerIDFromContext returns the authenticated player id, if any.
func PlayerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(playerIDKey).(string)
	return id, ok && id != ""
}

// TokenFromRequest returns the bearer token, falling back to the auth_token
// cookie and finally the "token" query parameter (browsers cannot set headers
// on a websocket handshake).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects requests without a valid player token with 401 and
// stores the token subject in the request context.
func RequireAuth(logger logrus.FieldLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing auth token")
				return
			}
			playerID, err := auth.AuthenticateJWT(token)
			if err != nil {
				logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("rejected token")
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid auth token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPlayerID(r.Context(), playerID)))
		})
	}
}

// writeError writes the same error envelope the handlers use.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
