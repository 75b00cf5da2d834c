package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/session"
)

// SessionSource reports the current session snapshot.
type SessionSource interface {
	Snapshot() session.Session
}

type contextKey string

const identityKey contextKey = "identity"

// RequireSession gates a route on the device session.
//
//	Ready == false       -> 503, the session is still resolving
//	no identity          -> 401, nobody is signed in
//	otherwise            -> the identity is put in the request context
//
// Routes behind it never render data for a half-migrated identity.
func RequireSession(sessions SessionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := sessions.Snapshot()
			if !s.Ready {
				w.Header().Set("Retry-After", "1")
				writeStatus(w, http.StatusServiceUnavailable, "not_ready", "session is still loading")
				return
			}
			if s.Identity == nil {
				writeStatus(w, http.StatusUnauthorized, "unauthorized", "sign in required")
				return
			}
			ctx := WithIdentity(r.Context(), *s.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the identity RequireSession stored.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

func writeStatus(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": errorType, "message": message})
}
