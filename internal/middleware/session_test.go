package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/session"
)

type staticSession session.Session

func (s staticSession) Snapshot() session.Session { return session.Session(s) }

func TestRequireSession(t *testing.T) {
	ana := &model.Identity{UID: "uid-a", Email: "ana@example.com"}

	tests := []struct {
		name       string
		session    session.Session
		wantStatus int
		wantUID    string
	}{
		{"resolving", session.Session{State: session.Resolving, Identity: ana}, http.StatusServiceUnavailable, ""},
		{"not yet known", session.Session{State: session.Unauthenticated}, http.StatusServiceUnavailable, ""},
		{"signed out", session.Session{State: session.Unauthenticated, Ready: true}, http.StatusUnauthorized, ""},
		{"ready", session.Session{State: session.Authenticated, Identity: ana, Ready: true}, http.StatusOK, "uid-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				id, ok := IdentityFromContext(r.Context())
				assert.True(t, ok)
				gotUID = id.UID
			})

			rr := httptest.NewRecorder()
			RequireSession(staticSession(tt.session))(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/profile", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantUID, gotUID)
		})
	}
}

func TestIdentityFromContext_Missing(t *testing.T) {
	_, ok := IdentityFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	assert.False(t, ok)
}
