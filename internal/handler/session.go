package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/farmsync/internal/session"
)

// SessionSource is the read side of *session.Machine.
type SessionSource interface {
	Snapshot() session.Session
	Watch(ctx context.Context) <-chan session.Session
}

const wsWriteTimeout = 5 * time.Second

// SessionHandler exposes the device session.
type SessionHandler struct {
	sessions       SessionSource
	originPatterns []string
	logger         *slog.Logger
}

// NewSessionHandler creates a SessionHandler. originPatterns lists the
// extra hosts allowed to open the WebSocket stream; same-origin is always
// allowed.
func NewSessionHandler(sessions SessionSource, originPatterns []string, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, originPatterns: originPatterns, logger: logger}
}

// HandleGet returns the current session snapshot.
//
// HTTP: GET /api/session
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

// HandleWatch streams session snapshots over a WebSocket: the current one
// first, then each change. A slow client skips intermediate snapshots.
//
// HTTP: GET /api/session/watch
func (h *SessionHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("session watch: upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// The client never sends anything; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())

	for s := range h.sessions.Watch(ctx) {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		err := wsjson.Write(writeCtx, conn, s)
		cancel()
		if err != nil {
			h.logger.Debug("session watch: client gone", slog.String("error", err.Error()))
			return
		}
	}
	conn.Close(websocket.StatusNormalClosure, "session stream closed")
}
