package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

// WebSocketHandler upgrades GET /streaming?i={token} connections and runs the
// control protocol over JSON text frames. Protocol-level pings are answered
// by the websocket library, preserving liveness.
type WebSocketHandler struct {
	hub    *Hub
	users  repo.UserRepo
	logger *slog.Logger
}

// NewWebSocketHandler creates the WebSocket streaming endpoint.
func NewWebSocketHandler(hub *Hub, users repo.UserRepo, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, users: users, logger: logger}
}

// ServeHTTP upgrades the connection and runs the read/write loops until the
// socket closes. On close, every subscription of the connection is dropped.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := h.authenticate(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The streaming protocol authenticates by token, not by origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	conn := h.hub.NewConn(user)
	defer h.hub.Remove(conn)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, ws, conn)
	h.readLoop(ctx, ws, conn)

	ws.Close(websocket.StatusNormalClosure, "")
}

// authenticate resolves the i= query token to a user. An absent or unknown
// token yields an anonymous connection restricted to public channels.
func (h *WebSocketHandler) authenticate(r *http.Request) *models.User {
	token := r.URL.Query().Get("i")
	if token == "" {
		return nil
	}
	user, err := h.users.FindByToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			h.logger.Warn("streaming token lookup failed", slog.String("error", err.Error()))
		}
		return nil
	}
	if user.Suspended {
		return nil
	}
	return user
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		conn.HandleMessage(ctx, msg)
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-conn.Send():
			if !ok {
				return
			}
			if err := h.write(ctx, ws, data); err != nil {
				return
			}
			// A consumer that lagged learns it as soon as it drains.
			if notice, lagged := conn.TakeLagNotice(); lagged {
				if err := h.write(ctx, ws, notice); err != nil {
					return
				}
			}
		}
	}
}

func (h *WebSocketHandler) write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
