package streaming

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftwood-social/driftwood/internal/models"
	"github.com/driftwood-social/driftwood/internal/repo"
)

// sseHeartbeat is the interval between keep-alive comments.
const sseHeartbeat = 30 * time.Second

// sseChannels maps the URL channel segment to a subscription kind.
var sseChannels = map[string]string{
	"global": KindGlobalTimeline,
	"local":  KindLocalTimeline,
	"home":   KindHomeTimeline,
	"main":   KindMain,
}

// SSEHandler serves GET /streaming/sse/{channel}: events as `data: <json>`
// frames with a `: ping` heartbeat comment every 30 seconds. User channels
// authenticate with a bearer token.
type SSEHandler struct {
	hub    *Hub
	users  repo.UserRepo
	logger *slog.Logger
}

// NewSSEHandler creates the SSE streaming endpoint.
func NewSSEHandler(hub *Hub, users repo.UserRepo, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{hub: hub, users: users, logger: logger}
}

// ServeHTTP subscribes the client to one channel for the lifetime of the
// request.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind, ok := sseChannels[chi.URLParam(r, "channel")]
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	user := h.authenticate(r)
	if user == nil && (kind == KindHomeTimeline || kind == KindMain) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn := h.hub.NewConn(user)
	defer h.hub.Remove(conn)

	conn.Connect(r.Context(), ConnectBody{Channel: kind, ID: "sse"})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case data, ok := <-conn.Send():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if notice, lagged := conn.TakeLagNotice(); lagged {
				fmt.Fprintf(w, "data: %s\n\n", notice)
			}
			flusher.Flush()
		}
	}
}

// authenticate resolves the bearer token, falling back to the i= query param
// used by the WebSocket surface.
func (h *SSEHandler) authenticate(r *http.Request) *models.User {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == r.Header.Get("Authorization") {
		token = ""
	}
	if token == "" {
		token = r.URL.Query().Get("i")
	}
	if token == "" {
		return nil
	}

	user, err := h.users.FindByToken(r.Context(), token)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			h.logger.Warn("sse token lookup failed", slog.String("error", err.Error()))
		}
		return nil
	}
	if user.Suspended {
		return nil
	}
	return user
}
