// Package api assembles the HTTP surface of a Driftwood node: the federation
// endpoints (inbox, actor and note documents, WebFinger, nodeinfo) and the
// realtime streaming endpoints (WebSocket and SSE), behind the shared chi
// middleware stack.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftwood-social/driftwood/internal/config"
	"github.com/driftwood-social/driftwood/internal/database"
	"github.com/driftwood-social/driftwood/internal/events"
	"github.com/driftwood-social/driftwood/internal/federation"
	"github.com/driftwood-social/driftwood/internal/keyedstore"
	"github.com/driftwood-social/driftwood/internal/streaming"
)

// Server is the HTTP server for a Driftwood node.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger

	cfg    *config.Config
	db     *database.DB
	bus    *events.Bus
	store  *keyedstore.Store
	server *http.Server
}

// Deps carries the handlers the server mounts.
type Deps struct {
	Config    *config.Config
	DB        *database.DB
	Bus       *events.Bus
	Store     *keyedstore.Store
	Inbox     *federation.InboxHandler
	Documents *federation.Documents
	WebSocket *streaming.WebSocketHandler
	SSE       *streaming.SSEHandler
	Logger    *slog.Logger
}

// NewServer creates the server with all routes and middleware registered.
// The inbox routes are mounted only when federation is enabled; the document
// routes stay up regardless so remote references keep resolving.
func NewServer(deps Deps) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		Logger: deps.Logger,
		cfg:    deps.Config,
		db:     deps.DB,
		bus:    deps.Bus,
		store:  deps.Store,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(slogMiddleware(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Federation documents.
	r.Get("/.well-known/webfinger", deps.Documents.HandleWebFinger)
	r.Get("/.well-known/nodeinfo", deps.Documents.HandleNodeinfoDiscovery)
	r.Get("/nodeinfo/2.1", deps.Documents.HandleNodeinfo)
	r.Get("/users/{id}", deps.Documents.HandleActor)
	r.Get("/notes/{id}", deps.Documents.HandleNote)

	// Inbox: shared and per-actor, semantically identical.
	if deps.Config.Federation.Enabled {
		inbox := http.HandlerFunc(deps.Inbox.ServeHTTP)
		r.With(middleware.Timeout(30*time.Second)).Post("/inbox", inbox)
		r.With(middleware.Timeout(30*time.Second)).Post("/users/{id}/inbox", inbox)
	}

	// Streaming: no server-side timeout, connections are long-lived.
	r.Get("/streaming", deps.WebSocket.ServeHTTP)
	r.Get("/streaming/sse/{channel}", deps.SSE.ServeHTTP)

	r.Get("/health", s.handleHealthCheck)

	return s
}

// Start begins serving on the configured listen address. Blocks until the
// server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Server.Listen(),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("HTTP server listening", slog.String("addr", s.cfg.Server.Listen()))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHealthCheck reports the health of the node's backing services.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.db.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}
	if err := s.store.HealthCheck(ctx); err != nil {
		checks["keyed_store"] = err.Error()
		healthy = false
	} else {
		checks["keyed_store"] = "ok"
	}
	if err := s.bus.HealthCheck(); err != nil {
		checks["nats"] = err.Error()
		healthy = false
	} else {
		checks["nats"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": healthy,
		"checks":  checks,
	})
}

// WriteError renders the structured error envelope clients consume.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// slogMiddleware logs one line per request with method, path, status, and
// duration.
func slogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
