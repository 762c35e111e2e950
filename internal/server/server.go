// Package server provides the HTTP/WebSocket edge of the chat relay.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/workspace/chat-relay/internal/backoff"
	"github.com/workspace/chat-relay/internal/bus"
	"github.com/workspace/chat-relay/internal/config"
	"github.com/workspace/chat-relay/internal/gate"
	"github.com/workspace/chat-relay/internal/replay"
	"github.com/workspace/chat-relay/internal/session"
	"github.com/workspace/chat-relay/internal/store"
)

// Server wires the delivery core to HTTP and WebSocket endpoints.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	store      *store.Store
	gate       *gate.Gate
	hub        *bus.Hub
	mesh       *bus.Mesh
	bus        bus.Bus
	replayer   *replay.Replayer
	registry   *session.Registry
	clients    atomic.Int64
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	// Open the durable log. Ensure the parent directory exists.
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	hub := bus.NewHub(cfg.SubscriberBuffer)

	// The mesh wraps the local hub even when no peers are configured: a
	// single-process deployment still accepts inbound peer links, so
	// processes can be added without restarting the first one.
	mesh := bus.NewMesh(hub, bus.MeshConfig{
		NodeID:      cfg.NodeID,
		PeerURLs:    cfg.PeerURLs,
		DialTimeout: cfg.PeerDialTimeout,
		Retry: backoff.Config{
			InitialDelay: cfg.PeerRetryInitial,
			MaxDelay:     cfg.PeerRetryMax,
		},
	})
	var b bus.Bus = mesh

	s := &Server{
		config:   cfg,
		store:    st,
		gate:     gate.New(st),
		hub:      hub,
		mesh:     mesh,
		bus:      b,
		replayer: replay.New(st, cfg.ReplayBatchSize),
		registry: session.NewRegistry(b, cfg.RecoveryTTL, cfg.RecoveryMaxBuffer),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally unset: WebSocket connections are
	// long-lived and http.Server.WriteTimeout arms the deadline on the
	// underlying net.Conn before the handler runs, which would kill
	// hijacked connections.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Start begins serving. It blocks until the listener fails or the server
// is stopped.
func (s *Server) Start() error {
	s.registry.Start()
	s.mesh.Start()

	slog.Info("Starting chat relay", "addr", s.httpServer.Addr, "node", s.config.NodeID, "peers", len(s.config.PeerURLs))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mesh.Stop()
	s.registry.Stop()

	if err := s.store.Close(); err != nil {
		slog.Warn("Failed to close log store", "error", err)
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleClientWS)
	mux.HandleFunc("GET /internal/peer", s.handlePeerWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
