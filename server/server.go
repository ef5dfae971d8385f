// Package server exposes the coherence core over HTTP and WebSocket: JSON
// diagnostic snapshots, a health probe, and a live event feed.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/entanglab/qcore/config"
	"github.com/entanglab/qcore/core"
	"github.com/entanglab/qcore/internal/version"
)

const (
	// MaxClients bounds concurrent event-feed subscribers.
	MaxClients = 64

	// ShutdownTimeout is how long Shutdown waits for in-flight requests.
	ShutdownTimeout = 5 * time.Second
)

// Server serves the diagnostic API and the event-feed WebSocket.
type Server struct {
	core *core.Core
	cfg  config.ServerConfig

	clients map[*Client]bool
	mu      sync.RWMutex

	upgrader websocket.Upgrader

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// New creates a server around an already wired core.
func New(c *core.Core, cfg config.ServerConfig, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		core:    c,
		cfg:     cfg,
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback tooling only; origin enforcement is the bind address.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		logger: log.Named("server"),
	}
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Serving coherence API",
		"addr", s.cfg.Addr,
		"version", version.Get().Version,
	)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/snapshot", s.HandleSnapshot)
	mux.HandleFunc("/ws/events", s.HandleEventsWebSocket)
}

// Shutdown stops the listener, disconnects all clients, and waits for their
// pumps to drain.
func (s *Server) Shutdown() {
	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown did not complete cleanly", "error", err)
		}
	}

	s.mu.Lock()
	for client := range s.clients {
		client.close()
	}
	s.clients = make(map[*Client]bool)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Timed out waiting for client pumps", "timeout", ShutdownTimeout)
	}
}

func (s *Server) registerClient(client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) >= MaxClients {
		return false
	}
	s.clients[client] = true
	return true
}

func (s *Server) unregisterClient(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
}

// ClientCount reports current event-feed subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
