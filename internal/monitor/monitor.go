// Package monitor serves the read-only HTTP surface of the engine:
// liveness, a JSON state snapshot, prometheus metrics and a WebSocket
// feed of opportunity and execution events. It never mutates engine
// state.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/metrics"
)

// StateProvider is the engine surface the monitor reads.
type StateProvider interface {
	Snapshot() engine.Snapshot
	Events() <-chan engine.Event
	Metrics() *metrics.Metrics
}

// Server runs the monitor HTTP endpoint.
type Server struct {
	cfg      config.MonitorConfig
	provider StateProvider
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewServer wires the routes. Nothing listens until Start.
func NewServer(cfg config.MonitorConfig, provider StateProvider, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      newHub(logger),
		logger:   logger.With("component", "monitor"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Metrics().Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub, the event pump and the HTTP listener. Blocks until
// Stop or a listener error.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.run(ctx)
	go s.pumpEvents(ctx)

	s.logger.Info("monitor listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully and tears down the hub.
func (s *Server) Stop() error {
	s.logger.Info("monitor stopping")
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// pumpEvents forwards the engine feed into the hub.
func (s *Server) pumpEvents(ctx context.Context) {
	events := s.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.hub.Broadcast(evt)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Snapshot()); err != nil {
		s.logger.Error("snapshot encode failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s.hub, conn)

	// Prime the new client with the current state.
	initial := engine.Event{Type: "snapshot", Timestamp: time.Now(), Data: s.provider.Snapshot()}
	data, err := json.Marshal(initial)
	if err != nil {
		s.logger.Error("initial snapshot marshal failed", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		s.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

// originAllowed enforces monitor.allowed_origins. An empty list admits
// every origin, which suits local operation.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
