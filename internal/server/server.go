// Package server exposes the latest telemetry snapshot over HTTP and
// WebSocket, and holds the service configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/elm327-dash/internal/snapshot"
)

const (
	shutdownTimeout = 5 * time.Second
	wsWriteWait     = 10 * time.Second
)

// Server serves snapshots from the store. Handlers only read the store and
// never touch the adapter.
type Server struct {
	cfg   *Config
	store *snapshot.Store
	log   *zap.SugaredLogger

	upgrader websocket.Upgrader
	clients  atomic.Int64

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a Server.
func New(cfg *Config, store *snapshot.Store, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LogMiddleware(s.log))

	r.Get("/api/state", s.handleState)
	r.Get("/api/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	if dir := s.cfg.HTTP.StaticDir; dir != "" {
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	}
	return r
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Infof("listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.quitOnce.Do(func() { close(s.quit) })
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Infof("stopped")
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.store.Current())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(healthResponse{Status: "ok", Connected: s.store.Current().Connected})
	writeJSON(w, data)
}

func writeJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// handleWS pushes the current snapshot on connect and every newer one after
// that. A slow client skips intermediate snapshots.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	s.log.Infof("ws client %s connected (%d total)", r.RemoteAddr, s.clients.Add(1))
	defer func() {
		s.log.Infof("ws client %s disconnected (%d total)", r.RemoteAddr, s.clients.Add(-1))
	}()

	// Reader drains control frames and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		snap, changed := s.store.Watch()
		data, err := json.Marshal(snap)
		if err != nil {
			s.log.Errorf("ws encode: %v", err)
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		select {
		case <-changed:
		case <-gone:
			return
		case <-s.quit:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}
