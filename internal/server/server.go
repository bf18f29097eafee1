// Package server exposes whisperstream over HTTP: the audio WebSocket, health
// probes, Prometheus metrics, the transcript archive API, and the bundled
// browser frontend.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/whisperstream/internal/config"
	"github.com/MrWong99/whisperstream/internal/health"
	"github.com/MrWong99/whisperstream/internal/observe"
	"github.com/MrWong99/whisperstream/internal/session"
	"github.com/MrWong99/whisperstream/pkg/archive"
)

//go:embed static
var embedded embed.FS

// AudioPath is the WebSocket endpoint clients stream PCM to.
const AudioPath = "/ws/audio"

// httpShutdownTimeout bounds how long Serve waits for plain HTTP requests
// once its context is cancelled. WebSocket sessions are not covered; they are
// drained separately with [Server.Drain].
const httpShutdownTimeout = 5 * time.Second

// SessionFactory builds the controller for one accepted connection. log
// already carries the remote address.
type SessionFactory func(id string, conn session.Conn, log *slog.Logger) (*session.Controller, error)

// Option configures a [Server].
type Option func(*Server)

// WithHealth serves /healthz and /readyz from h.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler serves h at path, typically the Prometheus exporter.
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = h
	}
}

// WithMetrics sets the instruments used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithArchive enables GET /api/sessions/{id}/transcript.
func WithArchive(store archive.Store) Option {
	return func(s *Server) { s.archive = store }
}

// Server owns the HTTP listener and the live WebSocket sessions.
type Server struct {
	cfg        config.ServerConfig
	newSession SessionFactory

	health         *health.Handler
	metricsPath    string
	metricsHandler http.Handler
	metrics        *observe.Metrics
	archive        archive.Store

	sessions *registry
	handler  http.Handler
	httpSrv  *http.Server

	// lifetime is the base context of every request. Cancelling it tears
	// down sessions that did not finish draining.
	lifetime context.Context
	teardown context.CancelFunc
}

// New builds a Server. It does not listen until [Server.Serve] or
// [Server.ListenAndServe] is called.
func New(cfg config.ServerConfig, factory SessionFactory, opts ...Option) (*Server, error) {
	if factory == nil {
		return nil, errors.New("server: session factory is required")
	}
	s := &Server{
		cfg:        cfg,
		newSession: factory,
		sessions:   newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	frontend, err := s.frontendFS()
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+AudioPath, s.handleAudio)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET "+s.metricsPath, s.metricsHandler)
	}
	if s.archive != nil {
		mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(frontend)))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, frontend, "index.html")
	})

	quiet := []string{"/healthz", "/readyz"}
	if s.metricsHandler != nil {
		quiet = append(quiet, s.metricsPath)
	}
	s.handler = observe.Middleware(s.metrics, observe.WithQuietPaths(quiet...))(mux)
	s.lifetime, s.teardown = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.lifetime },
	}
	return s, nil
}

// frontendFS returns the static directory from config or the embedded page.
func (s *Server) frontendFS() (fs.FS, error) {
	if s.cfg.StaticDir != "" {
		return os.DirFS(s.cfg.StaticDir), nil
	}
	sub, err := fs.Sub(embedded, "static")
	if err != nil {
		return nil, fmt.Errorf("server: embedded frontend: %w", err)
	}
	return sub, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ActiveSessions returns the number of live WebSocket sessions.
func (s *Server) ActiveSessions() int { return s.sessions.len() }

// ListenAndServe listens on the configured address and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It then stops
// accepting and waits briefly for plain HTTP requests. Live WebSocket
// sessions keep running until [Server.Drain] or [Server.Close].
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if tls := s.cfg.TLS; tls != nil {
			errCh <- s.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- s.httpSrv.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	<-errCh
	return nil
}

// Drain refuses new sessions and asks live ones to flush their last phrase
// and close. It returns when every session has finished or ctx expires.
func (s *Server) Drain(ctx context.Context) error {
	n := s.sessions.len()
	if n > 0 {
		slog.Info("draining sessions", "count", n)
	}
	if err := s.sessions.drain(ctx); err != nil {
		return fmt.Errorf("server: drain: %w", err)
	}
	return nil
}

// Close tears down every session still running, abandoning transcriptions
// in flight, and closes the listener.
func (s *Server) Close() error {
	s.teardown()
	return s.httpSrv.Close()
}

// ---- handlers ----

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := slog.Default().With("remote_addr", r.RemoteAddr)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		// Accept already wrote the error response.
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		c.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	ctrl, err := s.newSession(id, newWSConn(c), log)
	if err != nil {
		log.Error("session setup failed", "err", err)
		c.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	if !s.sessions.add(ctrl) {
		c.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer s.sessions.remove(id)

	if err := ctrl.Run(r.Context()); err != nil {
		log.Warn("session ended with error", "session_id", id, "err", err)
	}
}

// transcriptResponse is the body of GET /api/sessions/{id}/transcript.
type transcriptResponse struct {
	SessionID string          `json:"session_id"`
	Entries   []archive.Entry `json:"entries"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := s.archive.Session(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("archive read failed", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "archive unavailable"})
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Entries: entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
