// Package httpapi is the HTTP Surface: a plain net/http.ServeMux exposing
// /search, /search_keyword, /hydrate, and /status, always served over
// HTTP/2 as h2c cleartext (there is no TLS configuration), with the same
// backwards-compatible HTTP/1.1 fallback the Bolt server in this corpus
// uses. Lifecycle (Start/Stop, hard-bound shutdown, an atomic
// closed flag) follows the same shape as that server's own Start/Stop.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/hermesindex/hermesindex/pkg/config"
	"github.com/hermesindex/hermesindex/pkg/orchestrator"
	"github.com/hermesindex/hermesindex/pkg/statestore"
	hsync "github.com/hermesindex/hermesindex/pkg/sync"
	"github.com/hermesindex/hermesindex/pkg/vectorstore"
)

// StateStats is the subset of statestore.Store's API GET /status needs,
// satisfied by both *statestore.Store and *statestore.CachedStore.
type StateStats interface {
	Stats(ctx context.Context, source string) (statestore.SourceStats, error)
}

// Server owns the listener and http.Server for the search surface.
type Server struct {
	cfg      config.HTTPConfig
	auth     Authenticator
	orch     *orchestrator.Orchestrator
	state    StateStats
	store    vectorstore.Store
	registry *config.Registry
	pipeline *hsync.Pipeline

	listener   net.Listener
	httpServer *http.Server
	started    time.Time
	closed     atomic.Bool
}

// New wires a Server. pipeline may be nil when the process runs
// query-only (no sync workers), in which case /status reports zero
// pipeline counters per source.
func New(cfg config.HTTPConfig, auth Authenticator, orch *orchestrator.Orchestrator, state StateStats, store vectorstore.Store, registry *config.Registry, pipeline *hsync.Pipeline) *Server {
	if auth == nil {
		auth = NoAuth{}
	}
	return &Server{cfg: cfg, auth: auth, orch: orch, state: state, store: store, registry: registry, pipeline: pipeline}
}

func (s *Server) buildRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search_keyword", s.handleSearchKeyword)
	mux.HandleFunc("/hydrate", s.handleHydrate)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// withMiddleware wraps h with authentication and access logging, the same
// order the Bolt server applies its own request middleware in.
func (s *Server) withMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Authenticate(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rw, r)
		logRequest(r, rw.status, time.Since(start))
	})
}

// Start binds the listener and begins serving in a background goroutine.
// It returns immediately after a successful bind; use Addr for the
// resolved address once the configured port is 0.
func (s *Server) Start() error {
	if s.closed.Load() {
		return errors.New("httpapi: server already stopped")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.started = time.Now()

	handler := s.withMiddleware(s.buildRouter())
	s.httpServer = &http.Server{
		Handler:      h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logStartup("🚀 HTTP/2 enabled (h2c cleartext mode, backwards compatible with HTTP/1.1)")
	logStartup("✓ listening on %s", listener.Addr())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logStartup("[httpapi] serve error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, hard-bound to ctx: if the
// underlying Shutdown call doesn't return by ctx's deadline, the listener
// is force-closed so callers exit deterministically instead of hanging.
func (s *Server) Stop(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.httpServer == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.httpServer.Shutdown(ctx) }()

	select {
	case err := <-done:
		if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			_ = s.httpServer.Close()
		}
		return err
	case <-ctx.Done():
		_ = s.httpServer.Close()
		return ctx.Err()
	}
}

// Addr returns the resolved listen address, empty before Start succeeds.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
