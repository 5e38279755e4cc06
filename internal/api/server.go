// Package api is the HTTP adapter for FunnelPipe. It maps inbound funnel
// events one-to-one onto the funnel engine and exposes read endpoints over
// users, follow-ups and conversion stats.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/followup"
	"github.com/BTreeMap/FunnelPipe/internal/funnel"
	"github.com/BTreeMap/FunnelPipe/internal/stats"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/util"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds the work done for one request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps inbound event bodies.
	maxBodyBytes = 1 << 20
)

// WakeupLister exposes the scheduler's armed wake-ups. *followup.Scheduler implements it.
type WakeupLister interface {
	Wakeups() []followup.WakeupInfo
	ArmedCount() int
}

// Opts holds server configuration.
type Opts struct {
	Addr           string
	RequestTimeout time.Duration
}

// Option defines a server configuration option.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// Server serves the funnel event and read endpoints.
type Server struct {
	engine   *funnel.Engine
	st       store.Store
	wakeups  WakeupLister
	reporter *stats.Reporter

	addr           string
	requestTimeout time.Duration
	httpServer     *http.Server
	started        time.Time
}

// NewServer creates a server. Call Start to listen.
func NewServer(engine *funnel.Engine, st store.Store, wakeups WakeupLister, reporter *stats.Reporter, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Server{
		engine:         engine,
		st:             st,
		wakeups:        wakeups,
		reporter:       reporter,
		addr:           cfg.Addr,
		requestTimeout: cfg.RequestTimeout,
		started:        time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler with request logging and timeouts.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events/session-start", s.sessionStartHandler)
	mux.HandleFunc("POST /v1/events/offering-selected", s.offeringSelectedHandler)
	mux.HandleFunc("POST /v1/events/stage-advance", s.stageAdvanceHandler)
	mux.HandleFunc("POST /v1/events/converted", s.convertedHandler)

	mux.HandleFunc("GET /v1/users", s.listUsersHandler)
	mux.HandleFunc("GET /v1/users/{id}", s.getUserHandler)
	mux.HandleFunc("GET /v1/users/{id}/followups", s.listFollowUpsHandler)
	mux.HandleFunc("GET /v1/followups/wakeups", s.wakeupsHandler)
	mux.HandleFunc("GET /v1/stats", s.statsHandler)
	mux.HandleFunc("GET /v1/health", s.healthHandler)

	return s.withRequestContext(mux)
}

// RequestIDHeader echoes the id that correlates a request's log lines.
const RequestIDHeader = "X-Request-ID"

// withRequestContext tags, logs and bounds each request.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = util.GenerateRequestID()
		}
		w.Header().Set(RequestIDHeader, reqID)
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
		slog.Debug("Server: request handled", "requestID", reqID, "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

// Start listens on the configured address and serves until Shutdown. It
// returns once the listener is bound; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		slog.Error("Server.Start: failed to listen", "error", err, "addr", s.addr)
		return err
	}
	slog.Info("FunnelPipe API listening", "addr", ln.Addr().String())
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server: serve failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server: shutting down")
	return s.httpServer.Shutdown(ctx)
}
