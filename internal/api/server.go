// Package api serves the HTTP interface: chat turns, session and basket
// inspection, checkout links and QR codes, the live event stream and
// usage totals.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/cartwright/internal/agent"
	"github.com/nugget/cartwright/internal/buildinfo"
	"github.com/nugget/cartwright/internal/events"
	"github.com/nugget/cartwright/internal/usage"
)

// writeJSON encodes v as JSON to w. Encoding errors usually mean the
// client went away and are only logged.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Pinger checks a dependency for the health endpoint.
type Pinger func(ctx context.Context) error

// UsageSummarizer reads token totals. *usage.Store satisfies it.
type UsageSummarizer interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	addr   string
	svc    *agent.Service
	bus    *events.Bus
	usage  UsageSummarizer
	checks map[string]Pinger
	mounts []func(chi.Router)
	logger *slog.Logger
	server *http.Server
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus enables the /v1/events websocket stream.
func WithEventBus(b *events.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// WithUsage enables /v1/usage.
func WithUsage(u UsageSummarizer) Option {
	return func(s *Server) { s.usage = u }
}

// WithHealthCheck adds a named dependency check to /v1/health.
func WithHealthCheck(name string, p Pinger) Option {
	return func(s *Server) { s.checks[name] = p }
}

// WithRoutes lets other transports, such as the WhatsApp webhook, mount
// handlers on the same router.
func WithRoutes(mount func(chi.Router)) Option {
	return func(s *Server) { s.mounts = append(s.mounts, mount) }
}

// NewServer creates a server listening on addr.
func NewServer(addr string, svc *agent.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:   addr,
		svc:    svc,
		checks: make(map[string]Pinger),
		logger: logger.With("component", "api"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)
		r.Get("/health", s.handleHealth)
		r.Post("/chat", s.handleChat)

		r.Get("/sessions", s.handleSessionList)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleSessionGet)
			r.Post("/reset", s.handleSessionReset)
			r.Get("/basket", s.handleBasket)
			r.Get("/checkout", s.handleCheckout)
			r.Get("/checkout.png", s.handleCheckoutQR)
		})

		r.Get("/usage", s.handleUsage)
		r.Get("/events", s.handleEvents)
	})

	for _, mount := range s.mounts {
		mount(r)
	}
	return r
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// A chat turn may take the full turn timeout.
		WriteTimeout: 150 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "cartwright",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, ping := range s.checks {
		if err := ping(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"checks": results,
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is disabled")
		return
	}
	hours := parseIntParam(r, "hours", 24)
	end := s.now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":    hours,
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

// isClientGone reports whether err came from the caller going away.
func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
