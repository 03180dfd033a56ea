// Package gateway serves the REST surface and the live event stream.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/audit"
	"github.com/basket/storyforge/internal/bus"
	"github.com/basket/storyforge/internal/otel"
	"github.com/basket/storyforge/internal/service"
)

// Pinger reports database health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Service *service.Service
	DB      Pinger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	// AuthToken enables bearer auth on everything but /healthz when set.
	AuthToken string
	// AllowOrigins lists origins accepted for CORS and websocket upgrades.
	// Empty means same-origin only.
	AllowOrigins []string
	// RateLimitRPM and RateLimitBurst configure the per-client token
	// bucket; RPM 0 disables limiting.
	RateLimitRPM   int
	RateLimitBurst int
	// MaxBodyBytes caps request bodies, default 10MB.
	MaxBodyBytes int64
	Version      string
}

type Server struct {
	cfg     Config
	svc     *service.Service
	logger  *slog.Logger
	limiter *RateLimitMiddleware
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	return &Server{
		cfg:     cfg,
		svc:     cfg.Service,
		logger:  cfg.Logger,
		limiter: NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.RateLimitBurst, cfg.Metrics),
		started: time.Now(),
	}
}

// Limiter exposes the rate limiter so the caller can run its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware { return s.limiter }

// Handler returns the routed handler wrapped in recovery, logging, CORS,
// rate limiting and auth, outermost first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.HandleFunc("GET /api/ai/status", s.handleAIStatus)
	mux.HandleFunc("POST /api/complete", s.handleComplete)

	s.routeProjects(mux)
	s.routeRequirements(mux)
	s.routeStories(mux)
	s.routeTesting(mux)
	s.routeIssues(mux)
	s.routeSprints(mux)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusNotFound, envelope{Error: &errorBody{Code: apperr.CodeNotFound, Message: "no route for " + r.Method + " " + r.URL.Path}})
	})

	h := recordRoute(mux)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = s.limiter.Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.logRequests(h)
	h = s.recoverPanics(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "healthz: database ping failed", "error", err)
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":       dbOK,
		"dbOk":          dbOK,
		"aiAvailable":   s.svc.AIStatus().Available,
		"version":       s.cfg.Version,
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"authDenials":   audit.DenyCount(),
	}
	if !dbOK {
		writeStatus(w, http.StatusServiceUnavailable, envelope{Data: payload, Error: &errorBody{Code: apperr.CodeUnavailable, Message: "database unavailable"}})
		return
	}
	writeData(w, http.StatusOK, payload)
}

func (s *Server) handleAIStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.svc.AIStatus())
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var in service.CompleteInput
	if !decodeBody(w, r, &in) {
		return
	}
	res, err := s.svc.Complete(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
