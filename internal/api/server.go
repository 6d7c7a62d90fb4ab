package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"secure-agent-exec/internal/audit"
	"secure-agent-exec/internal/config"
	"secure-agent-exec/internal/monitor"
	"secure-agent-exec/internal/pipeline"
)

// healthChecker is implemented by sinks that can report liveness; the
// in-memory sink has nothing to check and simply doesn't implement it.
type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// Server is the HTTP front of the execution pipeline.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	sink       audit.Sink
	startTime  time.Time
}

// NewServer wires routes and the middleware chain.
func NewServer(cfg *config.Config, orchestrator *pipeline.Orchestrator, sink audit.Sink, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(orchestrator, sink)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		sink:      sink,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Execution and audit endpoints sit behind auth.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /execute", handlers.HandleExecute)
	apiMux.HandleFunc("GET /audit", handlers.HandleAuditQuery)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Middleware chain, outermost first.
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	auditOK := true
	if checker, ok := s.sink.(healthChecker); ok {
		auditOK = checker.Healthy(r.Context())
	}

	resp := HealthResponse{
		Status:   "ok",
		AuditLog: auditOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !auditOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
