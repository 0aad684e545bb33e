package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codechronos-sandbox/internal/config"
	"codechronos-sandbox/internal/monitor"
	"codechronos-sandbox/internal/proxy"
	"codechronos-sandbox/internal/sandbox"
	"codechronos-sandbox/internal/storage"
)

// HealthChecker is an optional dependency whose state is reported by /health.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Deps are the server's collaborators. Only Backend is required.
type Deps struct {
	Backend     sandbox.Backend
	Store       storage.Store
	AuditWriter *storage.AuditWriter
	Cache       HealthChecker
	Metrics     *monitor.Metrics
}

// Server is the main HTTP server for the sandbox API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	deps       Deps
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		handlers:  NewHandlers(deps.Backend, deps.Store, deps.AuditWriter),
		deps:      deps,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all API requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the full routing tree with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	h := s.handlers

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /validate", h.HandleValidate)
	apiMux.HandleFunc("POST /syntax", h.HandleSyntax)
	apiMux.HandleFunc("POST /analyze", h.HandleAnalyze)
	apiMux.HandleFunc("POST /format", h.HandleFormat)
	apiMux.HandleFunc("POST /execute", h.HandleExecute)
	apiMux.HandleFunc("POST /execute/stream", h.HandleExecuteStream)
	apiMux.HandleFunc("POST /previews", h.HandleLaunchPreview)
	apiMux.HandleFunc("GET /previews", h.HandleListPreviews)
	apiMux.HandleFunc("DELETE /previews/{id}", h.HandleStopPreview)
	apiMux.HandleFunc("GET /audit/events", h.HandleListAuditEvents)

	authedAPI := AuthMiddleware(s.cfg.Security.AllowedKeys, s.cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health, metrics and preview traffic bypass auth. A preview is
	// addressed by its random ID, and a browser iframe cannot send an API key.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle(proxy.Prefix, proxy.New(s.deps.Backend, "127.0.0.1"))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(s.deps.Metrics)(handler)
	handler = RateLimitMiddleware(s.cfg.Security.RateLimitRPS, s.cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.deps.Store == nil || s.deps.Store.Healthy(r.Context())
	cacheOK := s.deps.Cache == nil || s.deps.Cache.Healthy(r.Context())

	resp := HealthResponse{
		Status:         "ok",
		Database:       dbOK,
		Cache:          cacheOK,
		ActivePreviews: len(s.deps.Backend.ListPreviews()),
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
	}

	// The cache only speeds up parsing; losing it does not degrade the service.
	if !dbOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
