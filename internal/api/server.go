// Package api provides the HTTP REST API of scanqueue: task submission
// and control, result retrieval, live status streams and queue and
// scanner inspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	_ "github.com/anstrom/scanqueue/docs" // registers the OpenAPI description
	apihandlers "github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/auth"
	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/orchestrator"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	idleTimeout           = 60 * time.Second
)

// Options carries the optional collaborators of a Server.
type Options struct {
	// Metrics receives HTTP request metrics.
	Metrics metrics.MetricsRegistry
	// MetricsHandler, when set, is served at MetricsPath.
	MetricsHandler http.Handler
	MetricsPath    string
	Version        string
	Logger         *slog.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     config.APIConfig
	service    *orchestrator.Service
	watch      *apihandlers.WatchHandler
	logger     *slog.Logger
	metrics    metrics.MetricsRegistry

	mu       sync.Mutex
	listener net.Listener
}

// New creates an API server in front of service.
func New(cfg config.APIConfig, service *orchestrator.Service, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().Logger
	}
	logger = logger.With("component", "api")
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	keyring, err := auth.NewKeyring(cfg.APIKeys)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		service: service,
		logger:  logger,
		metrics: opts.Metrics,
	}
	s.watch = apihandlers.NewWatchHandler(service, cfg.WatchInterval, cfg.CORS.AllowedOrigins, logger)

	s.setupRoutes(opts)
	s.handler = s.setupMiddleware(keyring)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenAddr, fmt.Sprintf("%d", cfg.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if !keyring.Enabled() {
		logger.Warn("API authentication disabled, no api_keys configured")
	}
	return s, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(opts Options) {
	scans := apihandlers.NewScanHandler(s.service, s.logger)
	scanners := apihandlers.NewScannerHandler(s.service, s.logger)
	queue := apihandlers.NewQueueHandler(s.service, s.logger)
	health := apihandlers.NewHealthHandler(s.service, opts.Version, s.logger)

	s.router.Use(middleware.Metrics(s.metrics))

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.Submit).Methods(http.MethodPost)
	api.HandleFunc("/scans", scans.List).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.Get).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/results", scans.Results).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/pause", scans.Pause).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/resume", scans.Resume).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/stop", scans.Stop).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/watch", s.watch.Watch).Methods(http.MethodGet)

	api.HandleFunc("/scanners", scanners.List).Methods(http.MethodGet)
	api.HandleFunc("/scanners/health", scanners.Health).Methods(http.MethodGet)
	api.HandleFunc("/scanners/{id}/status", scanners.SetStatus).Methods(http.MethodPut)

	api.HandleFunc("/queue", queue.Stats).Methods(http.MethodGet)
	api.HandleFunc("/queue/dlq", queue.DeadLetters).Methods(http.MethodGet)
	api.HandleFunc("/queue/dlq", queue.ClearDeadLetters).Methods(http.MethodDelete)

	s.router.PathPrefix(middleware.DocsPrefix).Handler(httpSwagger.Handler(
		httpSwagger.URL(middleware.DocsPrefix+"doc.json"),
		httpSwagger.DeepLinking(true),
	)).Methods(http.MethodGet)
	s.router.HandleFunc("/docs", redirectToDocs).Methods(http.MethodGet)

	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, opts.MetricsHandler).Methods(http.MethodGet)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "no such endpoint")
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	// A subrouter reports its own mismatches; the root handlers never see them.
	for _, router := range []*mux.Router{s.router, api} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = methodNotAllowed
	}
}

// setupMiddleware wraps the router. Router-level middleware only runs for
// matched routes, so everything except metrics wraps the router itself.
func (s *Server) setupMiddleware(keyring *auth.Keyring) http.Handler {
	var h http.Handler = s.router

	h = middleware.RequestTimeout(s.config.RequestTimeout)(h)
	h = middleware.ContentType()(h)
	h = middleware.MaxBodySize(s.config.MaxRequestSize)(h)
	h = middleware.Authentication(keyring, s.logger)(h)
	if s.config.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.BurstSize)
		h = middleware.RateLimit(limiter, s.logger)(h)
	}
	if s.config.CORS.Enabled {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.CORS.AllowedOrigins),
			handlers.AllowedMethods(s.config.CORS.AllowedMethods),
			handlers.AllowedHeaders(s.config.CORS.AllowedHeaders),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader, "Location"}),
		)(h)
	}
	h = middleware.SecurityHeaders()(h)
	h = middleware.Recovery(s.logger)(h)
	h = middleware.Logging(s.logger)(h)
	return h
}

// Start listens and serves until ctx is canceled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		"address", ln.Addr().String(),
		"tls", s.config.TLS.Enabled)

	errChan := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ServeTLS(ln, s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server and ends open watch streams.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")
	s.watch.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the bound address once started, or the configured one.
func (s *Server) GetAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// WatchClients returns the number of open watch streams.
func (s *Server) WatchClients() int {
	return s.watch.Clients()
}

func redirectToDocs(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, middleware.DocsPrefix+"index.html", http.StatusMovedPermanently)
}

// ErrorResponse represents a router-level error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	})
}
