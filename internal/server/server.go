// Package server implements the chunkrelay HTTP server and route multiplexer.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/chunkrelay/chunkrelay/internal/config"
	uperr "github.com/chunkrelay/chunkrelay/internal/errors"
	"github.com/chunkrelay/chunkrelay/internal/handlers"
	"github.com/chunkrelay/chunkrelay/internal/upload"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds each dependency probe of GET /health.
const healthCheckTimeout = 5 * time.Second

// HealthChecker is a dependency probed by GET /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server is the chunkrelay HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	coord      *upload.Coordinator
	uploads    *handlers.UploadHandler
	checks     map[string]HealthChecker
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthCheckResult is the outcome of one dependency probe.
type HealthCheckResult struct {
	Status string `json:"status" example:"ok" doc:"ok or error"`
	Error  string `json:"error,omitempty" doc:"Failure detail"`
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string                       `json:"status" example:"ok" doc:"Health status"`
	Checks map[string]HealthCheckResult `json:"checks,omitempty" doc:"Per-dependency results"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Status int
	Body   HealthBody
}

// UploadStatusInput is the Huma input struct for GET /uploads/{uploadId}.
type UploadStatusInput struct {
	UploadID string `path:"uploadId" doc:"Upload identifier (the fileId of its chunks)"`
	Expected int    `query:"expected" minimum:"0" doc:"Expected chunk count, used when the server has not seen the upload yet"`

	// uploadID is UploadID decoded exactly once from the request path.
	uploadID string
}

// Resolve decodes the upload id from the escaped request path, independent
// of how the router unescaped the parameter.
func (i *UploadStatusInput) Resolve(ctx huma.Context) []error {
	u := ctx.URL()
	p := u.EscapedPath()
	if id, err := url.PathUnescape(p[strings.LastIndexByte(p, '/')+1:]); err == nil {
		i.uploadID = id
	}
	return nil
}

// UploadStatusBody reports the progress of one upload.
type UploadStatusBody struct {
	Status     string `json:"status" example:"receiving" doc:"receiving, completing, assembled or closed"`
	UploadID   string `json:"uploadId"`
	Received   int    `json:"received" doc:"Distinct chunks staged within the expected range"`
	Expected   int    `json:"expected" doc:"Expected chunk count, 0 if unknown"`
	Complete   bool   `json:"complete" doc:"Every expected chunk is staged"`
	Publishing bool   `json:"publishing" doc:"A publish attempt is running"`
}

// UploadStatusOutput is the Huma output struct for GET /uploads/{uploadId}.
type UploadStatusOutput struct {
	Body UploadStatusBody
}

// apiError carries an UploadError through Huma so that typed operations
// answer with the same body as the plain handlers.
type apiError struct {
	status int
	handlers.ErrorResponse
}

func (e *apiError) Error() string  { return e.Message }
func (e *apiError) GetStatus() int { return e.status }

func newAPIError(err error) *apiError {
	status, body := handlers.NewErrorResponse(err, "")
	return &apiError{status: status, ErrorResponse: body}
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, checker HealthChecker) ServerOption {
	return func(s *Server) {
		s.checks[name] = checker
	}
}

// WithLogger sets the logger used for request logging.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new Server with the given configuration and wires up all
// routes on the Chi router with Huma API.
func New(cfg *config.Config, coord *upload.Coordinator, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("chunkrelay API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		coord:  coord,
		checks: make(map[string]HealthChecker),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.uploads = handlers.NewUploadHandler(coord, cfg.Server.MaxChunkSize, cfg.Server.MaxUploadSize, s.logger)
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> requestLogger -> cors -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = corsMiddleware(s.cfg.Server.AllowedOrigin)(handler)
	handler = requestLogger(s.logger)(handler)
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
// Huma routes (/health, /uploads/{uploadId}, /docs, /openapi.json) come
// first, then the plain upload handlers and /metrics.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the server and its staging and publish backends.",
		Tags:        []string{"System"},
	}, s.health)

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-upload-status",
		Method:      http.MethodGet,
		Path:        "/uploads/{uploadId}",
		Summary:     "Upload status",
		Description: "Reports how many chunks of an upload are staged and whether it is complete.",
		Tags:        []string{"Uploads"},
	}, s.uploadStatus)

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Post("/upload-chunk", s.uploads.UploadChunk)
	s.router.Post("/upload", s.uploads.UploadSingle)
	s.router.Post("/uploads/{uploadId}/publish", s.uploads.RetryPublish)
	s.router.Delete("/uploads/{uploadId}", s.uploads.Abandon)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, r, uperr.ErrNoSuchRoute)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteError(w, r, uperr.ErrMethodNotAllowed)
	})
}

func (s *Server) health(ctx context.Context, input *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{Status: http.StatusOK, Body: HealthBody{Status: "ok"}}
	if len(s.checks) == 0 {
		return out, nil
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out.Body.Checks = make(map[string]HealthCheckResult, len(names))
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := s.checks[name].HealthCheck(checkCtx)
		cancel()
		if err != nil {
			out.Status = http.StatusServiceUnavailable
			out.Body.Status = "degraded"
			out.Body.Checks[name] = HealthCheckResult{Status: "error", Error: err.Error()}
			continue
		}
		out.Body.Checks[name] = HealthCheckResult{Status: "ok"}
	}
	return out, nil
}

func (s *Server) uploadStatus(ctx context.Context, input *UploadStatusInput) (*UploadStatusOutput, error) {
	uploadID := input.uploadID
	if uploadID == "" {
		return nil, newAPIError(uperr.ErrInvalidUploadID)
	}
	st, err := s.coord.Status(ctx, uploadID, input.Expected)
	if err != nil {
		return nil, newAPIError(err)
	}
	return &UploadStatusOutput{Body: UploadStatusBody{
		Status:     st.State.String(),
		UploadID:   st.UploadID,
		Received:   st.Received,
		Expected:   st.Expected,
		Complete:   st.Complete(),
		Publishing: st.Publishing,
	}}, nil
}
