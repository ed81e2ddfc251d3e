// Package server exposes the kernel's review surface over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/kernel"
	"github.com/fact-memory-kernel/internal/reprocess"
	"github.com/fact-memory-kernel/internal/review"
)

// Service is the part of the kernel the HTTP surface drives.
type Service interface {
	ListUsers(ctx context.Context) ([]facts.User, error)
	UserSummary(ctx context.Context, userID string) (*kernel.UserSummary, error)
	UserFacts(ctx context.Context, userID string, layer facts.Layer, status facts.Status) ([]*facts.FactNode, error)
	PendingNodes(ctx context.Context, layer facts.Layer, limit int) ([]*facts.FactNode, error)
	Node(ctx context.Context, nodeID string) (*facts.FactNode, error)
	Children(ctx context.Context, parentID string) ([]*facts.FactNode, error)
	Approve(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error)
	Reject(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error)
	ProcessAll(ctx context.Context, force bool) (*kernel.BulkReport, error)
	ProcessUser(ctx context.Context, userID string, force bool) (*kernel.UserReport, error)
	ReprocessCandidates(ctx context.Context, userID string) ([]*facts.FactNode, error)
	Reprocess(ctx context.Context, nodeID string) (*reprocess.Outcome, error)
	Forget(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context) (*kernel.SystemStats, error)
	CacheStats() map[string]interface{}
}

var _ Service = (*kernel.Kernel)(nil)

// Workflows queues durable runs and serves the workflow engine's callbacks.
type Workflows interface {
	Handler() http.Handler
	SendProcessUser(ctx context.Context, userID string, force bool) (string, error)
	SendReprocessNode(ctx context.Context, nodeID string) (string, error)
}

var _ Workflows = (*kernel.WorkflowService)(nil)

// WorkflowPath is where the workflow engine calls back into the service.
const WorkflowPath = "/api/inngest"

// Config configures the HTTP surface.
type Config struct {
	AllowedOrigins []string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	Burst     int
	// Workflows enables ?async=true on the process and reprocess routes.
	Workflows Workflows
}

// Server routes HTTP requests to the kernel.
type Server struct {
	svc      Service
	cfg      Config
	router   *mux.Router
	limiter  *RateLimiter
	validate *validator.Validate
	logger   *zap.Logger
	started  time.Time
}

// New creates a Server and registers its routes.
func New(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:      svc,
		cfg:      cfg,
		router:   mux.NewRouter(),
		validate: validator.New(),
		logger:   logger.Named("http"),
		started:  time.Now(),
	}
	s.router.Use(RequestID(), Recovery(s.logger), Logger(s.logger), SecurityHeaders())
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.Burst)
		s.router.Use(s.limiter.Middleware())
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.routes()
	return s
}

// Handler returns the router wrapped with CORS and compression.
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsObj := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", RequestIDHeader}),
		handlers.ExposedHeaders([]string{RequestIDHeader}),
	)
	return handlers.CompressHandler(corsObj(s.router))
}

// Close stops background work.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.health).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", s.listUsers).Methods("GET")
	api.HandleFunc("/users/{user_id}/summary", s.userSummary).Methods("GET")
	api.HandleFunc("/users/{user_id}/facts", s.userFacts).Methods("GET")
	api.HandleFunc("/users/{user_id}/process", s.processUser).Methods("POST")
	api.HandleFunc("/users/{user_id}/forget", s.forget).Methods("POST")

	api.HandleFunc("/nodes/pending", s.pending).Methods("GET")
	api.HandleFunc("/nodes/{node_id}", s.node).Methods("GET")
	api.HandleFunc("/nodes/{node_id}/children", s.children).Methods("GET")
	api.HandleFunc("/nodes/{node_id}/approve", s.approve).Methods("POST")
	api.HandleFunc("/nodes/{node_id}/reject", s.reject).Methods("POST")
	api.HandleFunc("/nodes/{node_id}/reprocess", s.reprocess).Methods("POST")

	api.HandleFunc("/reprocess/candidates", s.candidates).Methods("GET")
	api.HandleFunc("/process", s.processAll).Methods("POST")
	api.HandleFunc("/stats", s.stats).Methods("GET")

	if s.cfg.Workflows != nil {
		r.PathPrefix(WorkflowPath).Handler(s.cfg.Workflows.Handler())
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonx.Encode(w, v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var (
		nf   *facts.NotFoundError
		it   *facts.InvalidTransitionError
		cm   *facts.ConcurrentModificationError
		ing  *facts.IngestionError
		svc  *facts.ExtractionServiceError
		val  *facts.ValidationError
		pers *facts.PersistenceError
	)
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &it):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &cm):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, review.ErrReviewerRequired):
		return http.StatusBadRequest, "bad_request"
	case errors.As(err, &ing):
		return http.StatusUnprocessableEntity, "ingestion"
	case errors.As(err, &svc), errors.As(err, &val):
		return http.StatusBadGateway, "extraction_service"
	case errors.As(err, &pers):
		return http.StatusInternalServerError, "persistence"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

func queryLayer(r *http.Request) (facts.Layer, error) {
	v := r.URL.Query().Get("layer")
	if v == "" {
		return 0, nil
	}
	return facts.ParseLayer(v)
}

func queryStatus(r *http.Request) (facts.Status, error) {
	v := facts.Status(r.URL.Query().Get("status"))
	if v == "" || v.Valid() {
		return v, nil
	}
	return "", errors.New("unknown status " + strconv.Quote(string(v)))
}
