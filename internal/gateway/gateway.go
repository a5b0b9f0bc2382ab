// Package gateway exposes the lifecycle manager and the task scheduler over
// HTTP, plus a WebSocket stream of bus events.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/agenthost/internal/agent"
	"github.com/basket/agenthost/internal/bus"
	"github.com/basket/agenthost/internal/config"
	otelPkg "github.com/basket/agenthost/internal/otel"
	"github.com/basket/agenthost/internal/persistence"
	"github.com/basket/agenthost/internal/shared"
)

const (
	defaultMaxBodyBytes = 1 << 20
	healthzTimeout      = 2 * time.Second
)

// AgentService is the lifecycle surface the gateway drives.
type AgentService interface {
	Create(ctx context.Context, cfg map[string]any) (*agent.AgentView, error)
	Get(ctx context.Context, id string) (*agent.AgentView, error)
	List(ctx context.Context) ([]agent.AgentView, error)
	Update(ctx context.Context, id string, patch map[string]any) (*agent.AgentView, error)
	Start(ctx context.Context, id string) (string, error)
	Stop(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) (agent.DeleteResult, error)
}

// TaskService is the scheduler surface the gateway drives.
type TaskService interface {
	ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.TaskDefinition, error)
	DeleteTask(ctx context.Context, id string) error
}

// Pinger reports store reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Agents   AgentService
	Tasks    TaskService
	Store    Pinger
	Registry *agent.Registry
	Bus      *bus.Bus

	Logger         *slog.Logger
	Metrics        *otelPkg.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer

	// AuthToken guards every route except /healthz. Empty disables auth.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections
	// and CORS. Empty list means same-origin only.
	AllowOrigins []string

	RateLimit    config.RateLimitConfig
	MaxBodyBytes int64
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *rateLimiter

	wsClients atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		limiter: newRateLimiter(cfg.RateLimit),
		done:    make(chan struct{}),
	}
}

// CloseStreams ends every open /ws stream. http.Server.Shutdown does not
// wait for hijacked connections, so call it first.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/agents", s.handleListAgents)
	s.route(mux, "POST /api/agents", s.handleCreateAgent)
	s.route(mux, "GET /api/agents/{id}", s.handleGetAgent)
	s.route(mux, "PATCH /api/agents/{id}", s.handleUpdateAgent)
	s.route(mux, "DELETE /api/agents/{id}", s.handleDeleteAgent)
	s.route(mux, "POST /api/agents/{id}/start", s.handleStartAgent)
	s.route(mux, "POST /api/agents/{id}/stop", s.handleStopAgent)
	s.route(mux, "GET /api/tasks", s.handleListTasks)
	s.route(mux, "DELETE /api/tasks/{id}", s.handleDeleteTask)
	s.route(mux, "GET /healthz", s.handleHealthz)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	// Not instrumented: the status recorder would hide the hijacker.
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.limiter.Wrap(h, s.cfg.Metrics)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// route registers fn under pattern with a server span and a duration
// histogram labelled by the pattern.
func (s *Server) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx, span := otelPkg.StartServerSpan(shared.EnsureTraceID(r.Context()), s.tracer, "gateway "+pattern,
			attribute.String("http.route", pattern))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		span.End()
		s.cfg.Metrics.ObserveRequest(ctx, pattern, rec.status, started)
		if rec.status >= http.StatusInternalServerError {
			s.logger.Warn("request failed", "route", pattern, "status", rec.status,
				"trace_id", shared.TraceID(ctx),
				"duration_ms", time.Since(started).Milliseconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthzTimeout)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			dbOK = false
		}
	}
	agentCount := 0
	if s.cfg.Registry != nil {
		agentCount = s.cfg.Registry.Len()
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"agent_count": agentCount,
		"ws_clients":  s.wsClients.Load(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}
