// Package api exposes the analysis engine over HTTP and WebSocket.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/fraud-analyst/internal/config"
	"github.com/sells-group/fraud-analyst/internal/cost"
	"github.com/sells-group/fraud-analyst/internal/metrics"
	"github.com/sells-group/fraud-analyst/internal/model"
	"github.com/sells-group/fraud-analyst/internal/resilience"
	"github.com/sells-group/fraud-analyst/internal/session"
	"github.com/sells-group/fraud-analyst/internal/store"
)

// Engine is the analysis surface the handlers drive. *pipeline.Pipeline
// implements it.
type Engine interface {
	Analyze(ctx context.Context, req model.AnalysisRequest) (*model.AnalysisResult, error)
	Start(ctx context.Context, req model.AnalysisRequest) (*session.Session, error)
	Stream(ctx context.Context, req model.AnalysisRequest) (*session.Session, *session.Subscription, error)
	Sessions() *session.Registry
	Usage() *cost.Accumulator
	ModelVersion() string
	CollaboratorEnabled() bool
	CollaboratorModel() string
	CollaboratorCircuit() resilience.BreakerSnapshot
}

// maxBodyBytes bounds request bodies and inbound WebSocket messages.
const maxBodyBytes = 1 << 20

// Server holds the handler dependencies. Store may be nil, in which case
// only live sessions are reachable.
type Server struct {
	engine  Engine
	store   store.Store
	origins []string
}

// New creates a Server.
func New(engine Engine, st store.Store, cfg config.ServerConfig) *Server {
	return &Server{engine: engine, store: st, origins: cfg.CORSOrigins}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.corsHandler())
	r.Use(instrument)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws/analyze", s.analyzeSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.analyze)
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", s.startAnalysis)
			r.Get("/", s.listAnalyses)
			r.Get("/{id}", s.getAnalysis)
			r.Delete("/{id}", s.cancelAnalysis)
			r.Get("/{id}/stream", s.streamAnalysis)
		})
		r.Get("/usage", s.usage)
		r.Post("/usage/reset", s.resetUsage)
	})
	return r
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
}

// instrument counts requests by route pattern and logs slow ones.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()

		if d := time.Since(start); d > 5*time.Second && route != "/ws/analyze" && route != "/api/v1/analyses/{id}/stream" {
			zap.L().Warn("api: slow request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", d),
			)
		}
	})
}
