// Package api exposes the pipeline over HTTP: synchronous analysis, trigger
// event intake, health, version and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/mailpulse/pkg/buildinfo"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
	"github.com/otherjamesbrown/mailpulse/pkg/trigger"
)

// ServiceName is reported by /version.
const ServiceName = "mailpulse-serve"

// Analyzer runs the pipeline synchronously.
type Analyzer interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// EventSender enqueues trigger events.
type EventSender interface {
	Send(ctx context.Context, ev trigger.Event) (string, error)
}

// HealthCheck reports an error when a dependency is unusable.
type HealthCheck func(ctx context.Context) error

// Server holds the HTTP handlers and their dependencies.
type Server struct {
	analyzer Analyzer
	events   EventSender
	checks   map[string]HealthCheck
	gatherer prometheus.Gatherer
	logger   logging.Logger
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthCheck adds a named dependency check to /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// NewServer builds the gin engine with middleware and routes registered.
func NewServer(analyzer Analyzer, events EventSender, opts ...Option) *Server {
	s := &Server{
		analyzer: analyzer,
		events:   events,
		checks:   make(map[string]HealthCheck),
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.F("component", "api"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(
		RequestID(),
		Logging(s.logger),
		Recovery(s.logger),
	)

	r.POST("/analyze", s.analyze)
	r.POST("/events/message-inserted", s.messageInserted)
	r.GET("/healthz", s.healthz)
	r.GET("/version", gin.WrapF(buildinfo.Handler(ServiceName)))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "not_found", "route not found", nil)
	})

	s.engine = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}
