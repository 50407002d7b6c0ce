// Package router assembles the gin engine and its middleware chain.
package router

import (
	"sync"

	"github.com/erp/stockledger/internal/infrastructure/logger"
	"github.com/erp/stockledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Config selects the middleware mounted on every request
type Config struct {
	ServiceName    string
	TracingEnabled bool
	TracerProvider trace.TracerProvider
	// Meter enables HTTP metrics when non-nil.
	Meter            metric.Meter
	ProfilingEnabled bool
	MaxBodyBytes     int64
	// CORSAllowedOrigins mounts CORS handling when non-empty.
	CORSAllowedOrigins []string
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
	root       []RouteRegistrar
}

// RouterOption is a functional option for Router configuration
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix (e.g., "v1", "v2")
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

var validatorOnce sync.Once

// NewEngine builds a gin engine with the request middleware chain: tracing,
// request logging, span enrichment, panic recovery, metrics and profiling
// labels, then CORS and the body limit when configured.
func NewEngine(cfg Config, log *zap.Logger) *gin.Engine {
	validatorOnce.Do(middleware.SetupValidator)

	engine := gin.New()
	engine.Use(
		middleware.Tracing(middleware.TracingConfig{
			ServiceName:    cfg.ServiceName,
			Enabled:        cfg.TracingEnabled,
			TracerProvider: cfg.TracerProvider,
		}),
		logger.GinMiddleware(log),
		middleware.SpanAttributes(),
		logger.Recovery(log),
		middleware.HTTPMetrics(cfg.Meter, log),
		middleware.Profiling(cfg.ProfilingEnabled, "/health"),
	)
	if h := middleware.CORS(cfg.CORSAllowedOrigins); h != nil {
		engine.Use(h)
	}
	if cfg.MaxBodyBytes > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}
	return engine
}

// NewRouter creates a new Router instance
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a RouteRegistrar mounted under the versioned API prefix
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// RegisterRoot adds a RouteRegistrar mounted at the engine root, such as
// health checks
func (r *Router) RegisterRoot(registrar RouteRegistrar) *Router {
	r.root = append(r.root, registrar)
	return r
}

// Setup registers all routes with the engine
func (r *Router) Setup() *gin.Engine {
	for _, registrar := range r.root {
		registrar.RegisterRoutes(&r.engine.RouterGroup)
	}

	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
	return r.engine
}
