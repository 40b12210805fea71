// Package cmd provides the mailpulse CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/mailpulse/config"
	"github.com/otherjamesbrown/mailpulse/credentials"
	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/db"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
	"github.com/otherjamesbrown/mailpulse/pkg/trigger"
)

// MetricsNamespace prefixes the pool collector.
const MetricsNamespace = "mailpulse"

// Deps holds the dependencies shared by commands.
type Deps struct {
	// Config returns the configuration loaded by the root command.
	Config func() (*config.Config, error)

	ConnectToDB  func(context.Context) (*pgxpool.Pool, error)
	ConnectRedis func(context.Context, *config.Config) (redis.UniversalClient, error)
	OpenCreds    func() (*credentials.Store, error)
}

// DefaultDeps returns the production dependencies around loadConfig.
func DefaultDeps(loadConfig func() (*config.Config, error)) *Deps {
	return &Deps{
		Config:       loadConfig,
		ConnectToDB:  connectToDatabase,
		ConnectRedis: connectToRedis,
		OpenCreds:    credentials.NewStore,
	}
}

func connectToDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	cfg := db.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return db.ConnectWithRetry(ctx, cfg, 5, 2*time.Second)
}

func connectToRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// newLogger builds the process logger. Long-running roles log JSON to
// stdout; one-shot commands log to stderr so stdout stays parseable.
func newLogger(cfg *config.Config, role string, jsonFormat bool) logging.Logger {
	out := os.Stderr
	if jsonFormat {
		out = os.Stdout
	}
	env := os.Getenv("MAILPULSE_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	return logging.NewLogger(&logging.Config{
		Level:       logging.ParseLevel(cfg.EffectiveLogLevel()),
		ServiceName: "mailpulse-" + role,
		Environment: env,
		JSONFormat:  jsonFormat,
		Output:      out,
	})
}

// newRegistry returns a registry carrying the runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRouter registers a provider for every kind that has an API key.
func newRouter(cfg *config.Config, creds *credentials.Store, logger logging.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*llm.Router, error) {
	router := llm.NewRouter(
		llm.WithRouterLogger(logger),
		llm.WithRouterMetrics(metrics),
		llm.WithRouterTracer(tracer),
	)

	registered := 0
	for _, kind := range llm.ProviderKinds() {
		key, err := resolveKey(creds, kind)
		if errors.Is(err, credentials.ErrNoCredential) {
			continue
		}
		if err != nil {
			return nil, err
		}

		baseURL := cfg.Models.BaseURLs[string(kind)]
		var p llm.Provider
		switch kind {
		case llm.ProviderOpenAI:
			p = llm.NewOpenAIProvider(key, baseURL, cfg.Models.Timeout)
		case llm.ProviderAnthropic:
			p = llm.NewAnthropicProvider(key, baseURL, cfg.Models.Timeout)
		case llm.ProviderGemini:
			p = llm.NewGeminiProvider(key, cfg.Models.Timeout)
		case llm.ProviderXAI:
			p = llm.NewXAIProvider(key, baseURL, cfg.Models.Timeout)
		default:
			continue
		}
		router.Register(p, cfg.Models.RequestsPerSecond)
		registered++
		logger.Debug("Registered model provider", logging.F("provider", kind))
	}

	if registered == 0 {
		logger.Warn("No model provider keys configured; analyses will fail",
			logging.F("hint", "mailpulse credentials set <provider>"))
	}
	return router, nil
}

// resolveKey reads the environment when the encrypted store is unavailable.
func resolveKey(creds *credentials.Store, kind llm.ProviderKind) (string, error) {
	if creds != nil {
		return creds.Resolve(kind)
	}
	if v := os.Getenv(credentials.EnvVar(kind)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w for %s", credentials.ErrNoCredential, kind)
}

// runtime is the assembled analysis stack.
type runtime struct {
	cfg      *config.Config
	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	pool     *pgxpool.Pool
	store    *storage.Store
	router   *llm.Router
	pipeline *pipeline.Pipeline
	analysis *analysis.Config
}

// buildRuntime wires config, storage and models into a pipeline.
func buildRuntime(ctx context.Context, deps *Deps, role string, jsonLogs bool) (*runtime, error) {
	cfg, err := deps.Config()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   newLogger(cfg, role, jsonLogs),
		registry: newRegistry(),
		tracer:   observability.NewTracer(),
	}
	rt.metrics = observability.NewMetrics(rt.registry)

	creds, err := deps.OpenCreds()
	if err != nil {
		rt.logger.Warn("Credential store unavailable, using environment keys only", logging.Err(err))
		creds = nil
	}

	rt.router, err = newRouter(cfg, creds, rt.logger, rt.metrics, rt.tracer)
	if err != nil {
		return nil, err
	}

	extractor, err := extraction.NewClient(extraction.Config{
		BaseURL: cfg.Collaborator.BaseURL,
		APIKey:  cfg.Collaborator.APIKey,
		Timeout: cfg.Collaborator.Timeout,
	}, extraction.WithLogger(rt.logger), extraction.WithMetrics(rt.metrics))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("configuring collaborator: %w", err)
	}

	rt.pool, err = deps.ConnectToDB(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if _, err := db.RegisterPoolStats(rt.registry, rt.pool, MetricsNamespace, "mailpulse-"+role); err != nil {
		rt.logger.Warn("Pool stats not registered", logging.Err(err))
	}
	rt.store = storage.New(rt.pool, rt.logger)

	registry := analysis.InitRegistry(analysis.DefaultCatalog(), rt.logger)
	executor := analysis.NewExecutor(registry, rt.router,
		analysis.WithLogger(rt.logger),
		analysis.WithMetrics(rt.metrics),
		analysis.WithTracer(rt.tracer),
		analysis.WithConcurrency(cfg.Models.Concurrency),
	)

	threadOpts := []threads.Option{
		threads.WithLogger(rt.logger),
		threads.WithMetrics(rt.metrics),
		threads.WithTracer(rt.tracer),
	}
	if cfg.Models.MergeModel != "" {
		threadOpts = append(threadOpts, threads.WithModel(cfg.Models.MergeModel))
	}

	rt.pipeline, err = pipeline.New(pipeline.Deps{
		Store:     pipeline.FromStorage(rt.store),
		Executor:  executor,
		Threads:   threads.NewEngine(rt.router, threadOpts...),
		Extractor: extractor,
	},
		pipeline.WithLogger(rt.logger),
		pipeline.WithMetrics(rt.metrics),
		pipeline.WithTracer(rt.tracer),
		pipeline.WithThreadSummaries(cfg.Analysis.ThreadSummaries),
		pipeline.WithRecentMessages(cfg.Analysis.RecentMessages),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}

	if kinds := analysis.ParseKinds(cfg.Analysis.EnabledKinds); len(kinds) > 0 {
		rt.analysis = &analysis.Config{EnabledKinds: kinds}
	}
	return rt, nil
}

// Close releases the pool and provider clients.
func (rt *runtime) Close() {
	if rt.router != nil {
		_ = rt.router.Close()
	}
	if rt.pool != nil {
		db.Close(rt.pool)
	}
}

// newQueue opens the configured work queue.
func newQueue(client redis.UniversalClient, cfg *config.Config) *queue.RedisQueue {
	return queue.NewRedisQueue(client, queue.DefaultConfig(cfg.QueueName))
}

// newDispatcher builds the idempotent event sender over the work queue.
func newDispatcher(client redis.UniversalClient, cfg *config.Config, logger logging.Logger, metrics *observability.Metrics) *trigger.Dispatcher {
	return trigger.NewDispatcher(
		newQueue(client, cfg),
		trigger.NewRedisIdempotency(client),
		trigger.WithIdempotencyTTL(cfg.IdempotencyTTL),
		trigger.WithDispatcherLogger(logger),
		trigger.WithDispatcherMetrics(metrics),
	)
}
