package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/trigger"
	"github.com/otherjamesbrown/mailpulse/pkg/workers"
)

var (
	workerCount       int
	workerMetricsAddr string
)

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued message-inserted events",
		Long: `Consume the analysis queue and run each message through the pipeline.

Each event runs as fetch, execute and persist steps. A retried event resumes
after the last step that succeeded. Messages already completed are skipped.
Lifecycle events are published on the events.analysis.* Redis channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps)
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 0, "Concurrent consumers (overrides workers)")
	cmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	return cmd
}

func runWorker(ctx context.Context, deps *Deps) error {
	rt, err := buildRuntime(ctx, deps, "worker", true)
	if err != nil {
		return err
	}
	defer rt.Close()

	rdb, err := deps.ConnectRedis(ctx, rt.cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	fn := trigger.NewFunction(rt.store, rt.pipeline, trigger.NewRedisStepStore(rdb, rt.cfg.IdempotencyTTL),
		trigger.WithAnalysisConfig(rt.analysis),
		trigger.WithLogger(rt.logger),
		trigger.WithMetrics(rt.metrics),
		trigger.WithTracer(rt.tracer),
		trigger.WithPublisher(observability.NewRedisPublisher(rdb)),
	)

	count := rt.cfg.Workers
	if workerCount > 0 {
		count = workerCount
	}
	poolCfg := workers.DefaultConfig()
	poolCfg.Count = count
	poolCfg.ShutdownTimeout = rt.cfg.ShutdownTimeout

	pool := workers.NewPool(poolCfg, newQueue(rdb, rt.cfg), fn.QueueHandler(),
		workers.WithLogger(rt.logger),
		workers.WithMetrics(rt.metrics),
	)

	if workerMetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              workerMetricsAddr,
			Handler:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("Metrics server failed", logging.Err(err))
			}
		}()
		defer metricsServer.Close()
	}

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}
	rt.logger.Info("Worker started",
		logging.F("queue", rt.cfg.QueueName),
		logging.F("workers", count))

	<-ctx.Done()
	pool.Stop()

	stats := pool.Stats()
	rt.logger.Info("Worker stopped", logging.F("stats", stats))
	return nil
}
