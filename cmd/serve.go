package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/pkg/api"
	"github.com/otherjamesbrown/mailpulse/pkg/db"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

var serveListen string

// NewServeCommand creates the serve command.
func NewServeCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the mailpulse HTTP API.

Routes:
  POST /analyze                   Analyze a message synchronously without persisting
  POST /events/message-inserted   Queue a stored message for durable analysis
  GET  /healthz                   Postgres and Redis health
  GET  /version                   Build information
  GET  /metrics                   Prometheus metrics

Queued events are processed by 'mailpulse worker'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), deps)
		},
	}
	cmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides listen_address)")
	return cmd
}

func runServe(ctx context.Context, deps *Deps) error {
	rt, err := buildRuntime(ctx, deps, "serve", true)
	if err != nil {
		return err
	}
	defer rt.Close()

	rdb, err := deps.ConnectRedis(ctx, rt.cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	addr := rt.cfg.ListenAddress
	if serveListen != "" {
		addr = serveListen
	}

	srv := api.NewServer(rt.pipeline, newDispatcher(rdb, rt.cfg, rt.logger, rt.metrics),
		api.WithLogger(rt.logger),
		api.WithGatherer(rt.registry),
		api.WithHealthCheck("postgres", func(ctx context.Context) error {
			if h := db.Check(ctx, rt.pool); !h.Healthy {
				return errors.New(h.Error)
			}
			return nil
		}),
		api.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("HTTP server listening", logging.F("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	rt.logger.Info("Shutting down HTTP server", logging.F("timeout", rt.cfg.ShutdownTimeout.String()))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
