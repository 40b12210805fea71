package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var errNilPool = errors.New("pool is nil")

// HealthStatus is the result of a database health check.
type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency"`
	TotalConns    int32         `json:"total_conns"`
	IdleConns     int32         `json:"idle_conns"`
	AcquiredConns int32         `json:"acquired_conns"`
	Error         string        `json:"error,omitempty"`
}

// Check pings the database and reports pool statistics.
func Check(ctx context.Context, pool *pgxpool.Pool) *HealthStatus {
	if pool == nil {
		return &HealthStatus{Error: errNilPool.Error()}
	}

	start := time.Now()
	err := pool.Ping(ctx)
	status := &HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Error = fmt.Sprintf("ping failed: %v", err)
		return status
	}

	stats := pool.Stat()
	status.Healthy = true
	status.TotalConns = stats.TotalConns()
	status.IdleConns = stats.IdleConns()
	status.AcquiredConns = stats.AcquiredConns()
	return status
}

// WaitForReady pings until the database answers or ctx is done.
func WaitForReady(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) error {
	if pool == nil {
		return errNilPool
	}
	if pool.Ping(ctx) == nil {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if pool.Ping(ctx) == nil {
				return nil
			}
		}
	}
}
