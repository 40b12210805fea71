package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStatsCollector exports pgxpool statistics, read on every scrape.
type PoolStatsCollector struct {
	pool *pgxpool.Pool

	totalConns    *prometheus.Desc
	idleConns     *prometheus.Desc
	acquiredConns *prometheus.Desc
	maxConns      *prometheus.Desc
	acquireTotal  *prometheus.Desc
	emptyAcquires *prometheus.Desc
}

// NewPoolStatsCollector creates a collector for pool. serviceName becomes a
// constant label.
func NewPoolStatsCollector(pool *pgxpool.Pool, namespace, serviceName string) *PoolStatsCollector {
	labels := prometheus.Labels{"service": serviceName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "db_pool", name), help, nil, labels)
	}
	return &PoolStatsCollector{
		pool:          pool,
		totalConns:    desc("total_conns", "Connections currently open in the pool."),
		idleConns:     desc("idle_conns", "Idle connections in the pool."),
		acquiredConns: desc("acquired_conns", "Connections currently checked out of the pool."),
		maxConns:      desc("max_conns", "Maximum connections allowed in the pool."),
		acquireTotal:  desc("acquires_total", "Successful connection acquisitions."),
		emptyAcquires: desc("empty_acquires_total", "Acquisitions that had to wait for a connection."),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.acquiredConns
	ch <- c.maxConns
	ch <- c.acquireTotal
	ch <- c.emptyAcquires
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	s := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.acquiredConns, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquireTotal, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
}

// RegisterPoolStats registers a collector for pool with reg. Registering the
// same collector twice is not an error.
func RegisterPoolStats(reg prometheus.Registerer, pool *pgxpool.Pool, namespace, serviceName string) (*PoolStatsCollector, error) {
	collector := NewPoolStatsCollector(pool, namespace, serviceName)
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
	}
	return collector, nil
}
