// Package metrics registers and updates the Prometheus gauges/counters/
// histograms the proxy exposes: per-shard pool occupancy, health-check
// results, and transaction-pooling behavior (session pins, resets, dirty
// disconnects).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric the proxy exposes, registered on
// an independent registry so repeated construction (tests, config reload)
// never collides with a prior instance.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	targetHealth       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_connections_active",
				Help: "Checked-out connections per database/shard/role",
			},
			[]string{"database", "shard", "role"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_connections_idle",
				Help: "Idle connections per database/shard/role",
			},
			[]string{"database", "shard", "role"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_connections_total",
				Help: "Total connections (idle + checked out) per database/shard/role",
			},
			[]string{"database", "shard", "role"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_connections_waiting",
				Help: "Goroutines waiting for a connection per database/shard/role",
			},
			[]string{"database", "shard", "role"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_query_duration_seconds",
				Help:    "Duration of proxied sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"database"},
		),
		targetHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgdog_target_health",
				Help: "Health of a load-balancer target (1=healthy, 0=unhealthy)",
			},
			[]string{"role"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_pool_exhausted_total",
				Help: "Checkout timeouts per database/shard/role",
			},
			[]string{"database", "shard", "role"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"role", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"role", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_transaction_duration_seconds",
				Help:    "Duration from backend checkout to check-in per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgdog_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Get()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_session_pins_total",
				Help: "Session pin events in transaction-mode pooling",
			},
			[]string{"database", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_backend_resets_total",
				Help: "Backend DISCARD ALL reset results",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgdog_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring ROLLBACK",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.targetHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
	)

	return c
}

// QueryDuration observes a session duration.
func (c *Collector) QueryDuration(database string, d time.Duration) {
	c.queryDuration.WithLabelValues(database).Observe(d.Seconds())
}

// SetTargetHealth sets the health gauge for a load-balancer target role.
func (c *Collector) SetTargetHealth(role string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.targetHealth.WithLabelValues(role).Set(val)
}

// PoolExhausted increments the checkout-timeout counter for a shard/role.
func (c *Collector) PoolExhausted(database, shard, role string) {
	c.poolExhausted.WithLabelValues(database, shard, role).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(database, shard, role string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(database, shard, role).Set(float64(active))
	c.connectionsIdle.WithLabelValues(database, shard, role).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(database, shard, role).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(database, shard, role).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(role string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(role, status).Observe(d.Seconds())
	c.SetTargetHealth(role, healthy)
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(role, errorType string) {
	c.healthCheckErrors.WithLabelValues(role, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database).Inc()
	c.transactionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(database, reason string) {
	c.sessionPinsTotal.WithLabelValues(database, reason).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(database string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// RemoveDatabase removes all metrics series for a (user, database) pair
// that was dropped from configuration.
func (c *Collector) RemoveDatabase(database string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"database": database})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"database": database})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"database": database})
	c.poolExhausted.DeletePartialMatch(prometheus.Labels{"database": database})
	c.queryDuration.DeleteLabelValues(database)
	c.transactionsTotal.DeleteLabelValues(database)
	c.transactionDuration.DeleteLabelValues(database)
	c.acquireDuration.DeleteLabelValues(database)
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.dirtyDisconnects.DeleteLabelValues(database)
}
