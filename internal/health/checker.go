// Package health probes load-balancer targets with a real SELECT 1 over a
// pool-acquired connection, smoothing transient failures behind a
// consecutive-failure threshold before lb.Balancer's own ticker loop bans
// or unbans a target.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/metrics"
	"github.com/pgdogdev/pgdog/internal/wire"
)

const defaultFailureThreshold = 3

// Checker drives lb.Balancer.StartMonitor's checkHealth callback.
type Checker struct {
	mu    sync.Mutex
	state map[*lb.Target]*targetState

	timeout   time.Duration
	threshold int
	metrics   *metrics.Collector
}

type targetState struct {
	consecutiveFailures int
	lastError           string
}

// New builds a Checker from general settings. m may be nil.
func New(general config.General, m *metrics.Collector) *Checker {
	timeout := general.HealthcheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		state:     make(map[*lb.Target]*targetState),
		timeout:   timeout,
		threshold: defaultFailureThreshold,
		metrics:   m,
	}
}

// CheckHealth is the func(*lb.Target) bool callback passed to
// lb.Balancer.StartMonitor.
func (c *Checker) CheckHealth(t *lb.Target) bool {
	start := time.Now()
	ok := c.probe(t)
	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(string(t.Role), time.Since(start), ok)
	}
	return c.record(t, ok)
}

// probe checks out a connection from t.Pool, sends SELECT 1, and waits for
// ReadyForQuery — a full protocol round trip, not just a TCP dial.
func (c *Checker) probe(t *lb.Target) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	s, err := t.Pool.Get(ctx)
	if err != nil {
		c.setLastError(t, err.Error())
		if c.metrics != nil {
			c.metrics.HealthCheckError(string(t.Role), "checkout_failed")
		}
		return false
	}

	healthy := pingSelectOne(s, c.timeout)
	if !healthy {
		c.setLastError(t, "SELECT 1 health probe failed")
		if c.metrics != nil {
			c.metrics.HealthCheckError(string(t.Role), "probe_failed")
		}
	}
	t.Pool.Put(s, pool.Counts{}, !healthy)
	return healthy
}

func pingSelectOne(s *backend.Server, timeout time.Duration) bool {
	conn := s.Conn()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := wire.WriteMessage(conn, wire.Query, append([]byte("SELECT 1"), 0)); err != nil {
		return false
	}
	for {
		msg, err := wire.ReadMessage(conn, wire.FromServer)
		if err != nil {
			return false
		}
		switch msg.Type {
		case wire.ErrorResponse:
			return false
		case wire.ReadyForQuery:
			return len(msg.Payload) > 0 && msg.Payload[0] != byte(backend.TxError)
		}
	}
}

func (c *Checker) setLastError(t *lb.Target, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getOrCreate(t).lastError = msg
}

// record applies the consecutive-failure threshold: a single failed probe
// doesn't flip the target unhealthy, avoiding flapping on a slow query.
func (c *Checker) record(t *lb.Target, ok bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.getOrCreate(t)
	if ok {
		if st.consecutiveFailures > 0 {
			slog.Info("target recovered", "role", t.Role)
		}
		st.consecutiveFailures = 0
		st.lastError = ""
		return true
	}

	st.consecutiveFailures++
	if st.consecutiveFailures >= c.threshold {
		slog.Warn("target marked unhealthy", "role", t.Role, "failures", st.consecutiveFailures, "error", st.lastError)
		return false
	}
	return true
}

func (c *Checker) getOrCreate(t *lb.Target) *targetState {
	st, ok := c.state[t]
	if !ok {
		st = &targetState{}
		c.state[t] = st
	}
	return st
}
