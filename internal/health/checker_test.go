package health

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/wire"
)

func testPoolConfig() pool.Config {
	return pool.Config{
		MinSize:         0,
		MaxSize:         2,
		CheckoutTimeout: 200 * time.Millisecond,
		IdleTimeout:     time.Minute,
		MaxAge:          time.Hour,
		BanTimeout:      100 * time.Millisecond,
		ConnectTimeout:  time.Second,
		ConnectAttempts: 1,
	}
}

// newFakeTarget wires a pool whose dialer hands out backend.Server values
// backed by net.Pipe, with respond driving the simulated backend side of
// the pipe for every connection the pool dials.
func newFakeTarget(t *testing.T, respond func(conn net.Conn)) *lb.Target {
	t.Helper()
	p := pool.New(backend.Address{Host: "localhost", Port: 5432}, testPoolConfig())
	var pid uint32
	p.SetDialerForTest(func() (*backend.Server, error) {
		pid++
		client, srv := net.Pipe()
		t.Cleanup(func() { srv.Close() })
		go respond(srv)
		return backend.NewTestServer(client, backend.BackendKeyData{PID: pid}), nil
	})
	return &lb.Target{Pool: p, Role: lb.RolePrimary}
}

// respondHealthy answers one SELECT 1 with a DataRow, CommandComplete and
// a ReadyForQuery('I'), the shape probe() expects on success.
func respondHealthy(conn net.Conn) {
	if _, err := wire.ReadMessage(conn, wire.FromClient); err != nil {
		return
	}
	row := []byte{0, 1, 0, 0, 0, 1, '1'}
	_ = wire.WriteMessage(conn, wire.DataRow, row)
	_ = wire.WriteMessage(conn, wire.CommandComplete, append([]byte("SELECT 1"), 0))
	_ = wire.WriteMessage(conn, wire.ReadyForQuery, []byte{byte(backend.TxIdle)})
}

// respondError answers with an ErrorResponse instead of a successful probe.
func respondError(conn net.Conn) {
	if _, err := wire.ReadMessage(conn, wire.FromClient); err != nil {
		return
	}
	_ = wire.WriteMessage(conn, wire.ErrorResponse, wire.BuildErrorResponse("ERROR", "08006", "connection failure"))
}

// respondHangUp closes the connection without answering, simulating a dead
// backend.
func respondHangUp(conn net.Conn) {
	_, _ = wire.ReadMessage(conn, wire.FromClient)
	conn.Close()
}

func TestCheckHealthSuccess(t *testing.T) {
	target := newFakeTarget(t, respondHealthy)
	c := New(config.General{HealthcheckTimeout: time.Second}, nil)

	if ok := c.CheckHealth(target); !ok {
		t.Fatal("expected healthy result")
	}
}

func TestCheckHealthSingleFailureStaysHealthy(t *testing.T) {
	target := newFakeTarget(t, respondError)
	c := New(config.General{HealthcheckTimeout: time.Second}, nil)

	if ok := c.CheckHealth(target); !ok {
		t.Fatal("expected a single failed probe to stay under the threshold")
	}
}

func TestCheckHealthConsecutiveFailuresFlipUnhealthy(t *testing.T) {
	target := newFakeTarget(t, respondHangUp)
	c := New(config.General{HealthcheckTimeout: 200 * time.Millisecond}, nil)
	c.threshold = 3

	var last bool
	for i := 0; i < 3; i++ {
		last = c.CheckHealth(target)
	}
	if last {
		t.Fatal("expected target to flip unhealthy after reaching the failure threshold")
	}
}

func TestCheckHealthRecoversAfterFailure(t *testing.T) {
	target := newFakeTarget(t, respondError)
	c := New(config.General{HealthcheckTimeout: time.Second}, nil)
	c.threshold = 2

	if ok := c.CheckHealth(target); !ok {
		t.Fatal("expected first failure to stay healthy under threshold 2")
	}
	if c.state[target].consecutiveFailures != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", c.state[target].consecutiveFailures)
	}

	healthyTarget := newFakeTarget(t, respondHealthy)
	c.mu.Lock()
	c.state[healthyTarget] = c.state[target]
	c.mu.Unlock()

	if ok := c.CheckHealth(healthyTarget); !ok {
		t.Fatal("expected a successful probe to recover the target")
	}
	if c.state[healthyTarget].consecutiveFailures != 0 {
		t.Fatalf("expected consecutiveFailures reset to 0, got %d", c.state[healthyTarget].consecutiveFailures)
	}
}

func TestCheckHealthCheckoutFailure(t *testing.T) {
	p := pool.New(backend.Address{Host: "localhost", Port: 1}, testPoolConfig())
	p.SetDialerForTest(func() (*backend.Server, error) {
		return nil, errors.New("connection refused")
	})
	target := &lb.Target{Pool: p, Role: lb.RoleReplica}

	c := New(config.General{HealthcheckTimeout: 200 * time.Millisecond}, nil)
	c.threshold = 1
	if ok := c.CheckHealth(target); ok {
		t.Fatal("expected checkout failure to report unhealthy")
	}
}

func TestCheckHealthMetricsCollectorOptional(t *testing.T) {
	target := newFakeTarget(t, respondHealthy)
	c := New(config.General{}, nil)
	if ok := c.CheckHealth(target); !ok {
		t.Fatal("expected healthy result with nil metrics collector and default timeout")
	}
}
