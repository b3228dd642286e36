// Package lb implements the primary/replica load balancer: read/write
// split policies, Random/RoundRobin target selection, and a background
// health monitor ticker loop that bans and unbans targets.
package lb

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/pgerr"
)

var errHealthCheckFailed = fmt.Errorf("health check failed")

// Role distinguishes a primary from a replica target.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// ReadWriteSplit mirrors config.ReadWriteSplit without importing config,
// keeping this package free of a dependency on the config package.
type ReadWriteSplit string

const (
	SplitIncludePrimary                ReadWriteSplit = "include_primary"
	SplitExcludePrimary                ReadWriteSplit = "exclude_primary"
	SplitIncludePrimaryIfReplicaBanned ReadWriteSplit = "include_primary_if_replica_banned"
)

// Strategy selects among candidate targets.
type Strategy string

const (
	Random     Strategy = "random"
	RoundRobin Strategy = "round_robin"
)

// Target is one pool participating in a load balancer, tagged with its role
// and current health.
type Target struct {
	Pool    *pool.Pool
	Role    Role
	healthy atomic.Bool
	breaker *gobreaker.CircuitBreaker
}

// Healthy reports the target's last-observed health state.
func (t *Target) Healthy() bool { return t.healthy.Load() }

// SetHealthy updates the target's observed health state.
func (t *Target) SetHealthy(v bool) { t.healthy.Store(v) }

// breakerConsecutiveFailures trips a target's breaker after this many
// failed probes in a row, mirroring the teacher's ban-after-repeated-
// failure behavior but through gobreaker's half-open/reset bookkeeping
// instead of a hand-rolled counter.
const breakerConsecutiveFailures = 3

func newTargetBreaker(name string, resetTimeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerConsecutiveFailures
		},
	})
}

// Balancer picks a target pool for a read or write request.
type Balancer struct {
	mu      sync.Mutex
	targets []*Target
	primary *Target

	split      ReadWriteSplit
	strategy   Strategy
	banTimeout time.Duration

	rrCounter atomic.Uint64

	monitorCancel context.CancelFunc
}

// New builds a Balancer over targets, at most one of which has
// Role == RolePrimary; without a primary target, writes have no candidate.
func New(targets []*Target, split ReadWriteSplit, strategy Strategy, banTimeout time.Duration) *Balancer {
	b := &Balancer{targets: targets, split: split, strategy: strategy, banTimeout: banTimeout}
	for _, t := range targets {
		t.SetHealthy(true)
		addr := t.Pool.Addr()
		t.breaker = newTargetBreaker(fmt.Sprintf("%s:%d/%s", addr.Host, addr.Port, t.Role), banTimeout)
		if t.Role == RolePrimary {
			b.primary = t
		}
	}
	return b
}

// candidates computes the read/write-split-adjusted, then ban-filtered,
// candidate list for a request of the given write-intent.
func (b *Balancer) candidates(write bool) []*Target {
	b.mu.Lock()
	defer b.mu.Unlock()

	var base []*Target
	if write {
		if b.primary == nil {
			return nil
		}
		return []*Target{b.primary}
	}

	switch b.split {
	case SplitIncludePrimary:
		base = b.targets
	case SplitIncludePrimaryIfReplicaBanned:
		anyBanned := false
		for _, t := range b.targets {
			if t.Role == RoleReplica && t.Pool.Banned() {
				anyBanned = true
				break
			}
		}
		if anyBanned {
			base = b.targets
		} else {
			base = excludeRole(b.targets, RolePrimary)
		}
	default: // SplitExcludePrimary
		base = excludeRole(b.targets, RolePrimary)
	}

	var unbanned []*Target
	for _, t := range base {
		if !t.Pool.Banned() {
			unbanned = append(unbanned, t)
		}
	}
	if len(unbanned) == 0 {
		// Serve stale over total unavailability.
		return base
	}
	return unbanned
}

func excludeRole(targets []*Target, role Role) []*Target {
	var out []*Target
	for _, t := range targets {
		if t.Role != role {
			out = append(out, t)
		}
	}
	return out
}

func (b *Balancer) pick(candidates []*Target) *Target {
	if len(candidates) == 0 {
		return nil
	}
	switch b.strategy {
	case RoundRobin:
		idx := b.rrCounter.Add(1) % uint64(len(candidates))
		return candidates[idx]
	default:
		return candidates[rand.Intn(len(candidates))]
	}
}

// Get checks out a server for a request of the given write-intent, trying
// each candidate in turn (after one full revolution, NoReplica is returned).
func (b *Balancer) Get(ctx context.Context, write bool) (*backend.Server, *Target, error) {
	candidates := b.candidates(write)
	if len(candidates) == 0 {
		return nil, nil, pgerr.Wrap(pgerr.KindPool, "no target available", pgerr.ErrNoReplica)
	}

	tried := make(map[*Target]bool, len(candidates))
	for len(tried) < len(candidates) {
		remaining := make([]*Target, 0, len(candidates))
		for _, t := range candidates {
			if !tried[t] {
				remaining = append(remaining, t)
			}
		}
		t := b.pick(remaining)
		if t == nil {
			break
		}
		tried[t] = true
		s, err := t.Pool.Get(ctx)
		if err == nil {
			return s, t, nil
		}
	}
	return nil, nil, pgerr.Wrap(pgerr.KindPool, "all targets exhausted", pgerr.ErrNoReplica)
}

// Targets returns the balancer's target list, for status reporting.
func (b *Balancer) Targets() []*Target { return b.targets }

// StartMonitor launches the background health-monitor loop, ticking every
// ~333ms: expired bans on healthy targets are cleared, unhealthy targets
// with a healthy peer are banned, and if every target is unhealthy all bans
// are cleared (serve stale over total unavailability).
func (b *Balancer) StartMonitor(checkHealth func(*Target) bool) {
	ctx, cancel := context.WithCancel(context.Background())
	b.monitorCancel = cancel
	go b.monitorLoop(ctx, checkHealth)
}

func (b *Balancer) monitorLoop(ctx context.Context, checkHealth func(*Target) bool) {
	if len(b.targets) <= 1 || b.banTimeout == 0 {
		return
	}
	ticker := time.NewTicker(333 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(checkHealth)
		}
	}
}

// tick runs each target's probe through its circuit breaker: a target stays
// "closed" (healthy) until breakerConsecutiveFailures probes fail in a row,
// at which point the breaker trips open and the pool is banned until the
// breaker's Timeout lets a half-open probe through again.
func (b *Balancer) tick(checkHealth func(*Target) bool) {
	healthyCount := 0
	for _, t := range b.targets {
		_, err := t.breaker.Execute(func() (any, error) {
			if checkHealth(t) {
				return nil, nil
			}
			return nil, errHealthCheckFailed
		})
		healthy := err == nil
		t.SetHealthy(healthy)
		if healthy {
			healthyCount++
		}
	}

	if healthyCount == 0 {
		for _, t := range b.targets {
			t.Pool.Unban()
		}
		return
	}

	for _, t := range b.targets {
		switch t.breaker.State() {
		case gobreaker.StateOpen:
			if !t.Pool.Banned() {
				t.Pool.Ban(fmt.Sprintf("health check failed for %s target", t.Role))
			}
		default:
			if t.Pool.Banned() {
				t.Pool.Unban()
			}
		}
	}
}

// StopMonitor signals the monitor loop to exit on its next wakeup.
func (b *Balancer) StopMonitor() {
	if b.monitorCancel != nil {
		b.monitorCancel()
	}
}
