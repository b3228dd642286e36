// Package pool implements the per-shard-role connection pool: idle/checked-
// out accounting, a FIFO waiter queue, min/max/age/idle eviction policies,
// bans, and the exact maybe_check_in ordering, generalized from the
// teacher's TenantPool to hold backend.Server connections instead of raw
// PooledConns.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/pgerr"
)

// Config is the subset of general/database settings a Pool needs.
type Config struct {
	MinSize         int
	MaxSize         int
	CheckoutTimeout time.Duration
	IdleTimeout     time.Duration
	MaxAge          time.Duration
	BanTimeout      time.Duration
	ConnectTimeout  time.Duration
	ConnectAttempts int
}

// Stats is a point-in-time snapshot of pool accounting.
type Stats struct {
	Idle      int
	CheckedOut int
	Total     int
	Waiting   int
	Exhausted int64
	Banned    bool
}

// waiter is an entry in the FIFO checkout queue.
type waiter struct {
	ch        chan result
	createdAt time.Time
}

type result struct {
	server *backend.Server
	err    error
}

// ban records a temporary pool-wide suspension.
type ban struct {
	reason string
	until  time.Time
}

// Pool manages the server connections for one shard role (a primary or one
// replica) within a cluster.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	addr backend.Address
	cfg  Config

	idle    []*backend.Server
	taken   map[backend.BackendKeyData]*backend.Server
	waiters []*waiter
	total   int

	online bool
	paused bool

	successor *Pool

	ban *ban

	exhausted int64

	dialer func(context.Context) (*backend.Server, error)
}

// New creates a pool for addr that dials with backend.Dial; tests replace
// the dial function (see SetDialerForTest).
func New(addr backend.Address, cfg Config) *Pool {
	p := &Pool{
		addr:   addr,
		cfg:    cfg,
		taken:  make(map[backend.BackendKeyData]*backend.Server),
		online: true,
	}
	p.cond = sync.NewCond(&p.mu)
	p.dialer = func(ctx context.Context) (*backend.Server, error) {
		return backend.Dial(p.cfg.ConnectTimeout, p.addr, nil)
	}
	return p
}

// shouldCreateReason names why should_create returned Yes.
type shouldCreateReason int

const (
	reasonNone shouldCreateReason = iota
	reasonClientWaiting
	reasonBelowMin
)

// shouldCreate implements the should_create decision: online, not paused,
// and either a client is waiting with no idle connections and room under
// max, or the pool is below its configured minimum.
func (p *Pool) shouldCreate() shouldCreateReason {
	if !p.online || p.paused {
		return reasonNone
	}
	if p.total < p.cfg.MaxSize && len(p.waiters) > 0 && len(p.idle) == 0 {
		return reasonClientWaiting
	}
	if p.total < p.cfg.MinSize && p.total < p.cfg.MaxSize {
		return reasonBelowMin
	}
	return reasonNone
}

// Get checks out a server: an idle one if available, else a newly-dialed
// one if should_create permits, else it enqueues and waits up to
// checkout_timeout.
func (p *Pool) Get(ctx context.Context) (*backend.Server, error) {
	deadline := time.Now().Add(p.cfg.CheckoutTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	if p.isBanned() {
		p.mu.Unlock()
		return nil, pgerr.Wrap(pgerr.KindPool, "pool banned", pgerr.ErrBanned)
	}
	if !p.online || p.paused {
		p.mu.Unlock()
		return nil, pgerr.Wrap(pgerr.KindPool, "pool offline", pgerr.ErrOffline)
	}

	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.cfg.MaxAge > 0 && s.Age() >= p.cfg.MaxAge {
			p.total--
			p.mu.Unlock()
			s.Terminate()
			p.mu.Lock()
			continue
		}
		p.taken[s.Key] = s
		p.mu.Unlock()
		return s, nil
	}

	// The caller joins the waiter queue before should_create is evaluated,
	// so it counts as a waiting client for the ClientWaiting branch.
	w := &waiter{ch: make(chan result, 1), createdAt: time.Now()}
	p.waiters = append(p.waiters, w)

	if reason := p.shouldCreate(); reason != reasonNone {
		p.waiters = p.waiters[:len(p.waiters)-1]
		p.total++
		p.mu.Unlock()
		s, err := p.connectWithRetry(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return nil, pgerr.Wrap(pgerr.KindPool, "connecting to upstream", err)
		}
		p.mu.Lock()
		p.taken[s.Key] = s
		p.mu.Unlock()
		return s, nil
	}

	p.exhausted++
	p.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-w.ch:
		return r.server, r.err
	case <-timer.C:
		p.removeWaiter(w)
		return nil, pgerr.Wrap(pgerr.KindPool, "checkout timeout", pgerr.ErrCheckoutTimeout)
	case <-ctx.Done():
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// connectWithRetry dials the upstream with exponential backoff, retrying up
// to cfg.ConnectAttempts times total.
func (p *Pool) connectWithRetry(ctx context.Context) (*backend.Server, error) {
	attempts := p.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := retry.NewExponential(100 * time.Millisecond)
	backoff = retry.WithCappedDuration(2*time.Second, backoff)
	backoff = retry.WithMaxRetries(uint64(attempts-1), backoff)

	var server *backend.Server
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, dialErr := p.dialer(ctx)
		if dialErr != nil {
			return retry.RetryableError(dialErr)
		}
		server = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return server, nil
}

// Counts folds per-call I/O counters into pool statistics on check-in.
type Counts struct {
	BytesIn, BytesOut int
}

// Put runs the exact maybe_check_in algorithm for a returning server s.
func (p *Pool) Put(s *backend.Server, counts Counts, serverErr bool) {
	p.mu.Lock()

	// 1. Successor redirection.
	if p.successor != nil && p.successor != p {
		succ := p.successor
		p.mu.Unlock()
		succ.Put(s, counts, serverErr)
		return
	}

	// 2. Remove from taken.
	delete(p.taken, s.Key)

	// 3. Counts folded into stats (bytes tracked on Server itself already).
	s.RecordQuery(counts.BytesIn, counts.BytesOut)

	// 4. Server-side error.
	if serverErr || s.State() == backend.StateError {
		p.total--
		p.mu.Unlock()
		s.Close()
		return
	}

	// 5. Pool offline or paused.
	if !p.online || p.paused {
		p.total--
		p.mu.Unlock()
		s.Close()
		return
	}

	// 6. Max age.
	if p.cfg.MaxAge > 0 && s.Age() >= p.cfg.MaxAge {
		p.total--
		p.mu.Unlock()
		s.Terminate()
		return
	}

	// 7. Force-closed servers never return to idle.
	if s.ForceClose() {
		p.total--
		p.mu.Unlock()
		s.Close()
		return
	}

	// 8. A server that entered replication mode can't leave it; it is
	// never eligible for reuse as a regular query connection.
	if s.ReplicationMode() {
		p.total--
		p.mu.Unlock()
		s.Close()
		return
	}

	// 9. Reset bookkeeping best-effort.
	if s.Dirty() || s.SchemaChanged() {
		if err := s.ResetAndReturn(); err != nil {
			p.total--
			p.mu.Unlock()
			s.Close()
			return
		}
	}

	// 10. Final eligibility check.
	if !s.CanCheckIn() {
		p.total--
		p.mu.Unlock()
		s.Close()
		return
	}

	p.handOffOrIdle(s)
	p.mu.Unlock()
}

// handOffOrIdle walks the waiter queue from the front, handing the server
// to the first live waiter; if none accept, it is appended to idle.
// Caller must hold p.mu.
func (p *Pool) handOffOrIdle(s *backend.Server) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.taken[s.Key] = s
		select {
		case w.ch <- result{server: s}:
			return
		default:
			// receiver already gone (timeout/cancel raced us)
			delete(p.taken, s.Key)
			continue
		}
	}
	p.idle = append(p.idle, s)
}

// isBanned reports whether the pool is currently under an active ban.
// Caller must hold p.mu.
func (p *Pool) isBanned() bool {
	if p.ban == nil {
		return false
	}
	if time.Now().After(p.ban.until) {
		p.ban = nil
		return false
	}
	return true
}

// Ban suspends new checkouts from this pool for the configured ban
// timeout, recording reason for observability.
func (p *Pool) Ban(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ban = &ban{reason: reason, until: time.Now().Add(p.cfg.BanTimeout)}
}

// Unban clears an active ban immediately.
func (p *Pool) Unban() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ban = nil
}

// Banned reports whether the pool is currently banned.
func (p *Pool) Banned() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isBanned()
}

// Shutdown marks the pool offline, drops idle connections, errors all
// waiters, and leaves checked-out servers to be closed on next return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.online = false
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.total -= len(idle)
	p.mu.Unlock()

	for _, s := range idle {
		s.Terminate()
	}
	for _, w := range waiters {
		select {
		case w.ch <- result{err: pgerr.Wrap(pgerr.KindPool, "pool shutting down", pgerr.ErrOffline)}:
		default:
		}
	}
}

// Launch marks the pool online. It starts no background maintenance:
// CloseIdle, CloseOld and MinFill run only when a caller invokes them.
func (p *Pool) Launch() {
	p.mu.Lock()
	p.online = true
	p.mu.Unlock()
}

// Pause stops the pool from issuing or accepting new checkouts without
// tearing down existing connections.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume clears a pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

// MoveConnsTo records a successor pool: subsequent Puts route into it, and
// this pool's idle list and taken table transfer by value immediately, for
// graceful rotation on config reload.
func (p *Pool) MoveConnsTo(other *Pool) error {
	if other == p {
		return fmt.Errorf("pool cannot be its own successor")
	}
	p.mu.Lock()
	idle := p.idle
	taken := p.taken
	p.idle = nil
	p.taken = make(map[backend.BackendKeyData]*backend.Server)
	p.successor = other
	p.mu.Unlock()

	other.mu.Lock()
	other.idle = append(other.idle, idle...)
	for k, v := range taken {
		other.taken[k] = v
	}
	other.total += len(idle) + len(taken)
	other.mu.Unlock()
	return nil
}

// CloseIdle closes idle connections that have sat past idle_timeout,
// bounded by can_remove = max(0, total-min_size): it never takes the pool
// below min_pool_size. Candidates are walked oldest-idle-first and each one
// decrements the running can_remove budget, so a single call can't evict
// more than the bound allows regardless of how many candidates qualify.
// The pool never calls it on its own.
func (p *Pool) CloseIdle() int {
	p.mu.Lock()
	canRemove := p.total - p.cfg.MinSize
	if canRemove < 0 {
		canRemove = 0
	}

	var kept []*backend.Server
	var evict []*backend.Server
	for _, s := range p.idle {
		if canRemove > 0 && p.cfg.IdleTimeout > 0 && s.IdleFor() > p.cfg.IdleTimeout {
			evict = append(evict, s)
			canRemove--
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
	p.total -= len(evict)
	p.mu.Unlock()

	for _, s := range evict {
		s.Terminate()
	}
	return len(evict)
}

// CloseOld unconditionally closes idle connections whose age has reached
// max_age, ignoring min_pool_size: an aged-out connection is removed even
// if that takes the pool below its minimum; a later MinFill call dials back
// up to it. The pool never calls it on its own.
func (p *Pool) CloseOld() int {
	if p.cfg.MaxAge <= 0 {
		return 0
	}

	p.mu.Lock()
	var kept []*backend.Server
	var evict []*backend.Server
	for _, s := range p.idle {
		if s.Age() >= p.cfg.MaxAge {
			evict = append(evict, s)
		} else {
			kept = append(kept, s)
		}
	}
	p.idle = kept
	p.total -= len(evict)
	p.mu.Unlock()

	for _, s := range evict {
		s.Terminate()
	}
	return len(evict)
}

// MinFill dials new connections up to min_pool_size when the pool has
// fallen below it, mirroring should_create's BelowMin branch proactively.
func (p *Pool) MinFill(ctx context.Context) {
	for {
		p.mu.Lock()
		reason := p.shouldCreate()
		if reason != reasonBelowMin {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		s, err := p.connectWithRetry(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		p.mu.Lock()
		p.handOffOrIdle(s)
		p.mu.Unlock()
	}
}

// Addr returns the upstream address this pool dials.
func (p *Pool) Addr() backend.Address { return p.addr }

// Stats returns a point-in-time snapshot of pool accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:       len(p.idle),
		CheckedOut: len(p.taken),
		Total:      p.total,
		Waiting:    len(p.waiters),
		Exhausted:  p.exhausted,
		Banned:     p.isBanned(),
	}
}

// Cancel opens a fresh TCP connection to addr and sends a CancelRequest for
// the given BackendKeyData, per the out-of-band cancellation protocol.
func Cancel(addr backend.Address, key backend.BackendKeyData, timeout time.Duration) error {
	return backend.SendCancelRequest(addr, key, timeout)
}
