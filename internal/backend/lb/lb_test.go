package lb

import (
	"context"
	"testing"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
)

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	cfg := pool.Config{MaxSize: 1, CheckoutTimeout: 100 * time.Millisecond, ConnectAttempts: 1, BanTimeout: time.Minute}
	p := pool.New(backend.Address{Host: "localhost", Port: 5432}, cfg)
	return p
}

func TestCandidatesExcludePrimaryDefault(t *testing.T) {
	primary := &Target{Pool: testPool(t), Role: RolePrimary}
	replica := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{primary, replica}, SplitExcludePrimary, RoundRobin, 0)

	candidates := b.candidates(false)
	if len(candidates) != 1 || candidates[0] != replica {
		t.Fatalf("expected only replica candidate, got %v", candidates)
	}
}

func TestCandidatesWriteAlwaysPrimary(t *testing.T) {
	primary := &Target{Pool: testPool(t), Role: RolePrimary}
	replica := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{primary, replica}, SplitExcludePrimary, RoundRobin, 0)

	candidates := b.candidates(true)
	if len(candidates) != 1 || candidates[0] != primary {
		t.Fatalf("expected only primary candidate for writes, got %v", candidates)
	}
}

func TestCandidatesIncludePrimaryIfReplicaBanned(t *testing.T) {
	primary := &Target{Pool: testPool(t), Role: RolePrimary}
	replica := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{primary, replica}, SplitIncludePrimaryIfReplicaBanned, RoundRobin, time.Minute)

	replica.Pool.Ban("forced for test")
	candidates := b.candidates(false)
	found := false
	for _, c := range candidates {
		if c == primary {
			found = true
		}
	}
	if !found {
		t.Fatal("expected primary included once replica is banned")
	}
}

func TestCandidatesFallBackToAllWhenAllBanned(t *testing.T) {
	r1 := &Target{Pool: testPool(t), Role: RoleReplica}
	r2 := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{r1, r2}, SplitExcludePrimary, RoundRobin, time.Minute)

	r1.Pool.Ban("x")
	r2.Pool.Ban("x")
	candidates := b.candidates(false)
	if len(candidates) != 2 {
		t.Fatalf("expected fallback to all candidates when all banned, got %d", len(candidates))
	}
}

func TestRoundRobinDistributes(t *testing.T) {
	r1 := &Target{Pool: testPool(t), Role: RoleReplica}
	r2 := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{r1, r2}, SplitExcludePrimary, RoundRobin, 0)

	picks := map[*Target]int{}
	for i := 0; i < 10; i++ {
		picks[b.pick([]*Target{r1, r2})]++
	}
	if picks[r1] == 0 || picks[r2] == 0 {
		t.Fatalf("expected round robin to hit both targets, got %v", picks)
	}
}

func TestMonitorTickBansUnhealthy(t *testing.T) {
	r1 := &Target{Pool: testPool(t), Role: RoleReplica}
	r2 := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{r1, r2}, SplitExcludePrimary, RoundRobin, time.Minute)

	for i := 0; i < breakerConsecutiveFailures; i++ {
		b.tick(func(t *Target) bool { return t != r2 })
	}
	if !r2.Pool.Banned() {
		t.Fatal("expected unhealthy target with a healthy peer to be banned after consecutive failures")
	}
	if r1.Pool.Banned() {
		t.Fatal("expected healthy target to remain unbanned")
	}
}

func TestMonitorTickUnbansWhenAllUnhealthy(t *testing.T) {
	r1 := &Target{Pool: testPool(t), Role: RoleReplica}
	r2 := &Target{Pool: testPool(t), Role: RoleReplica}
	b := New([]*Target{r1, r2}, SplitExcludePrimary, RoundRobin, time.Minute)

	r1.Pool.Ban("x")
	b.tick(func(t *Target) bool { return false })
	if r1.Pool.Banned() {
		t.Fatal("expected all-unhealthy tick to clear bans (serve stale over unavailability)")
	}
}

func TestGetNoTargetsAvailable(t *testing.T) {
	b := New(nil, SplitExcludePrimary, RoundRobin, 0)
	_, _, err := b.Get(context.Background(), false)
	if err == nil {
		t.Fatal("expected error when there are no candidates")
	}
}
