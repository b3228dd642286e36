// Package cluster holds the Cluster/Shard/Databases registry: the
// composition of per-role connection pools and load balancers into the
// horizontally-sharded fleet a (user, database) pair routes against, kept
// behind an atomic snapshot so reloads never block an in-flight checkout.
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/lb"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
)

// UserKey identifies a cluster by (user, database) equality.
type UserKey struct {
	User     string
	Database string
}

// Shard is one shard of a sharded database: one primary pool, zero or more
// replica pools, and the load balancer spanning them.
type Shard struct {
	Index    int
	Primary  *pool.Pool
	Replicas []*pool.Pool
	Balancer *lb.Balancer
}

// Mirror names a shadow cluster key and the sampling probability applied to
// traffic forwarded to it.
type Mirror struct {
	Target   UserKey
	Exposure float64
}

// Cluster is a vector of shards plus per-cluster settings (pooler mode,
// timeouts, rewrite settings) and mirror targets.
type Cluster struct {
	Key    UserKey
	Shards []*Shard

	PoolerMode             string
	CrossShardDisabled     bool
	TwoPhaseCommit         bool
	RewriteShardKeyUpdates string

	Mirrors      []Mirror
	MirrorQueues []*MirrorQueue
}

// ShardCount returns the number of shards in this cluster.
func (c *Cluster) ShardCount() int { return len(c.Shards) }

// Launch marks every pool in the cluster online and starts its balancer's
// health monitor.
func (c *Cluster) Launch(checkHealth func(*lb.Target) bool) {
	for _, sh := range c.Shards {
		sh.Primary.Launch()
		for _, r := range sh.Replicas {
			r.Launch()
		}
		if sh.Balancer != nil {
			sh.Balancer.StartMonitor(checkHealth)
		}
	}
}

// Shutdown detaches (does not force-close) every pool in the cluster.
func (c *Cluster) Shutdown() {
	for _, sh := range c.Shards {
		if sh.Balancer != nil {
			sh.Balancer.StopMonitor()
		}
		sh.Primary.Shutdown()
		for _, r := range sh.Replicas {
			r.Shutdown()
		}
	}
	for _, q := range c.MirrorQueues {
		q.Close()
	}
}

// structurallyCompatible reports whether two clusters have the same shard
// count, pool addresses, and roles, making move_conns_to safe between them.
func structurallyCompatible(old, new *Cluster) bool {
	if old.ShardCount() != new.ShardCount() {
		return false
	}
	for i := range old.Shards {
		if len(old.Shards[i].Replicas) != len(new.Shards[i].Replicas) {
			return false
		}
		if old.Shards[i].Primary.Addr() != new.Shards[i].Primary.Addr() {
			return false
		}
		for j, r := range old.Shards[i].Replicas {
			if r.Addr() != new.Shards[i].Replicas[j].Addr() {
				return false
			}
		}
	}
	return true
}

// moveConns hands off live connections from every pool in old to the
// corresponding pool in new, shard-by-shard and role-by-role.
func moveConns(old, new *Cluster) {
	for i, oldShard := range old.Shards {
		newShard := new.Shards[i]
		oldShard.Primary.MoveConnsTo(newShard.Primary)
		for j, oldReplica := range oldShard.Replicas {
			if j < len(newShard.Replicas) {
				oldReplica.MoveConnsTo(newShard.Replicas[j])
			}
		}
	}
}

// snapshot is the immutable registry contents swapped atomically on reload.
type snapshot struct {
	clusters map[UserKey]*Cluster
	paused   map[UserKey]bool
}

// Databases is the process-wide, atomically-swapped map of UserKey to
// Cluster (paused state carried across reload).
type Databases struct {
	value atomic.Value // holds *snapshot
	wmu   sync.Mutex   // serializes builders
}

// NewDatabases creates an empty registry.
func NewDatabases() *Databases {
	d := &Databases{}
	d.value.Store(&snapshot{
		clusters: make(map[UserKey]*Cluster),
		paused:   make(map[UserKey]bool),
	})
	return d
}

func (d *Databases) load() *snapshot { return d.value.Load().(*snapshot) }

func (d *Databases) cloneSnap() *snapshot {
	s := d.load()
	next := &snapshot{
		clusters: make(map[UserKey]*Cluster, len(s.clusters)),
		paused:   make(map[UserKey]bool, len(s.paused)),
	}
	for k, v := range s.clusters {
		next.clusters[k] = v
	}
	for k, v := range s.paused {
		next.paused[k] = v
	}
	return next
}

// Resolve looks up the cluster for key.
func (d *Databases) Resolve(key UserKey) (*Cluster, bool) {
	s := d.load()
	c, ok := s.clusters[key]
	return c, ok
}

// IsPaused reports whether key's cluster is administratively paused.
func (d *Databases) IsPaused(key UserKey) bool {
	return d.load().paused[key]
}

// ReplaceDatabases implements the registry reload algorithm:
//  1. take the write mutex.
//  2. (reload) for each old cluster with a structurally compatible
//     successor, move_conns_to hands off live connections.
//  3. launch() every pool in the new registry.
//  4. atomically publish the new snapshot.
//  5. shutdown() every pool in the old registry.
func (d *Databases) ReplaceDatabases(clusters map[UserKey]*Cluster, reload bool, checkHealth func(*lb.Target) bool) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	old := d.load()

	if reload {
		for key, newCluster := range clusters {
			if oldCluster, ok := old.clusters[key]; ok && structurallyCompatible(oldCluster, newCluster) {
				moveConns(oldCluster, newCluster)
			}
		}
	}

	for _, c := range clusters {
		c.Launch(checkHealth)
	}

	next := &snapshot{
		clusters: clusters,
		paused:   make(map[UserKey]bool, len(old.paused)),
	}
	for key, p := range old.paused {
		if _, stillExists := clusters[key]; stillExists && p {
			next.paused[key] = true
		}
	}
	d.value.Store(next)

	for key, oldCluster := range old.clusters {
		if newCluster, stillExists := clusters[key]; !stillExists || newCluster != oldCluster {
			oldCluster.Shutdown()
		}
	}
}

// Add merges a single freshly built cluster into the existing registry,
// leaving sibling clusters untouched.
func (d *Databases) Add(key UserKey, c *Cluster, checkHealth func(*lb.Target) bool) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	c.Launch(checkHealth)
	next := d.cloneSnap()
	next.clusters[key] = c
	d.value.Store(next)
}

// Remove shuts down and deletes key's cluster.
func (d *Databases) Remove(key UserKey) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	next := d.cloneSnap()
	if c, ok := next.clusters[key]; ok {
		c.Shutdown()
	}
	delete(next.clusters, key)
	delete(next.paused, key)
	d.value.Store(next)
}

// Pause marks key's cluster paused.
func (d *Databases) Pause(key UserKey) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	next := d.cloneSnap()
	next.paused[key] = true
	d.value.Store(next)
}

// Resume clears a pause.
func (d *Databases) Resume(key UserKey) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	next := d.cloneSnap()
	delete(next.paused, key)
	d.value.Store(next)
}

// ListKeys returns every UserKey currently registered.
func (d *Databases) ListKeys() []UserKey {
	s := d.load()
	keys := make([]UserKey, 0, len(s.clusters))
	for k := range s.clusters {
		keys = append(keys, k)
	}
	return keys
}

// CancelClient issues an out-of-band CancelRequest for the upstream
// connection identified by key at addr. It does not look up which server a
// client holds; the caller supplies both. Idempotent.
func (c *Cluster) CancelClient(addr backend.Address, key backend.BackendKeyData, timeout time.Duration) error {
	return pool.Cancel(addr, key, timeout)
}
