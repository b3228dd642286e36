package cluster

import (
	"context"
	"math/rand"

	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// mirrorJob is one write message queued for fire-and-forget replay to a
// shadow cluster.
type mirrorJob struct {
	msgType byte
	payload []byte
}

// MirrorQueue copies a cluster's write traffic to one shadow target,
// grounded on original_source/pgdog/src/stats/mirror.rs's sampled async
// copy: a bounded channel, a single consumer goroutine, errors discarded.
// The target cluster is resolved lazily on each replay (rather than pinned
// at construction) so a mirror can name a database that reloads or hasn't
// finished building yet.
type MirrorQueue struct {
	target    UserKey
	exposure  float64
	databases *Databases
	jobs      chan mirrorJob
	done      chan struct{}
}

// newMirrorQueue starts the consumer goroutine for m, sized by queueSize
// (general.mirror_queue_size in configuration).
func newMirrorQueue(m Mirror, queueSize int, databases *Databases) *MirrorQueue {
	if queueSize <= 0 {
		queueSize = 1024
	}
	q := &MirrorQueue{
		target:    m.Target,
		exposure:  m.Exposure,
		databases: databases,
		jobs:      make(chan mirrorJob, queueSize),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Offer samples the write at q's exposure probability and, if selected,
// enqueues it for replay. A full queue drops the job rather than block the
// write path — mirroring is strictly best-effort.
func (q *MirrorQueue) Offer(msgType byte, payload []byte) {
	if q.exposure <= 0 {
		return
	}
	if q.exposure < 1 && rand.Float64() >= q.exposure {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case q.jobs <- mirrorJob{msgType: msgType, payload: cp}:
	default:
	}
}

// Close stops the consumer goroutine. Jobs already in flight are dropped.
func (q *MirrorQueue) Close() {
	close(q.done)
}

func (q *MirrorQueue) run() {
	for {
		select {
		case j := <-q.jobs:
			q.replay(j)
		case <-q.done:
			return
		}
	}
}

// replay opens a connection to the mirror target's first shard, forwards
// the original message verbatim, and drains the response. Any error — no
// such cluster, checkout timeout, a protocol error from the mirror itself —
// is discarded; mirroring never surfaces a failure to the client whose
// write it copied.
func (q *MirrorQueue) replay(j mirrorJob) {
	target, ok := q.databases.Resolve(q.target)
	if !ok || len(target.Shards) == 0 {
		return
	}
	shard := target.Shards[0]

	conn, err := shard.Primary.Get(context.Background())
	if err != nil {
		return
	}
	defer shard.Primary.Put(conn, pool.Counts{}, false)

	if err := wire.WriteMessage(conn.Conn(), j.msgType, j.payload); err != nil {
		return
	}
	for {
		resp, err := wire.ReadMessage(conn.Conn(), wire.FromServer)
		if err != nil {
			return
		}
		if resp.Type == wire.ReadyForQuery {
			_ = conn.ObserveReadyForQuery(resp.Payload[0])
			return
		}
	}
}
