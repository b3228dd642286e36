// Package twopc coordinates a two-phase commit across the shard
// connections participating in a cross-shard write, used by the rewrite
// layer's key-migration plan and by any statement the router decided must
// touch more than one shard inside a single transaction.
package twopc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pgdogdev/pgdog/internal/pgerr"
)

// Participant is the minimal surface a backend connection needs for 2PC:
// run a statement and report any error.
type Participant interface {
	Exec(ctx context.Context, sql string) error
}

// Transaction coordinates PREPARE TRANSACTION / COMMIT PREPARED across a
// set of shard participants, named "<txnID>_<shard>" per participant so
// concurrent migrations never collide on the prepared-transaction name.
type Transaction struct {
	id           string
	participants map[int]Participant
}

// New starts a coordinated transaction with a fresh random ID.
func New() *Transaction {
	return &Transaction{id: uuid.NewString(), participants: make(map[int]Participant)}
}

// Join adds a shard's connection to the transaction. The caller is
// responsible for having already issued BEGIN on p.
func (tx *Transaction) Join(shard int, p Participant) {
	tx.participants[shard] = p
}

func (tx *Transaction) prepareName(shard int) string {
	return fmt.Sprintf("%s_%d", tx.id, shard)
}

// Commit runs phase one (PREPARE TRANSACTION on every participant) and,
// only if every participant prepares successfully, phase two (COMMIT
// PREPARED on every participant). If any participant fails to prepare, the
// transaction is all-or-nothing: every participant that did prepare is
// rolled back via ROLLBACK PREPARED instead of committed.
func (tx *Transaction) Commit(ctx context.Context) error {
	if len(tx.participants) == 0 {
		return nil
	}
	if len(tx.participants) == 1 {
		// A single-shard write needs no 2PC; commit it directly.
		for shard, p := range tx.participants {
			if err := p.Exec(ctx, "COMMIT"); err != nil {
				return pgerr.Wrap(pgerr.KindUpstream, fmt.Sprintf("commit shard %d", shard), err)
			}
		}
		return nil
	}

	prepared, err := tx.phaseOne(ctx)
	if err != nil {
		tx.rollbackPrepared(context.Background(), prepared)
		return err
	}
	return tx.phaseTwo(ctx)
}

func (tx *Transaction) phaseOne(ctx context.Context) ([]int, error) {
	g, gctx := errgroup.WithContext(ctx)
	prepared := make(chan int, len(tx.participants))
	for shard, p := range tx.participants {
		shard, p := shard, p
		g.Go(func() error {
			sql := fmt.Sprintf("PREPARE TRANSACTION '%s'", tx.prepareName(shard))
			if err := p.Exec(gctx, sql); err != nil {
				return pgerr.Wrap(pgerr.KindUpstream, fmt.Sprintf("prepare shard %d", shard), err)
			}
			prepared <- shard
			return nil
		})
	}
	err := g.Wait()
	close(prepared)
	var done []int
	for shard := range prepared {
		done = append(done, shard)
	}
	return done, err
}

func (tx *Transaction) phaseTwo(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for shard, p := range tx.participants {
		shard, p := shard, p
		g.Go(func() error {
			sql := fmt.Sprintf("COMMIT PREPARED '%s'", tx.prepareName(shard))
			if err := p.Exec(gctx, sql); err != nil {
				// Phase two failures are not retried here: the prepared
				// transaction survives on the server and an operator (or
				// a recovery sweep) must resolve it manually, because
				// rolling it back now could leave shards inconsistent if
				// some COMMIT PREPARED calls already landed.
				return pgerr.Wrap(pgerr.KindUpstream, fmt.Sprintf("commit prepared shard %d", shard), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (tx *Transaction) rollbackPrepared(ctx context.Context, shards []int) {
	for _, shard := range shards {
		p, ok := tx.participants[shard]
		if !ok {
			continue
		}
		sql := fmt.Sprintf("ROLLBACK PREPARED '%s'", tx.prepareName(shard))
		_ = p.Exec(ctx, sql)
	}
}
