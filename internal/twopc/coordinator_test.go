package twopc

import (
	"context"
	"errors"
	"testing"
)

type fakeParticipant struct {
	execs    []string
	failOn   string
	execFail error
}

func (f *fakeParticipant) Exec(ctx context.Context, sql string) error {
	f.execs = append(f.execs, sql)
	if f.failOn != "" && contains(sql, f.failOn) {
		return f.execFail
	}
	return nil
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestCommitSingleParticipantSkipsTwoPC(t *testing.T) {
	tx := New()
	p := &fakeParticipant{}
	tx.Join(0, p)
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(p.execs) != 1 || p.execs[0] != "COMMIT" {
		t.Fatalf("expected a plain COMMIT for a single participant, got %v", p.execs)
	}
}

func TestCommitMultiParticipantPreparesAndCommits(t *testing.T) {
	tx := New()
	p0 := &fakeParticipant{}
	p1 := &fakeParticipant{}
	tx.Join(0, p0)
	tx.Join(1, p1)
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for _, p := range []*fakeParticipant{p0, p1} {
		if len(p.execs) != 2 {
			t.Fatalf("expected PREPARE then COMMIT PREPARED, got %v", p.execs)
		}
	}
}

func TestCommitRollsBackOnPrepareFailure(t *testing.T) {
	tx := New()
	p0 := &fakeParticipant{}
	p1 := &fakeParticipant{failOn: "PREPARE TRANSACTION", execFail: errors.New("boom")}
	tx.Join(0, p0)
	tx.Join(1, p1)
	if err := tx.Commit(context.Background()); err == nil {
		t.Fatal("expected Commit to fail when one participant can't prepare")
	}
	found := false
	for _, sql := range p0.execs {
		if contains(sql, "ROLLBACK PREPARED") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the successfully prepared participant to be rolled back, got %v", p0.execs)
	}
}
