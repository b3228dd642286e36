package astutil

import "testing"

func TestAndFirstMatchWins(t *testing.T) {
	if got := And(Direct(2), Direct(5)); got.Kind != MatchDirect || got.One != 2 {
		t.Fatalf("expected first match to win, got %+v", got)
	}
	if got := And(None(), Direct(5)); got.Kind != MatchDirect || got.One != 5 {
		t.Fatalf("expected second match when first has no opinion, got %+v", got)
	}
	if got := And(All(), Direct(5)); got.Kind != MatchAll {
		t.Fatalf("expected a leading All to win the AND, got %+v", got)
	}
}

func TestOrUnion(t *testing.T) {
	got := Or(Direct(1), Direct(2))
	shards, ok := got.Shards()
	if !ok || len(shards) != 2 {
		t.Fatalf("expected union of two shards, got %+v", got)
	}
}

func TestOrAllDominates(t *testing.T) {
	if got := Or(All(), Direct(1)); got.Kind != MatchAll {
		t.Fatalf("expected All to dominate OR, got %+v", got)
	}
}

func TestOrNoneWidensToAll(t *testing.T) {
	if got := Or(None(), Direct(3)); got.Kind != MatchAll {
		t.Fatalf("expected a disjunct with no opinion to widen OR to All, got %+v", got)
	}
}

func TestSearchContextResolveSingleTable(t *testing.T) {
	ctx := &SearchContext{SingleTable: "users"}
	table, ok := ctx.ResolveTable("")
	if !ok || table != "users" {
		t.Fatalf("expected unqualified column to resolve to the sole FROM table, got %s/%v", table, ok)
	}
}

func TestSearchContextResolveAlias(t *testing.T) {
	ctx := &SearchContext{Aliases: map[string]string{"u": "users"}}
	table, ok := ctx.ResolveTable("u")
	if !ok || table != "users" {
		t.Fatalf("expected alias u to resolve to users, got %s/%v", table, ok)
	}
	if _, ok := ctx.ResolveTable("missing"); ok {
		t.Fatal("expected unknown alias to fail to resolve")
	}
}
