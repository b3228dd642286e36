package preparedcache

import "testing"

func TestGlobalRewriteNewName(t *testing.T) {
	g := NewGlobal()
	canon, known, changed := g.Rewrite("s1", "select 1")
	if known || changed {
		t.Fatalf("expected fresh name, got known=%v changed=%v", known, changed)
	}
	if canon == "" {
		t.Fatal("expected non-empty canonical name")
	}
}

func TestGlobalRewriteSameText(t *testing.T) {
	g := NewGlobal()
	c1, _, _ := g.Rewrite("s1", "select 1")
	c2, known, changed := g.Rewrite("s1", "select 1")
	if !known || changed {
		t.Fatalf("expected already-known unchanged, got known=%v changed=%v", known, changed)
	}
	if c1 != c2 {
		t.Fatalf("expected stable canonical name, got %q then %q", c1, c2)
	}
}

func TestGlobalRewriteRebind(t *testing.T) {
	g := NewGlobal()
	c1, _, _ := g.Rewrite("s1", "select 1")
	c2, known, changed := g.Rewrite("s1", "select 2")
	if known {
		t.Fatal("expected not known under new text")
	}
	if !changed {
		t.Fatal("expected changed=true for rebind")
	}
	if c1 == c2 {
		t.Fatal("expected a new canonical name on rebind")
	}
}

func TestServerSideNeedsParse(t *testing.T) {
	s := NewServerSide()
	if !s.NeedsParse("__pgdog_1", "select 1") {
		t.Fatal("expected NeedsParse true for unseen canonical name")
	}
	s.MarkParsed("__pgdog_1", "select 1")
	if s.NeedsParse("__pgdog_1", "select 1") {
		t.Fatal("expected NeedsParse false once parsed with same text")
	}
	if !s.NeedsParse("__pgdog_1", "select 2") {
		t.Fatal("expected NeedsParse true when text differs")
	}
}

func TestServerSideForget(t *testing.T) {
	s := NewServerSide()
	s.MarkParsed("__pgdog_1", "select 1")
	s.CacheDescribe("__pgdog_1", DescribeResult{NoData: true})
	s.Forget()
	if !s.NeedsParse("__pgdog_1", "select 1") {
		t.Fatal("expected Forget to clear parsed state")
	}
	if _, ok := s.Describe("__pgdog_1"); ok {
		t.Fatal("expected Forget to clear describe cache")
	}
}

func TestSyncTrackerDone(t *testing.T) {
	var tr SyncTracker
	if !tr.Done() {
		t.Fatal("expected fresh tracker to be done")
	}
	tr.Track()
	tr.Track()
	if tr.Done() {
		t.Fatal("expected in-flight tracker to not be done")
	}
	tr.Sync()
	if !tr.Done() {
		t.Fatal("expected done after Sync")
	}
	tr.Track()
	tr.Sync()
	tr.SetStreaming(true)
	if tr.Done() {
		t.Fatal("expected streaming tracker to not be done")
	}
}
