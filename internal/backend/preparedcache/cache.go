// Package preparedcache implements the two-level prepared-statement proxy
// cache: a global client-name -> canonical-name table, and a per-server
// canonical-name -> statement-text table, letting one upstream connection
// serve many differently-named client prepared statements.
package preparedcache

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Global maps client-chosen statement names to canonical, server-visible
// names. It is shared process-wide; reads dominate writes.
type Global struct {
	mu      sync.RWMutex
	byName  map[string]entry
	counter atomic.Uint64
}

type entry struct {
	canonical string
	text      string
}

// NewGlobal creates an empty global prepared-statement name table.
func NewGlobal() *Global {
	return &Global{byName: make(map[string]entry)}
}

// Rewrite resolves the canonical server-visible name for a client Parse of
// name with the given statement text. changed reports whether the client
// rebound name to different text (a client-side rebind, treated as replace).
func (g *Global) Rewrite(name, text string) (canonical string, alreadyKnown, changed bool) {
	g.mu.RLock()
	e, ok := g.byName[name]
	g.mu.RUnlock()

	if ok && e.text == text {
		return e.canonical, true, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok = g.byName[name]
	if ok && e.text == text {
		return e.canonical, true, false
	}
	changed = ok && e.text != text
	canonical = fmt.Sprintf("__pgdog_%d", g.counter.Add(1))
	g.byName[name] = entry{canonical: canonical, text: text}
	return canonical, false, changed
}

// Lookup returns the canonical name and text for a previously-registered
// client statement name, without allocating a new entry.
func (g *Global) Lookup(name string) (canonical, text string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.byName[name]
	return e.canonical, e.text, ok
}

// ServerSide tracks which canonical statements a particular upstream
// connection has actually had Parse'd, plus cached describe results.
type ServerSide struct {
	mu     sync.Mutex
	parsed map[string]string // canonical -> text, Parse already sent
	descr  map[string]DescribeResult
}

// DescribeResult caches ParseComplete/ParameterDescription/RowDescription/
// NoData payloads for a canonical statement name.
type DescribeResult struct {
	ParamTypes   []byte
	RowDescr     []byte
	NoData       bool
}

// NewServerSide creates an empty per-server prepared-statement table.
func NewServerSide() *ServerSide {
	return &ServerSide{
		parsed: make(map[string]string),
		descr:  make(map[string]DescribeResult),
	}
}

// NeedsParse reports whether canonical has not yet been Parse'd on this
// server, or has been parsed under different text (requiring a re-Parse).
func (s *ServerSide) NeedsParse(canonical, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.parsed[canonical]
	return !ok || existing != text
}

// MarkParsed records that canonical has now been Parse'd with text on this
// server.
func (s *ServerSide) MarkParsed(canonical, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed[canonical] = text
}

// Forget drops all bookkeeping, used on schema-change invalidation or when
// the server connection is discarded.
func (s *ServerSide) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed = make(map[string]string)
	s.descr = make(map[string]DescribeResult)
}

// CacheDescribe stores a Describe response for canonical.
func (s *ServerSide) CacheDescribe(canonical string, d DescribeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descr[canonical] = d
}

// Describe returns a cached Describe response for canonical, if any.
func (s *ServerSide) Describe(canonical string) (DescribeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descr[canonical]
	return d, ok
}

// SyncTracker counts extended-query protocol messages not yet matched by a
// Sync/Flush boundary. Done reports true when the counter is zero and the
// connection isn't mid-COPY, matching the "in_sync" state used to decide
// whether a server can be safely checked back into the pool.
type SyncTracker struct {
	inFlight  int
	streaming bool
}

// Track increments the in-flight counter for a non-terminating extended
// query message (Parse, Bind, Describe, Execute).
func (t *SyncTracker) Track() { t.inFlight++ }

// Sync resets the in-flight counter to zero on Sync or Flush.
func (t *SyncTracker) Sync() { t.inFlight = 0 }

// SetStreaming marks whether a COPY/replication stream is in progress.
func (t *SyncTracker) SetStreaming(v bool) { t.streaming = v }

// Done reports whether the extended-query pipeline is fully drained and no
// COPY/replication stream is active.
func (t *SyncTracker) Done() bool { return t.inFlight == 0 && !t.streaming }
