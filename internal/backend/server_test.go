package backend

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend/preparedcache"
	"github.com/pgdogdev/pgdog/internal/wire"
)

func newTestServer(t *testing.T) (*Server, net.Conn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	s := &Server{
		conn:          clientSide,
		Parameters:    make(map[string]string),
		changedParams: make(map[string]struct{}),
		Prepared:      preparedcache.NewServerSide(),
		createdAt:     time.Now(),
		lastUsed:      time.Now(),
		state:         StateReady,
		txStatus:      TxIdle,
	}
	return s, serverSide
}

func TestObserveReadyForQuery(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.ObserveReadyForQuery('I'); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.InTransaction() {
		t.Fatal("expected not in transaction for status 'I'")
	}
	if err := s.ObserveReadyForQuery('T'); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.InTransaction() {
		t.Fatal("expected in transaction for status 'T'")
	}
	if err := s.ObserveReadyForQuery('E'); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.InTransaction() {
		t.Fatal("expected in transaction for status 'E'")
	}
}

func TestObserveReadyForQueryInvalid(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.ObserveReadyForQuery('Z'); err == nil {
		t.Fatal("expected error for invalid status byte")
	}
	if s.State() != StateError {
		t.Fatal("expected server to transition to Error state on protocol violation")
	}
}

func TestObserveErrorSchemaChange(t *testing.T) {
	s, _ := newTestServer(t)
	payload := wire.BuildErrorResponse("ERROR", "0A000", "cannot change sharding key")
	s.ObserveError(payload)
	if !s.SchemaChanged() {
		t.Fatal("expected schema_changed after 0A000")
	}
}

func TestObserveErrorOtherCode(t *testing.T) {
	s, _ := newTestServer(t)
	payload := wire.BuildErrorResponse("ERROR", "42601", "syntax error")
	s.ObserveError(payload)
	if s.SchemaChanged() {
		t.Fatal("expected schema_changed to remain false for unrelated error code")
	}
}

func TestCanCheckIn(t *testing.T) {
	s, _ := newTestServer(t)
	s.ObserveReadyForQuery('I')
	if !s.CanCheckIn() {
		t.Fatal("expected idle, synced server to be eligible for check-in")
	}
	s.ObserveReadyForQuery('T')
	if s.CanCheckIn() {
		t.Fatal("expected in-transaction server to not be eligible for check-in")
	}
	s.ObserveReadyForQuery('I')
	s.SetStreaming(true)
	if s.CanCheckIn() {
		t.Fatal("expected streaming server to not be eligible for check-in")
	}
}

func TestMarkDirtyAndResetAndReturn(t *testing.T) {
	s, serverConn := newTestServer(t)
	s.MarkDirty()
	if !s.Dirty() {
		t.Fatal("expected Dirty() true after MarkDirty")
	}

	done := make(chan error, 1)
	go func() { done <- s.ResetAndReturn() }()

	// Act as the "upstream": read the DISCARD ALL query, reply ReadyForQuery.
	msg, err := wire.ReadMessage(serverConn, wire.FromClient)
	if err != nil {
		t.Fatalf("reading DISCARD ALL: %v", err)
	}
	if msg.Type != wire.Query {
		t.Fatalf("expected Query message, got %q", msg.Type)
	}
	if err := wire.WriteMessage(serverConn, wire.ReadyForQuery, []byte{'I'}); err != nil {
		t.Fatalf("writing ReadyForQuery: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("ResetAndReturn: %v", err)
	}
	if s.Dirty() {
		t.Fatal("expected Dirty() false after ResetAndReturn")
	}
}

func TestBackendKeyDataFields(t *testing.T) {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], 42)
	binary.BigEndian.PutUint32(payload[4:8], 99)
	key := BackendKeyData{
		PID:    binary.BigEndian.Uint32(payload[0:4]),
		Secret: binary.BigEndian.Uint32(payload[4:8]),
	}
	if key.PID != 42 || key.Secret != 99 {
		t.Fatalf("unexpected BackendKeyData: %+v", key)
	}
}
