// Package backend implements the upstream Postgres server connection: the
// startup/auth handshake, transaction-status tracking, schema-change
// detection, and the prepared-statement proxy table attached to each
// connection, as a state machine independent of pooling.
package backend

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend/auth"
	"github.com/pgdogdev/pgdog/internal/backend/preparedcache"
	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// BackendKeyData identifies a server connection for cancellation and pool
// bookkeeping: issued by the upstream once per connection.
type BackendKeyData struct {
	PID    uint32
	Secret uint32
}

// TxStatus is the transaction-status byte carried by ReadyForQuery.
type TxStatus byte

const (
	TxIdle            TxStatus = 'I'
	TxInTransaction   TxStatus = 'T'
	TxError           TxStatus = 'E'
)

// State is the server connection's overall lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateError
	StateClosed
)

// Address is one upstream endpoint plus the credentials used to connect.
type Address struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Role     string // "primary" | "replica"
	AuthType string // "scram" | "md5" | "trust"
}

// Server is one upstream Postgres connection: socket, protocol state,
// session GUCs, and the per-connection prepared-statement table.
type Server struct {
	mu sync.Mutex

	conn net.Conn
	addr Address

	Key BackendKeyData

	Parameters    map[string]string
	changedParams map[string]struct{}

	state    State
	txStatus TxStatus

	dirty           bool
	streaming       bool
	schemaChanged   bool
	forceClose      bool
	replicationMode bool

	Prepared *preparedcache.ServerSide
	Sync     preparedcache.SyncTracker

	createdAt time.Time
	lastUsed  time.Time

	bytesIn, bytesOut uint64
	queries           uint64
	transactions      uint64
}

// Dial opens a TCP connection to addr, performs the TLS-upgrade
// negotiation (if tlsConfig is non-nil), runs the startup/auth handshake,
// and returns a ready Server.
func Dial(ctx_timeout time.Duration, addr Address, tlsConfig *tls.Config) (*Server, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port), ctx_timeout)
	if err != nil {
		return nil, pgerr.Wrap(pgerr.KindConnection, "dialing upstream", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	s := &Server{
		conn:          conn,
		addr:          addr,
		Parameters:    make(map[string]string),
		changedParams: make(map[string]struct{}),
		Prepared:      preparedcache.NewServerSide(),
		createdAt:     time.Now(),
		lastUsed:      time.Now(),
	}

	if tlsConfig != nil {
		upgraded, err := s.negotiateTLS(tlsConfig)
		if err != nil {
			conn.Close()
			return nil, pgerr.Wrap(pgerr.KindConnection, "TLS upgrade", err)
		}
		if upgraded {
			s.conn = tls.Client(conn, tlsConfig)
		}
	}

	if err := s.startup(); err != nil {
		conn.Close()
		s.state = StateError
		return nil, err
	}
	s.state = StateReady
	return s, nil
}

func (s *Server) negotiateTLS(cfg *tls.Config) (bool, error) {
	req := make([]byte, 8)
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], wire.SSLRequestCode)
	if _, err := s.conn.Write(req); err != nil {
		return false, err
	}
	resp := make([]byte, 1)
	if _, err := s.conn.Read(resp); err != nil {
		return false, err
	}
	return resp[0] == 'S', nil
}

func (s *Server) startup() error {
	pairs := [][2]string{
		{"user", s.addr.User},
		{"database", s.addr.Database},
		{"client_encoding", "UTF8"},
	}
	if _, err := s.conn.Write(wire.BuildStartup(pairs)); err != nil {
		return pgerr.Wrap(pgerr.KindConnection, "sending startup message", err)
	}

	for {
		msg, err := wire.ReadMessage(s.conn, wire.FromServer)
		if err != nil {
			s.state = StateError
			return pgerr.Wrap(pgerr.KindProtocol, "reading handshake message", err)
		}
		switch msg.Type {
		case wire.Authentication:
			if len(msg.Payload) < 4 {
				return pgerr.New(pgerr.KindProtocol, "short authentication payload")
			}
			authType := binary.BigEndian.Uint32(msg.Payload[:4])
			switch authType {
			case 0: // Ok
				continue
			case 3: // cleartext password
				if err := s.sendPassword(s.addr.Password); err != nil {
					return err
				}
			case 5: // MD5
				salt := msg.Payload[4:8]
				md5pass := auth.MD5Password(s.addr.User, s.addr.Password, salt)
				if err := s.sendPassword(md5pass); err != nil {
					return err
				}
			case 10: // SASL
				if err := auth.ScramSHA256(s.conn, s.addr.User, s.addr.Password, msg.Payload); err != nil {
					return pgerr.Wrap(pgerr.KindAuth, "SCRAM-SHA-256 authentication", err)
				}
			default:
				return pgerr.New(pgerr.KindAuth, fmt.Sprintf("unsupported auth type %d", authType))
			}
		case wire.ParameterStatus:
			key, val := parseNullPair(msg.Payload)
			if key != "" {
				s.Parameters[key] = val
			}
		case wire.BackendKeyData:
			if len(msg.Payload) >= 8 {
				s.Key = BackendKeyData{
					PID:    binary.BigEndian.Uint32(msg.Payload[0:4]),
					Secret: binary.BigEndian.Uint32(msg.Payload[4:8]),
				}
			}
		case wire.NoticeResponse:
			// logged by the caller; handshake continues
			continue
		case wire.ReadyForQuery:
			if len(msg.Payload) >= 1 {
				s.txStatus = TxStatus(msg.Payload[0])
			}
			return nil
		case wire.ErrorResponse:
			code, message := wire.ParseErrorFields(msg.Payload)
			return pgerr.New(pgerr.KindAuth, fmt.Sprintf("upstream refused startup (%s): %s", code, message))
		default:
			return pgerr.New(pgerr.KindProtocol, fmt.Sprintf("unexpected message %q during handshake", msg.Type))
		}
	}
}

func (s *Server) sendPassword(payload string) error {
	return wire.WriteMessage(s.conn, wire.PasswordMessage, append([]byte(payload), 0))
}

func parseNullPair(b []byte) (string, string) {
	i := indexZero(b)
	if i < 0 {
		return "", ""
	}
	key := string(b[:i])
	rest := b[i+1:]
	j := indexZero(rest)
	if j < 0 {
		return key, ""
	}
	return key, string(rest[:j])
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Conn returns the underlying network connection.
func (s *Server) Conn() net.Conn { return s.conn }

// Addr returns the upstream endpoint this connection was dialed against.
func (s *Server) Addr() Address { return s.addr }

// State returns the server's current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkError transitions the server permanently to the Error state: any I/O
// error puts it here and the pool will never check it back in.
func (s *Server) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
}

// ObserveReadyForQuery updates transaction-status tracking from the
// trailing status byte of a ReadyForQuery message.
func (s *Server) ObserveReadyForQuery(status byte) error {
	switch TxStatus(status) {
	case TxIdle, TxInTransaction, TxError:
		s.mu.Lock()
		s.txStatus = TxStatus(status)
		s.lastUsed = time.Now()
		s.mu.Unlock()
		return nil
	default:
		s.MarkError()
		return pgerr.New(pgerr.KindProtocol, fmt.Sprintf("invalid ReadyForQuery status byte %q", status))
	}
}

// ObserveError inspects an ErrorResponse for the schema-change SQLSTATE and
// flags the connection for prepared-statement invalidation.
func (s *Server) ObserveError(payload []byte) {
	code, _ := wire.ParseErrorFields(payload)
	if code == "0A000" {
		s.mu.Lock()
		s.schemaChanged = true
		s.mu.Unlock()
		s.Prepared.Forget()
	}
}

// InTransaction reports whether the last observed ReadyForQuery status was
// idle-in-transaction or transaction-error.
func (s *Server) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txStatus == TxInTransaction || s.txStatus == TxError
}

// InSync reports whether the extended-query pipeline is drained and no
// COPY/replication stream is active — required before check-in.
func (s *Server) InSync() bool {
	s.mu.Lock()
	streaming := s.streaming
	s.mu.Unlock()
	return s.Sync.Done() && !streaming
}

// CanCheckIn reports whether the server may be returned to the idle pool:
// synced and not mid-transaction.
func (s *Server) CanCheckIn() bool {
	return s.InSync() && !s.InTransaction() && s.State() != StateError
}

// SetStreaming marks whether a COPY or logical-replication stream is active.
func (s *Server) SetStreaming(v bool) {
	s.mu.Lock()
	s.streaming = v
	s.mu.Unlock()
	s.Sync.SetStreaming(v)
}

// MarkForceClose flags the server for unconditional closure on its next
// check-in, bypassing reuse regardless of transaction/sync state (e.g. the
// client disconnected mid-query, or the pool is rotating out this address).
func (s *Server) MarkForceClose() {
	s.mu.Lock()
	s.forceClose = true
	s.mu.Unlock()
}

// ForceClose reports whether the server was flagged for unconditional
// closure via MarkForceClose.
func (s *Server) ForceClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceClose
}

// SetReplicationMode marks whether this connection has entered logical or
// physical replication mode (via START_REPLICATION), which it can never
// leave — such a connection is never check-in eligible again.
func (s *Server) SetReplicationMode(v bool) {
	s.mu.Lock()
	s.replicationMode = v
	s.mu.Unlock()
}

// ReplicationMode reports whether the server is in a replication stream.
func (s *Server) ReplicationMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicationMode
}

// SchemaChanged reports whether a 0A000 error has been observed since the
// last reset.
func (s *Server) SchemaChanged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaChanged
}

// MarkDirty records that session state was mutated beyond a plain reset
// (e.g. SET, temp tables), forcing a DISCARD ALL before the next check-in.
func (s *Server) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether the session needs a DISCARD ALL before reuse.
func (s *Server) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Reset sends DISCARD ALL to clear session state, used before check-in
// when Dirty() is true.
func (s *Server) Reset() error {
	if err := wire.WriteMessage(s.conn, wire.Query, append([]byte("DISCARD ALL"), 0)); err != nil {
		s.MarkError()
		return pgerr.Wrap(pgerr.KindConnection, "sending DISCARD ALL", err)
	}
	for {
		msg, err := wire.ReadMessage(s.conn, wire.FromServer)
		if err != nil {
			s.MarkError()
			return pgerr.Wrap(pgerr.KindConnection, "reading DISCARD ALL reply", err)
		}
		if msg.Type == wire.ReadyForQuery {
			if len(msg.Payload) >= 1 {
				return s.ObserveReadyForQuery(msg.Payload[0])
			}
			return nil
		}
	}
}

func (s *Server) resetDirty() {
	s.mu.Lock()
	s.dirty = false
	s.schemaChanged = false
	s.mu.Unlock()
}

// ResetAndReturn runs DISCARD ALL (if dirty) and clears the dirty flag.
func (s *Server) ResetAndReturn() error {
	if s.Dirty() {
		if err := s.Reset(); err != nil {
			return err
		}
	}
	s.Prepared.Forget()
	s.resetDirty()
	return nil
}

// Cleanup issues a best-effort ROLLBACK then resets, used when a client
// disconnects mid-transaction ("dirty disconnect").
func (s *Server) Cleanup() error {
	if s.InTransaction() {
		wire.WriteMessage(s.conn, wire.Query, append([]byte("ROLLBACK"), 0))
		for {
			msg, err := wire.ReadMessage(s.conn, wire.FromServer)
			if err != nil {
				s.MarkError()
				return pgerr.Wrap(pgerr.KindConnection, "rollback on dirty disconnect", err)
			}
			if msg.Type == wire.ReadyForQuery {
				if len(msg.Payload) >= 1 {
					s.ObserveReadyForQuery(msg.Payload[0])
				}
				break
			}
		}
	}
	return s.ResetAndReturn()
}

// Terminate sends a best-effort Terminate message and closes the socket.
func (s *Server) Terminate() {
	wire.WriteMessage(s.conn, wire.Terminate, nil)
	s.Close()
}

// Close closes the underlying connection and marks the server Closed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return s.conn.Close()
}

// Age returns how long ago this connection was established.
func (s *Server) Age() time.Duration { return time.Since(s.createdAt) }

// IdleFor returns how long this connection has been unused.
func (s *Server) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// RecordQuery tallies bytes and a completed query against this connection's
// session statistics.
func (s *Server) RecordQuery(bytesIn, bytesOut int) {
	s.mu.Lock()
	s.bytesIn += uint64(bytesIn)
	s.bytesOut += uint64(bytesOut)
	s.queries++
	s.mu.Unlock()
}

// RecordTransaction tallies a completed transaction.
func (s *Server) RecordTransaction() {
	s.mu.Lock()
	s.transactions++
	s.mu.Unlock()
}

// Stats is a point-in-time snapshot of this connection's session counters.
type Stats struct {
	BytesIn, BytesOut uint64
	Queries           uint64
	Transactions      uint64
	Age               time.Duration
	Idle              time.Duration
}

// Stats returns a snapshot of this connection's counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BytesIn:      s.bytesIn,
		BytesOut:     s.bytesOut,
		Queries:      s.queries,
		Transactions: s.transactions,
		Age:          time.Since(s.createdAt),
		Idle:         time.Since(s.lastUsed),
	}
}
