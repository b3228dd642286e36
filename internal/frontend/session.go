// Package frontend implements the client-facing half of the proxy:
// startup/SSL/auth handling, and the per-statement relay loop that routes
// each message through the query router and fans it out across whichever
// shard(s) the router selects, rather than a single fixed backend.
package frontend

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/backend/auth"
	"github.com/pgdogdev/pgdog/internal/backend/pool"
	"github.com/pgdogdev/pgdog/internal/cluster"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/router"
	"github.com/pgdogdev/pgdog/internal/router/astutil"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// Schemas resolves the router.Schema and the DatabaseConfig (for
// client-facing auth) built for a cluster, kept separate from
// cluster.Cluster so the router package never needs to import
// internal/config directly.
type Schemas interface {
	SchemaFor(key cluster.UserKey) (*router.Schema, bool)
	DBConfigFor(key cluster.UserKey) (config.DatabaseConfig, bool)
}

// Session handles one client connection end to end.
type Session struct {
	databases *cluster.Databases
	schemas   Schemas
	general   config.General
	tlsConfig *tls.Config

	client  net.Conn
	key     backend.BackendKeyData
	dbKey   cluster.UserKey
	dbCfg   config.DatabaseConfig
	clust   *cluster.Cluster
	schema  *router.Schema

	mu      sync.Mutex
	checked map[int]shardLease // shard index -> currently checked-out connection
	pinned  bool

	inTransaction  bool
	stickyShard    int
	stickyShardSet bool
}

type shardLease struct {
	server *pool.Pool
	conn   *backend.Server
}

// registry maps a session's synthetic BackendKeyData to the Session, so an
// out-of-band CancelRequest on the frontend listener can find it.
var registry sync.Map // backend.BackendKeyData -> *Session

// NewSession constructs a Session for a freshly accepted client connection.
func NewSession(client net.Conn, databases *cluster.Databases, schemas Schemas, general config.General, tlsConfig *tls.Config) *Session {
	return &Session{
		client:    client,
		databases: databases,
		schemas:   schemas,
		general:   general,
		tlsConfig: tlsConfig,
		checked:   make(map[int]shardLease),
	}
}

// Lookup finds the session registered under a synthetic BackendKeyData, for
// CancelRequest handling.
func Lookup(key backend.BackendKeyData) (*Session, bool) {
	v, ok := registry.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Handle drives the connection: startup, auth, then the relay loop. It
// always closes client before returning.
func (s *Session) Handle(ctx context.Context) error {
	defer s.client.Close()

	params, err := s.readStartup()
	if err != nil {
		return fmt.Errorf("reading startup message: %w", err)
	}

	user := params["user"]
	database := params["database"]
	if database == "" {
		database = user
	}
	s.dbKey = cluster.UserKey{User: user, Database: database}

	clust, ok := s.databases.Resolve(s.dbKey)
	if !ok {
		s.sendFatal("28000", fmt.Sprintf("no such database/user: %s/%s", database, user))
		return fmt.Errorf("unknown database %s/%s", database, user)
	}
	if s.databases.IsPaused(s.dbKey) {
		s.sendFatal("57P03", "database is administratively paused")
		return fmt.Errorf("database %s/%s is paused", database, user)
	}
	schema, _ := s.schemas.SchemaFor(s.dbKey)
	dbCfg, _ := s.schemas.DBConfigFor(s.dbKey)
	s.clust = clust
	s.schema = schema
	s.dbCfg = dbCfg

	if err := s.authenticateClient(params); err != nil {
		return err
	}

	s.key = backend.BackendKeyData{PID: randUint32(), Secret: randUint32()}
	registry.Store(s.key, s)
	defer registry.Delete(s.key)

	if err := s.sendSyntheticAuthOK(); err != nil {
		return fmt.Errorf("sending synthetic auth ok: %w", err)
	}

	return s.relayLoop(ctx)
}

func randUint32() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

// readStartup reads the startup message, looping through SSLRequest
// negotiation, and returns the decoded parameter map. Upgrades s.client to
// a TLS connection in place when the client requests it and the proxy is
// configured for it.
func (s *Session) readStartup() (map[string]string, error) {
	const maxSSLAttempts = 3
	for attempt := 0; attempt <= maxSSLAttempts; attempt++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(s.client, lenBuf[:]); err != nil {
			return nil, err
		}
		msgLen := int(uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3]))
		if msgLen < 8 || msgLen > 10000 {
			return nil, fmt.Errorf("invalid startup length %d", msgLen)
		}
		body := make([]byte, msgLen-4)
		if _, err := io.ReadFull(s.client, body); err != nil {
			return nil, err
		}
		code := uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
		if code == wire.SSLRequestCode {
			if s.tlsConfig != nil {
				if _, err := s.client.Write([]byte{'S'}); err != nil {
					return nil, err
				}
				tlsConn := tls.Server(s.client, s.tlsConfig)
				if err := tlsConn.Handshake(); err != nil {
					return nil, fmt.Errorf("client TLS handshake: %w", err)
				}
				s.client = tlsConn
			} else {
				if _, err := s.client.Write([]byte{'N'}); err != nil {
					return nil, err
				}
			}
			continue
		}
		return wire.StartupParams(body[4:]), nil
	}
	return nil, fmt.Errorf("too many SSL negotiation attempts")
}

func (s *Session) authenticateClient(params map[string]string) error {
	authType := s.dbCfgAuthType()
	switch authType {
	case string(config.AuthTrust), "":
		return nil
	case string(config.AuthMD5):
		salt := make([]byte, 4)
		_, _ = rand.Read(salt)
		payload := append([]byte{0, 0, 0, 5}, salt...)
		if err := wire.WriteMessage(s.client, wire.Authentication, payload); err != nil {
			return err
		}
		msg, err := wire.ReadMessage(s.client, wire.FromClient)
		if err != nil || msg.Type != wire.PasswordMessage {
			return fmt.Errorf("expected password message: %w", err)
		}
		expected := auth.MD5Password(params["user"], s.dbCfg.Password, salt)
		if string(msg.Payload) != expected+"\x00" && string(trimNull(msg.Payload)) != expected {
			s.sendFatal("28P01", "password authentication failed")
			return fmt.Errorf("md5 auth failed for %s", params["user"])
		}
		return s.sendAuthOKMessage()
	case string(config.AuthCleartext):
		if err := wire.WriteMessage(s.client, wire.Authentication, []byte{0, 0, 0, 3}); err != nil {
			return err
		}
		msg, err := wire.ReadMessage(s.client, wire.FromClient)
		if err != nil || msg.Type != wire.PasswordMessage {
			return fmt.Errorf("expected password message: %w", err)
		}
		if string(trimNull(msg.Payload)) != s.dbCfg.Password {
			s.sendFatal("28P01", "password authentication failed")
			return fmt.Errorf("cleartext auth failed for %s", params["user"])
		}
		return s.sendAuthOKMessage()
	default:
		return fmt.Errorf("unsupported frontend auth type %q", authType)
	}
}

func trimNull(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

func (s *Session) dbCfgAuthType() string {
	if s.dbCfg.AuthType != "" {
		return string(s.dbCfg.AuthType)
	}
	return string(s.general.AuthType)
}

func (s *Session) sendAuthOKMessage() error {
	return wire.WriteMessage(s.client, wire.Authentication, []byte{0, 0, 0, 0})
}

// sendSyntheticAuthOK sends AuthenticationOk + ParameterStatus + BackendKeyData
// + ReadyForQuery('I') to the client without the client ever talking to a
// real backend directly.
func (s *Session) sendSyntheticAuthOK() error {
	if err := s.sendAuthOKMessage(); err != nil {
		return err
	}
	params := map[string]string{"server_version": "16.0", "client_encoding": "UTF8"}
	for k, v := range params {
		payload := append([]byte(k), 0)
		payload = append(payload, v...)
		payload = append(payload, 0)
		if err := wire.WriteMessage(s.client, wire.ParameterStatus, payload); err != nil {
			return err
		}
	}
	bkd := make([]byte, 8)
	bkd[0], bkd[1], bkd[2], bkd[3] = byte(s.key.PID>>24), byte(s.key.PID>>16), byte(s.key.PID>>8), byte(s.key.PID)
	bkd[4], bkd[5], bkd[6], bkd[7] = byte(s.key.Secret>>24), byte(s.key.Secret>>16), byte(s.key.Secret>>8), byte(s.key.Secret)
	if err := wire.WriteMessage(s.client, wire.BackendKeyData, bkd); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{'I'})
}

func (s *Session) sendFatal(code, message string) {
	_ = wire.WriteMessage(s.client, wire.ErrorResponse, wire.BuildErrorResponse("FATAL", code, message))
}

// relayLoop reads client messages until Terminate/disconnect, routing each
// one through the statement router and forwarding it to the selected
// shard(s).
func (s *Session) relayLoop(ctx context.Context) error {
	defer s.releaseAll(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := wire.ReadMessage(s.client, wire.FromClient)
		if err != nil {
			s.releaseAll(true)
			return nil
		}

		if msg.Type == wire.Terminate {
			s.releaseAll(false)
			return nil
		}

		sql := extractSQL(msg)
		if sql == "" {
			// Non-SQL-bearing message (Flush, Sync with no open statement,
			// etc.) outside a pinned session has nowhere to go; drop it
			// quietly the way a fresh session with no backend would.
			continue
		}

		if !s.pinned && detectSessionPin(msg.Type, msg.Payload) {
			s.pinned = true
			slog.Info("session pinned", "database", s.dbKey.Database, "user", s.dbKey.User)
		}

		rtr := router.New(s.schema)
		decision, err := rtr.Route(sql, nil)
		if err != nil {
			s.sendRoutingError(err)
			continue
		}
		s.applyStickyShard(&decision)

		if err := s.execute(ctx, msg, decision); err != nil {
			return err
		}
	}
}

// applyStickyShard implements omnisharded_sticky: once a sharded statement
// inside a transaction has pinned a shard, a later statement touching only
// unsharded/reference tables (router.Decision.Omnisharded) sticks to that
// shard instead of re-resolving to a broadcast across every shard. The pin
// starts at BEGIN and clears at COMMIT/ROLLBACK.
func (s *Session) applyStickyShard(decision *router.Decision) {
	if decision.TxBegin {
		s.inTransaction = true
		s.stickyShardSet = false
	}

	if s.general.OmniShardedSticky && s.inTransaction {
		if !decision.Omnisharded && decision.Shard.Kind == astutil.MatchDirect && len(decision.Shards) == 1 {
			s.stickyShard = decision.Shards[0]
			s.stickyShardSet = true
		} else if decision.Omnisharded && s.stickyShardSet {
			decision.Shards = []int{s.stickyShard}
		}
	}

	if decision.TxEnd {
		s.inTransaction = false
		s.stickyShardSet = false
	}
}

// executeDryRun never touches a backend: it logs the computed route and
// tells the client, via a NoticeResponse, which shard(s) the statement
// would have gone to, then completes the "query" with a synthetic tag.
func (s *Session) executeDryRun(decision router.Decision) error {
	kind := "read"
	if decision.Write {
		kind = "write"
	}
	slog.Info("dry run", "kind", kind, "shards", decision.Shards, "omnisharded", decision.Omnisharded)

	notice := wire.BuildErrorResponse("NOTICE", "00000",
		fmt.Sprintf("dry_run: would route this %s to shard(s) %v", kind, decision.Shards))
	if err := wire.WriteMessage(s.client, wire.NoticeResponse, notice); err != nil {
		return err
	}
	if err := wire.WriteMessage(s.client, wire.CommandComplete, append([]byte("DRY RUN"), 0)); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{'I'})
}

func (s *Session) sendRoutingError(err error) {
	code := "0A000"
	if pe, ok := err.(*pgerr.Error); ok {
		code = pe.Kind.SQLState()
	}
	_ = wire.WriteMessage(s.client, wire.ErrorResponse, wire.BuildErrorResponse("ERROR", code, err.Error()))
	_ = wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{'I'})
}

// execute forwards msg to every shard in decision.Shards and relays their
// responses back to the client. A single-shard decision is a plain byte
// relay; a multi-shard decision concatenates each shard's rows under one
// RowDescription/ReadyForQuery pair (exact result ordering across shards is
// not guaranteed, matching a scatter-gather read).
func (s *Session) execute(ctx context.Context, msg wire.Message, decision router.Decision) error {
	if s.general.DryRun {
		return s.executeDryRun(decision)
	}

	if decision.Write && s.clust != nil {
		for _, q := range s.clust.MirrorQueues {
			q.Offer(msg.Type, msg.Payload)
		}
	}

	if decision.Copy != nil && decision.Copy.FromStdin {
		return s.executeCopyFrom(ctx, msg, decision)
	}

	shards := decision.Shards
	if len(shards) == 0 {
		shards = []int{0}
	}

	rowDescSent := false
	var lastTag []byte
	for i, shard := range shards {
		conn, err := s.checkout(ctx, shard, decision.Write)
		if err != nil {
			s.sendRoutingError(err)
			return nil
		}

		if err := wire.WriteMessage(conn.Conn(), msg.Type, msg.Payload); err != nil {
			s.dropShard(shard)
			return fmt.Errorf("forwarding to shard %d: %w", shard, err)
		}

		for {
			resp, err := wire.ReadMessage(conn.Conn(), wire.FromServer)
			if err != nil {
				s.dropShard(shard)
				return fmt.Errorf("reading from shard %d: %w", shard, err)
			}

			if resp.Type == wire.RowDescription || resp.Type == wire.CopyOutResponse {
				if rowDescSent && len(shards) > 1 {
					continue // suppress duplicate headers from later shards
				}
				rowDescSent = true
			}
			if resp.Type == wire.CommandComplete {
				lastTag = resp.Payload
				if i < len(shards)-1 {
					break // hold the tag; only emit after the last shard
				}
			}
			if resp.Type == wire.ReadyForQuery {
				_ = conn.ObserveReadyForQuery(resp.Payload[0])
				if i == len(shards)-1 {
					if decision.Explain != nil && s.general.ExpandedExplain {
						row := fmt.Sprintf("Routing: shard(s) %v, write=%v", decision.Explain.Shards, decision.Explain.Write)
						if err := wire.WriteMessage(s.client, wire.DataRow, wire.BuildTextDataRow(row)); err != nil {
							return err
						}
					}
					if lastTag != nil {
						if err := wire.WriteMessage(s.client, wire.CommandComplete, lastTag); err != nil {
							return err
						}
					}
					if err := wire.WriteMessage(s.client, wire.ReadyForQuery, resp.Payload); err != nil {
						return err
					}
				}
				if !s.pinned && resp.Payload[0] == 'I' {
					s.checkin(shard)
				}
				break
			}
			if resp.Type == wire.ErrorResponse {
				conn.ObserveError(resp.Payload)
			}

			if resp.Type != wire.CommandComplete {
				if err := wire.WriteMessage(s.client, resp.Type, resp.Payload); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Session) checkout(ctx context.Context, shard int, write bool) (*backend.Server, error) {
	s.mu.Lock()
	if lease, ok := s.checked[shard]; ok {
		s.mu.Unlock()
		return lease.conn, nil
	}
	s.mu.Unlock()

	if shard >= len(s.clust.Shards) {
		return nil, pgerr.New(pgerr.KindRouting, fmt.Sprintf("shard %d out of range", shard))
	}
	sh := s.clust.Shards[shard]
	var conn *backend.Server
	var err error
	if sh.Balancer != nil {
		conn, _, err = sh.Balancer.Get(ctx, write)
	} else {
		conn, err = sh.Primary.Get(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.checked[shard] = shardLease{server: sh.Primary, conn: conn}
	s.mu.Unlock()
	return conn, nil
}

func (s *Session) checkin(shard int) {
	s.mu.Lock()
	lease, ok := s.checked[shard]
	delete(s.checked, shard)
	s.mu.Unlock()
	if ok {
		lease.server.Put(lease.conn, pool.Counts{}, false)
	}
}

func (s *Session) dropShard(shard int) {
	s.mu.Lock()
	lease, ok := s.checked[shard]
	delete(s.checked, shard)
	s.mu.Unlock()
	if ok {
		lease.conn.Close()
	}
}

// releaseAll checks every still-held connection back into its pool,
// marking it dirty first if the session ended abnormally.
func (s *Session) releaseAll(dirty bool) {
	s.mu.Lock()
	leases := s.checked
	s.checked = make(map[int]shardLease)
	s.mu.Unlock()

	for _, lease := range leases {
		if dirty {
			lease.conn.MarkDirty()
			if lease.conn.InTransaction() {
				_ = lease.conn.Cleanup()
			}
		}
		lease.server.Put(lease.conn, pool.Counts{}, dirty)
	}
}

// Cancel issues CancelRequest to every shard this session currently holds a
// connection on; connections already checked back in are not cancelled.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lease := range s.checked {
		_ = pool.Cancel(lease.conn.Addr(), lease.conn.Key, 2*time.Second)
	}
}

// extractSQL pulls the SQL text out of a Query (simple protocol) or Parse
// (extended protocol) message; other message types carry no new SQL text
// to route (Bind/Execute/Describe/Close operate on an already-parsed
// statement and stay pinned to whatever shard Parse routed to).
func extractSQL(msg wire.Message) string {
	switch msg.Type {
	case wire.Query:
		return string(trimNull(msg.Payload))
	case wire.Parse:
		parts := splitNull(msg.Payload)
		if len(parts) < 2 {
			return ""
		}
		return parts[1]
	default:
		return ""
	}
}

func splitNull(b []byte) []string {
	var parts []string
	start := 0
	for i, c := range b {
		if c == 0 {
			parts = append(parts, string(b[start:i]))
			start = i + 1
		}
	}
	return parts
}

// detectSessionPin reports whether msgType/payload requires the rest of the
// session to stay on one backend connection: named prepared statements and
// LISTEN/NOTIFY both do.
func detectSessionPin(msgType byte, payload []byte) bool {
	if msgType == wire.Parse && len(payload) > 0 && payload[0] != 0 {
		return true
	}
	if msgType == wire.Query && len(payload) > 0 {
		text := strings.ToUpper(strings.TrimSpace(string(trimNull(payload))))
		if strings.HasPrefix(text, "LISTEN") || strings.HasPrefix(text, "NOTIFY") {
			return true
		}
	}
	return false
}
