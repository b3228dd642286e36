package backend

import (
	"net"
	"time"

	"github.com/pgdogdev/pgdog/internal/backend/preparedcache"
)

// NewTestServer builds a ready Server wired to conn without running the
// startup/auth handshake, for use by other packages' tests that need a
// backend.Server without a real Postgres upstream.
func NewTestServer(conn net.Conn, key BackendKeyData) *Server {
	return &Server{
		conn:          conn,
		Key:           key,
		Parameters:    make(map[string]string),
		changedParams: make(map[string]struct{}),
		Prepared:      preparedcache.NewServerSide(),
		createdAt:     time.Now(),
		lastUsed:      time.Now(),
		state:         StateReady,
		txStatus:      TxIdle,
	}
}

// SetTestTimes backdates createdAt/lastUsed so tests can simulate an aged or
// long-idle server without sleeping.
func (s *Server) SetTestTimes(createdAt, lastUsed time.Time) {
	s.createdAt = createdAt
	s.lastUsed = lastUsed
}
