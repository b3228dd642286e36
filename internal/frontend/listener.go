package frontend

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/pgdogdev/pgdog/internal/backend"
	"github.com/pgdogdev/pgdog/internal/cluster"
	"github.com/pgdogdev/pgdog/internal/config"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// Listener accepts client connections and dispatches each to its own
// Session, routing out-of-band CancelRequest connections to the registry
// instead of starting a session for them.
type Listener struct {
	ln        net.Listener
	databases *cluster.Databases
	schemas   Schemas
	general   config.General
	tlsConfig *tls.Config

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen opens a TCP listener on addr and starts accepting connections in
// the background.
func Listen(addr string, databases *cluster.Databases, schemas Schemas, general config.General, tlsConfig *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		ln:        ln,
		databases: databases,
		schemas:   schemas,
		general:   general,
		tlsConfig: tlsConfig,
		ctx:       ctx,
		cancel:    cancel,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop()
	}()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting connections and waits for in-flight handlers.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(conn)
		}()
	}
}

// handleConnection reads the leading 8 bytes every startup-family message
// shares (length + protocol code) to distinguish a CancelRequest, which
// gets routed to the registered Session instead of starting a new one.
func (l *Listener) handleConnection(conn net.Conn) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return
	}
	msgLen := binary.BigEndian.Uint32(header[0:4])
	code := binary.BigEndian.Uint32(header[4:8])

	if code == wire.CancelRequestCode {
		l.handleCancelRequest(conn, msgLen)
		return
	}

	s := NewSession(&prefixConn{Conn: conn, prefix: header}, l.databases, l.schemas, l.general, l.tlsConfig)
	if err := s.Handle(l.ctx); err != nil {
		slog.Debug("session ended", "error", err)
	}
}

func (l *Listener) handleCancelRequest(conn net.Conn, msgLen uint32) {
	defer conn.Close()
	if msgLen != 16 {
		return
	}
	rest := make([]byte, 8)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return
	}
	key := backend.BackendKeyData{
		PID:    binary.BigEndian.Uint32(rest[0:4]),
		Secret: binary.BigEndian.Uint32(rest[4:8]),
	}
	if s, ok := Lookup(key); ok {
		s.Cancel()
	}
}

// prefixConn replays a prefix of already-consumed bytes before falling
// through to the wrapped connection, so the 8 bytes read to detect a
// CancelRequest can still be handed to Session.readStartup.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}
