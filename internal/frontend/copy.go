package frontend

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pgdogdev/pgdog/internal/pgerr"
	"github.com/pgdogdev/pgdog/internal/router"
	"github.com/pgdogdev/pgdog/internal/wire"
)

// executeCopyFrom handles a COPY ... FROM STDIN statement. pgdog originates
// the CopyInResponse itself (it must see every row before it knows which
// shards are involved), buffers the client's row stream, splits rows across
// shards the same way a multi-row INSERT's VALUES list is split
// (decision.Copy.RouteRow), then replays each shard's slice as its own COPY
// statement before reporting one aggregate CommandComplete back upstream.
func (s *Session) executeCopyFrom(ctx context.Context, msg wire.Message, decision router.Decision) error {
	if err := wire.WriteMessage(s.client, wire.CopyInResponse, []byte{0, 0, 0}); err != nil {
		return err
	}

	info := decision.Copy
	buffers := make(map[int]*bytes.Buffer)
	rowCount := 0

	flushLine := func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		shard, ok := info.RouteRow(string(line))
		if !ok {
			return pgerr.New(pgerr.KindRouting, "copy row: sharding column value is NULL, missing, or unresolved")
		}
		buf, ok := buffers[shard]
		if !ok {
			buf = &bytes.Buffer{}
			buffers[shard] = buf
		}
		buf.Write(line)
		buf.WriteByte('\n')
		rowCount++
		return nil
	}

	var pending []byte
readLoop:
	for {
		resp, err := wire.ReadMessage(s.client, wire.FromClient)
		if err != nil {
			return nil
		}

		switch resp.Type {
		case wire.CopyData:
			pending = append(pending, resp.Payload...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				if ferr := flushLine(line); ferr != nil {
					s.sendRoutingError(ferr)
					return s.drainCopyData()
				}
			}
		case wire.CopyDone:
			if len(pending) > 0 {
				if ferr := flushLine(pending); ferr != nil {
					s.sendRoutingError(ferr)
					return nil
				}
			}
			break readLoop
		case wire.CopyFail:
			_ = wire.WriteMessage(s.client, wire.ErrorResponse,
				wire.BuildErrorResponse("ERROR", "57014", "COPY aborted by client"))
			_ = wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{'I'})
			return nil
		default:
			s.sendRoutingError(pgerr.New(pgerr.KindProtocol, "unexpected message during COPY"))
			return nil
		}
	}

	for shard, buf := range buffers {
		if err := s.sendCopyToShard(ctx, shard, msg, buf.Bytes()); err != nil {
			return err
		}
	}

	tag := append([]byte(fmt.Sprintf("COPY %d", rowCount)), 0)
	if err := wire.WriteMessage(s.client, wire.CommandComplete, tag); err != nil {
		return err
	}
	return wire.WriteMessage(s.client, wire.ReadyForQuery, []byte{'I'})
}

// drainCopyData consumes the rest of the client's COPY stream after a row
// failed to route, so the connection stays framed for the next statement.
func (s *Session) drainCopyData() error {
	for {
		resp, err := wire.ReadMessage(s.client, wire.FromClient)
		if err != nil {
			return nil
		}
		if resp.Type == wire.CopyDone || resp.Type == wire.CopyFail {
			return nil
		}
	}
}

// sendCopyToShard replays msg (the original COPY statement) against shard,
// streams rows already routed to it, and waits for the backend to finish.
func (s *Session) sendCopyToShard(ctx context.Context, shard int, msg wire.Message, rows []byte) error {
	conn, err := s.checkout(ctx, shard, true)
	if err != nil {
		return err
	}
	if err := wire.WriteMessage(conn.Conn(), msg.Type, msg.Payload); err != nil {
		s.dropShard(shard)
		return fmt.Errorf("forwarding COPY to shard %d: %w", shard, err)
	}

	for {
		resp, err := wire.ReadMessage(conn.Conn(), wire.FromServer)
		if err != nil {
			s.dropShard(shard)
			return fmt.Errorf("reading CopyInResponse from shard %d: %w", shard, err)
		}
		if resp.Type == wire.ErrorResponse {
			conn.ObserveError(resp.Payload)
		}
		if resp.Type == wire.CopyInResponse {
			break
		}
	}

	if len(rows) > 0 {
		if err := wire.WriteMessage(conn.Conn(), wire.CopyData, rows); err != nil {
			s.dropShard(shard)
			return fmt.Errorf("sending COPY data to shard %d: %w", shard, err)
		}
	}
	if err := wire.WriteMessage(conn.Conn(), wire.CopyDone, nil); err != nil {
		s.dropShard(shard)
		return fmt.Errorf("closing COPY to shard %d: %w", shard, err)
	}

	for {
		resp, err := wire.ReadMessage(conn.Conn(), wire.FromServer)
		if err != nil {
			s.dropShard(shard)
			return fmt.Errorf("reading COPY completion from shard %d: %w", shard, err)
		}
		if resp.Type == wire.ErrorResponse {
			conn.ObserveError(resp.Payload)
		}
		if resp.Type == wire.ReadyForQuery {
			if err := conn.ObserveReadyForQuery(resp.Payload[0]); err != nil {
				return err
			}
			if !s.pinned && resp.Payload[0] == 'I' {
				s.checkin(shard)
			}
			return nil
		}
	}
}
