package backend

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pgdogdev/pgdog/internal/pgerr"
)

// cancelRequestCode is the protocol-version-slot magic value for
// CancelRequest, per the frontend/backend protocol.
const cancelRequestCode = (1234 << 16) | 5678

// SendCancelRequest opens a fresh TCP connection to addr and sends a
// CancelRequest carrying key, per the out-of-band cancellation protocol.
// The server closes the connection itself; no reply is expected.
func SendCancelRequest(addr Address, key BackendKeyData, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", addr.Host, addr.Port), timeout)
	if err != nil {
		return pgerr.Wrap(pgerr.KindConnection, "dialing for cancel request", err)
	}
	defer conn.Close()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], key.PID)
	binary.BigEndian.PutUint32(buf[12:16], key.Secret)

	if _, err := conn.Write(buf); err != nil {
		return pgerr.Wrap(pgerr.KindConnection, "sending cancel request", err)
	}
	return nil
}
