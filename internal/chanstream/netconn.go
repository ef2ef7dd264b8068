package chanstream

import (
	"net"
	"time"
)

// netConnWrapper thinly wraps a Stream so it looks enough like a
// net.Conn to satisfy crypto/tls.Server, which only takes net.Conn.
// It is not a full wrapping: deadlines are no-ops, and the
// local/remote addresses are synthetic since a channel-backed stream
// has no real socket endpoints.
type netConnWrapper struct {
	*Stream
	localAddr  net.Addr
	remoteAddr net.Addr
}

type streamAddr string

func (a streamAddr) Network() string { return "chanstream" }
func (a streamAddr) String() string  { return string(a) }

// NewNetConn wraps s so it satisfies net.Conn. remoteAddr labels the
// synthetic RemoteAddr() the proxy core's TLS/CredSSP layers read back
// out (the RDP client's real IP address, stringified), since the
// stream itself carries no socket of its own.
func NewNetConn(s *Stream, remoteAddr string) net.Conn {
	return &netConnWrapper{
		Stream:     s,
		localAddr:  streamAddr("proxy"),
		remoteAddr: streamAddr(remoteAddr),
	}
}

func (c *netConnWrapper) LocalAddr() net.Addr  { return c.localAddr }
func (c *netConnWrapper) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *netConnWrapper) SetDeadline(t time.Time) error      { return nil }
func (c *netConnWrapper) SetReadDeadline(t time.Time) error  { return nil }
func (c *netConnWrapper) SetWriteDeadline(t time.Time) error { return nil }
