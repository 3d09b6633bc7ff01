package espat

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// streamConn is the transparent-mode TCP connection. Reads drain the
// driver's buffered reader so bytes that arrived alongside the ">"
// prompt are not lost.
type streamConn struct {
	d      *Driver
	remote addr
	closed atomic.Bool
}

func (c *streamConn) Read(b []byte) (int, error) {
	c.d.readMu.Lock()
	defer c.d.readMu.Unlock()
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	return c.d.r.Read(b)
}

func (c *streamConn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	return c.d.port.Write(b)
}

func (c *streamConn) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.d.stream != c {
		return nil
	}
	return c.d.closeStream()
}

func (c *streamConn) LocalAddr() net.Addr {
	return addr{host: c.d.addr.String()}
}

func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) SetDeadline(t time.Time) error {
	if err := c.d.port.SetReadDeadline(t); err != nil {
		return err
	}
	return c.d.port.SetWriteDeadline(t)
}

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.d.port.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.d.port.SetWriteDeadline(t) }

type addr struct {
	host string
	port int
}

func (a addr) Network() string { return "tcp" }

func (a addr) String() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}
