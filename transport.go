package pnet

import (
	"context"
	"net"
	"strconv"
	"time"
)

// Dialer opens client streams. It is the seam through which plain TCP and
// TLS are selected; Conn only sees the resulting net.Conn.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// ListenerFactory opens listening sockets for a Server.
type ListenerFactory interface {
	Listen(ctx context.Context, port int) (net.Listener, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, host string, port int) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	return f(ctx, host, port)
}

// ListenerFactoryFunc adapts a function to ListenerFactory.
type ListenerFactoryFunc func(ctx context.Context, port int) (net.Listener, error)

// Listen calls f.
func (f ListenerFactoryFunc) Listen(ctx context.Context, port int) (net.Listener, error) {
	return f(ctx, port)
}

// TCPDialer dials plain TCP.
type TCPDialer struct {
	// Timeout bounds the connect call. Zero means no timeout beyond ctx.
	Timeout time.Duration
}

// Dial connects to host:port.
func (d TCPDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout, KeepAlive: -1}
	return nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

// TCPListenerFactory listens on plain TCP.
type TCPListenerFactory struct {
	// Host is the bind address. Empty binds all interfaces.
	Host string
}

// Listen binds Host:port. Port 0 picks a free port.
func (f TCPListenerFactory) Listen(ctx context.Context, port int) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: -1}
	return lc.Listen(ctx, "tcp", net.JoinHostPort(f.Host, strconv.Itoa(port)))
}

// tcpConnOf returns the TCP connection underneath c, if any.
func tcpConnOf(c net.Conn) (*net.TCPConn, bool) {
	for {
		switch v := c.(type) {
		case *net.TCPConn:
			return v, true
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			return nil, false
		}
	}
}
