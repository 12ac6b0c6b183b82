// Package pnet provides a small TCP messaging library for Go.
// Endpoints exchange typed, self-describing packets over a long-lived
// connection, optionally protected by TLS. It supports per-id packet
// dispatch, asynchronous FIFO sending, reconnect-on-send and server-side
// connection tracking.
//
// Payload strings use a uint16 length prefix for encodings up to 65534 bytes.
// 0xFFFF marks the long form, so a string encoding to exactly 65535 bytes is
// written as 0xFFFF plus an int64 length. Peers that write such a string with
// a plain uint16 prefix (Java's writeUTF) are not read correctly.
package pnet

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Conn.
type State int32

// Conn states. Closed is terminal.
const (
	StateFresh State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Listener receives connection events.
type Listener interface {
	// OnConnect is called once, from the goroutine that connected or adopted
	// the stream, before the first OnReceive.
	OnConnect(c *Conn)
	// OnDisconnect is called once, from whichever goroutine closed the
	// connection first, and never before OnConnect has returned. A close
	// that races with OnConnect is reported by the connecting goroutine
	// once OnConnect returns.
	OnDisconnect(c *Conn)
	// OnReceive is called from the connection's reader goroutine for every
	// packet, in wire order. A returned error is logged; the connection
	// stays open.
	OnReceive(p Packet, c *Conn) error
}

// ListenerFuncs is a Listener built from optional callbacks.
type ListenerFuncs struct {
	Connect    func(c *Conn)
	Disconnect func(c *Conn)
	Receive    func(p Packet, c *Conn) error
}

// OnConnect calls f.Connect if set.
func (f ListenerFuncs) OnConnect(c *Conn) {
	if f.Connect != nil {
		f.Connect(c)
	}
}

// OnDisconnect calls f.Disconnect if set.
func (f ListenerFuncs) OnDisconnect(c *Conn) {
	if f.Disconnect != nil {
		f.Disconnect(c)
	}
}

// OnReceive calls f.Receive if set.
func (f ListenerFuncs) OnReceive(p Packet, c *Conn) error {
	if f.Receive != nil {
		return f.Receive(p, c)
	}
	return nil
}

// Client is the capability set shared by Conn and its wrappers.
type Client interface {
	Connect(ctx context.Context, host string, port int) error
	Send(p Packet) error
	Close() error
	IsConnected() bool
}

var (
	_ Client = (*Conn)(nil)
	_ Client = (*AsyncSender)(nil)
	_ Client = (*Reconnector)(nil)
)

// Conn owns one duplex stream. A reader goroutine decodes packets and hands
// them to the Listener; Send writes packets synchronously.
//
// A Conn moves from Fresh to Connected through Connect or Adopt and from
// Connected to Closed on Close, EOF or any I/O error. A closed Conn cannot be
// reopened; allocate a new one.
type Conn struct {
	opts   options
	logger Logger

	mu         sync.Mutex // guards the fields below
	state      State
	dialing    bool
	connecting bool // OnConnect is running
	deferred   bool // closed while connecting, OnDisconnect still owed
	raw        net.Conn
	writer     *bufio.Writer
	listener   Listener

	sendMu sync.Mutex // serializes frames on the wire
	done   chan struct{}
}

// NewConn creates a fresh connection configured by opts.
func NewConn(opt ...Option) *Conn {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Conn{
		opts:     opts,
		logger:   opts.logger,
		listener: opts.listener,
		done:     make(chan struct{}),
	}
}

// SetListener replaces the event listener. A nil listener drops events.
func (c *Conn) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Conn) getListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Connect dials host:port through the configured Dialer and starts the
// connection. Dial failures are logged and returned.
func (c *Conn) Connect(ctx context.Context, host string, port int) error {
	if host == "" || port < 0 || port > 65535 {
		return errors.Wrapf(ErrIllegalState, "invalid address %q:%d", host, port)
	}

	c.mu.Lock()
	if c.state != StateFresh || c.dialing {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(ErrIllegalState, "connect on %s connection", state)
	}
	c.dialing = true
	c.mu.Unlock()

	c.logger.Info("connecting", "host", host, "port", port)
	raw, err := c.opts.dialer.Dial(ctx, host, port)

	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("unable to connect", "host", host, "port", port, "error", err)
		return errors.Wrapf(err, "connect %s:%d", host, port)
	}
	return c.Adopt(raw)
}

// Adopt starts the connection on an already established stream. Servers use
// it for accepted sockets.
func (c *Conn) Adopt(raw net.Conn) error {
	if raw == nil {
		return errors.Wrap(ErrIllegalState, "adopt nil stream")
	}

	c.mu.Lock()
	if c.state != StateFresh {
		state := c.state
		c.mu.Unlock()
		return errors.Wrapf(ErrIllegalState, "adopt on %s connection", state)
	}

	if tcp, ok := tcpConnOf(raw); ok {
		_ = tcp.SetKeepAlive(c.opts.keepAlive)
		_ = tcp.SetNoDelay(true)
	}
	reader := bufio.NewReaderSize(raw, c.opts.readBufferSize)
	c.raw = raw
	c.writer = bufio.NewWriterSize(raw, c.opts.writeBufferSize)
	c.state = StateConnected
	c.connecting = true
	l := c.listener
	c.mu.Unlock()

	c.opts.metrics.connected()
	c.logger.Info("connection established", "addr", raw.RemoteAddr())
	c.logger.Debug("connection options", "addr", raw.RemoteAddr(),
		"read_buffer_size", c.opts.readBufferSize,
		"write_buffer_size", c.opts.writeBufferSize,
		"max_packet_size", c.opts.maxPacketSize,
		"read_timeout", c.opts.readTimeout,
		"keep_alive", c.opts.keepAlive)

	if l != nil {
		l.OnConnect(c)
	}

	c.mu.Lock()
	c.connecting = false
	deferred := c.deferred
	l = c.listener
	c.mu.Unlock()
	if deferred && l != nil {
		l.OnDisconnect(c)
	}

	go c.readLoop(reader, raw)
	return nil
}

// readLoop decodes packets until the stream fails or is closed.
func (c *Conn) readLoop(r *bufio.Reader, raw net.Conn) {
	defer close(c.done)

	for {
		if c.opts.readTimeout > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
		}

		p, err := c.opts.codec.Decode(r)
		if err != nil {
			switch {
			case isClosedError(err) || c.State() == StateClosed:
				c.logger.Debug("read stopped", "addr", raw.RemoteAddr(), "error", err)
			case errors.Is(err, ErrProtocol):
				c.opts.metrics.protocolError()
				c.logger.Error("protocol error", "addr", raw.RemoteAddr(), "error", err)
			default:
				c.logger.Error("read error", "addr", raw.RemoteAddr(), "error", err)
			}
			c.closeWith(err)
			c.logger.Debug("reader stopped", "addr", raw.RemoteAddr())
			return
		}

		c.opts.metrics.received(p)
		c.logger.Debug("received packet", "addr", raw.RemoteAddr(), "packet", p)
		c.dispatch(p)
	}
}

// dispatch hands p to the listener. Handler failures never stop the reader.
func (c *Conn) dispatch(p Packet) {
	l := c.getListener()
	if l == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic while handling packet", "addr", c.RemoteAddr(), "packet", p, "panic", r)
		}
	}()

	if err := l.OnReceive(p, c); err != nil {
		if IsIOError(err) {
			c.logger.Warn("unable to handle packet", "addr", c.RemoteAddr(), "packet", p, "error", err)
		} else {
			c.logger.Error("error while handling packet", "addr", c.RemoteAddr(), "packet", p, "error", err)
		}
	}
}

// Send writes p and flushes it. Concurrent senders never interleave frames.
//
// Returns:
//   - nil: the packet was written and flushed
//   - ErrNotConnected: the connection is not connected, nothing was written
//   - ErrProtocol: the packet cannot be framed, the connection stays open
//   - an I/O error: the connection has been closed
func (c *Conn) Send(p Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	raw, w := c.raw, c.writer
	c.mu.Unlock()

	if c.opts.writeTimeout > 0 {
		_ = raw.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}

	c.logger.Debug("sending packet", "addr", raw.RemoteAddr(), "packet", p)
	err := c.opts.codec.Encode(w, p)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		if errors.Is(err, ErrProtocol) && w.Buffered() == 0 {
			c.logger.Error("unable to frame packet", "addr", raw.RemoteAddr(), "packet", p, "error", err)
			return err
		}
		c.logger.Error("error while sending packet", "addr", raw.RemoteAddr(), "packet", p, "error", err)
		c.closeWith(err)
		return errors.Wrap(err, "send")
	}

	c.opts.metrics.sent(p)
	return nil
}

// Close closes the stream. The blocked reader fails and exits. OnDisconnect
// fires at most once. Safe to call multiple times; Close on a fresh
// connection does nothing.
func (c *Conn) Close() error {
	return c.closeWith(nil)
}

// closeWith performs the Connected to Closed transition once.
func (c *Conn) closeWith(cause error) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	raw, l := c.raw, c.listener
	if c.connecting {
		c.deferred = true
		l = nil
	}
	c.mu.Unlock()

	err := raw.Close()
	c.opts.metrics.disconnected()

	if cause != nil && !isClosedError(cause) {
		c.logger.Info("connection closed with error", "addr", raw.RemoteAddr(), "error", cause)
	} else {
		c.logger.Info("connection closed", "addr", raw.RemoteAddr())
	}

	if l != nil {
		l.OnDisconnect(c)
	}

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is connected.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Done returns a channel closed when the reader goroutine has exited. It is
// never closed for a connection that was never started.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the remote address, or nil before the connection starts.
func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil
	}
	return c.raw.RemoteAddr()
}

// LocalAddr returns the local address, or nil before the connection starts.
func (c *Conn) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil
	}
	return c.raw.LocalAddr()
}

// NetConn returns the underlying stream, or nil before the connection starts.
func (c *Conn) NetConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

func (c *Conn) String() string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unconnected"
}
