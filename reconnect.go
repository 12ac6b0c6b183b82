package pnet

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Reconnector is a Client pinned to one address that connects on demand:
// Send on a disconnected Reconnector makes one connect attempt first. There
// is no backoff and no retry count.
//
// A closed Conn cannot be reopened, so every attempt runs on a fresh Conn
// built from the Reconnector's options and current listener. Attempts are
// serialized; the accessors and Close never wait for a dial.
type Reconnector struct {
	host string
	port int
	opts []Option

	dialMu sync.Mutex // serializes connect attempts

	mu          sync.Mutex // guards the fields below
	conn        *Conn
	listener    Listener
	onReconnect func()
	cancelDial  context.CancelFunc
	logger      Logger
}

// NewReconnector returns a Reconnector for host:port. opts configure every
// Conn it creates.
func NewReconnector(host string, port int, opts ...Option) *Reconnector {
	r := &Reconnector{
		host: host,
		port: port,
		opts: opts,
	}
	r.conn = r.newConn()
	r.logger = r.conn.logger
	r.listener = r.conn.opts.listener
	return r
}

func (r *Reconnector) newConn() *Conn {
	c := NewConn(r.opts...)
	if r.listener != nil {
		c.SetListener(r.listener)
	}
	return c
}

// SetOnReconnect sets the callback fired synchronously after every
// successful connect made by the Reconnector, before the pending send.
func (r *Reconnector) SetOnReconnect(fn func()) {
	r.mu.Lock()
	r.onReconnect = fn
	r.mu.Unlock()
}

// SetListener sets the listener of the current and all future connections.
func (r *Reconnector) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	c := r.conn
	r.mu.Unlock()
	c.SetListener(l)
}

// Conn returns the current connection.
func (r *Reconnector) Conn() *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Addr returns the pinned host and port.
func (r *Reconnector) Addr() (string, int) {
	return r.host, r.port
}

// Connect connects to the pinned address. host and port must match the
// pinned ones or be empty and zero.
func (r *Reconnector) Connect(ctx context.Context, host string, port int) error {
	if (host != "" && host != r.host) || (port != 0 && port != r.port) {
		return errors.Wrapf(ErrIllegalState, "reconnector is pinned to %s:%d", r.host, r.port)
	}

	c, err := r.connect(ctx, true)
	if err != nil {
		return err
	}
	if c == nil {
		return errors.Wrap(ErrIllegalState, "already connected")
	}
	return nil
}

// connect runs one connect attempt, replacing the current Conn when it is
// closed, and fires the reconnect callback on success. When another attempt
// connected first it returns the connected Conn, or nil if explicit.
func (r *Reconnector) connect(ctx context.Context, explicit bool) (*Conn, error) {
	r.dialMu.Lock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	c := r.conn
	if c.IsConnected() {
		r.mu.Unlock()
		r.dialMu.Unlock()
		if explicit {
			return nil, nil
		}
		return c, nil
	}
	if c.State() != StateFresh {
		c = r.newConn()
		r.conn = c
	}
	r.cancelDial = cancel
	r.mu.Unlock()

	// A failed dial leaves the Conn fresh and reusable.
	err := c.Connect(ctx, r.host, r.port)
	if err == nil && ctx.Err() != nil {
		// Close ran while the stream was being adopted.
		_ = c.Close()
		err = errors.Wrap(ctx.Err(), "connect aborted")
	}

	r.mu.Lock()
	r.cancelDial = nil
	cb := r.onReconnect
	r.mu.Unlock()
	r.dialMu.Unlock()

	if err != nil {
		return nil, err
	}
	if cb != nil {
		cb()
	}
	return c, nil
}

// Send connects first if needed, then sends p. The reconnect callback runs
// before p is sent and may itself call Send.
func (r *Reconnector) Send(p Packet) error {
	c := r.Conn()
	if !c.IsConnected() {
		r.logger.Debug("auto connecting", "host", r.host, "port", r.port)
		var err error
		if c, err = r.connect(context.Background(), false); err != nil {
			return err
		}
	}
	return c.Send(p)
}

// IsConnected reports whether the current connection is connected.
func (r *Reconnector) IsConnected() bool {
	return r.Conn().IsConnected()
}

// Close closes the current connection and aborts a connect attempt in
// progress. A later Send reconnects.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	c, cancel := r.conn, r.cancelDial
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return c.Close()
}
