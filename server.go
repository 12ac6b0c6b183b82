package pnet

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Server accepts connections and runs a Conn for each of them. Events of all
// live connections are forwarded to one Listener.
type Server struct {
	factory  ListenerFactory
	newConn  func() *Conn
	connOpts []Option
	logger   Logger
	metrics  *Metrics

	mu       sync.Mutex // guards the fields below
	ln       net.Listener
	listener Listener
	group    *errgroup.Group
	cancel   context.CancelFunc
	stopping bool

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless overridden
// by ServerConnOptions, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerListenerFactoryOption sets how the listening socket is opened.
// Use a TLSListenerFactory for TLS. The default is plain TCP.
func ServerListenerFactoryOption(f ListenerFactory) ServerOption {
	return func(s *Server) {
		s.factory = f
	}
}

// ServerConnOptions sets the options of every accepted Conn.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerConnFactoryOption replaces how accepted connections are created.
// The factory must return fresh connections.
func ServerConnFactoryOption(fn func() *Conn) ServerOption {
	return func(s *Server) {
		s.newConn = fn
	}
}

// ServerMetricsOption records accepted connections into m.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a stopped server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		factory: TCPListenerFactory{},
		logger:  defaultLogger(),
		conns:   make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newConn == nil {
		base := []Option{LoggerOption(s.logger), MetricsOption(s.metrics)}
		connOpts := append(base, s.connOpts...)
		s.newConn = func() *Conn {
			return NewConn(connOpts...)
		}
	}
	return s
}

// SetListener sets the listener receiving the events of every connection.
func (s *Server) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *Server) getListener() Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// Start opens the listening socket on port and accepts connections in the
// background until Stop is called or ctx is canceled. Port 0 picks a free
// port; see Addr.
func (s *Server) Start(ctx context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return errors.Wrap(ErrIllegalState, "server already started")
	}
	if s.stopping {
		return errors.Wrap(ErrIllegalState, "server stopped")
	}

	s.logger.Debug("starting server", "port", port)
	ln, err := s.factory.Listen(ctx, port)
	if err != nil {
		s.logger.Error("unable to start server", "port", port, "error", err)
		return errors.Wrapf(err, "listen on port %d", port)
	}

	ctx, cancel := context.WithCancel(ctx)
	group, child := errgroup.WithContext(ctx)
	s.ln = ln
	s.group = group
	s.cancel = cancel

	group.Go(func() error {
		return s.acceptLoop(ln)
	})

	// Stop on context cancellation.
	group.Go(func() error {
		<-child.Done()
		return s.Stop()
	})

	s.logger.Info("server started", "addr", ln.Addr())
	return nil
}

// acceptLoop runs until the listening socket fails or is closed.
func (s *Server) acceptLoop(ln net.Listener) error {
	defer s.logger.Debug("acceptor stopped", "addr", ln.Addr())

	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isStopping() {
				s.logger.Info("server stopped", "addr", ln.Addr())
				s.cancelRun()
				return nil
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			s.logger.Error("accept error", "addr", ln.Addr(), "error", err)
			s.cancelRun()
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		c := s.newConn()
		c.SetListener(&serverConnListener{s: s})
		if err := c.Adopt(raw); err != nil {
			s.logger.Error("unable to adopt connection", "remote_addr", raw.RemoteAddr(), "error", err)
			_ = raw.Close()
		}
	}
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) cancelRun() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop closes every live connection without firing their OnDisconnect, then
// closes the listening socket. Safe to call multiple times. A stopped server
// cannot be started again.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Info("stopping server", "addr", ln.Addr())

	var err error
	s.connsMu.Lock()
	for c := range s.conns {
		// Detach first so OnDisconnect does not mutate conns while iterating.
		c.SetListener(nil)
		err = multierr.Append(err, c.Close())
	}
	s.conns = make(map[*Conn]struct{})
	s.connsMu.Unlock()

	if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		s.logger.Error("unable to close server", "addr", ln.Addr(), "error", cerr)
		err = multierr.Append(err, cerr)
	}
	s.cancelRun()
	return err
}

// Wait blocks until the accept loop has exited and returns its error.
func (s *Server) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Addr returns the listener's network address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Conns returns a snapshot of the live connections.
func (s *Server) Conns() []*Conn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

// serverConnListener tracks live connections and forwards events.
type serverConnListener struct {
	s *Server
}

func (l *serverConnListener) OnConnect(c *Conn) {
	l.s.connsMu.Lock()
	if l.s.isStopping() {
		l.s.connsMu.Unlock()
		c.SetListener(nil)
		_ = c.Close()
		return
	}
	l.s.conns[c] = struct{}{}
	l.s.connsMu.Unlock()
	l.s.logger.Debug("client connected", "remote_addr", c.RemoteAddr())

	if sl := l.s.getListener(); sl != nil {
		sl.OnConnect(c)
	}
}

func (l *serverConnListener) OnDisconnect(c *Conn) {
	l.s.connsMu.Lock()
	delete(l.s.conns, c)
	l.s.connsMu.Unlock()
	l.s.logger.Debug("client disconnected", "remote_addr", c.RemoteAddr())

	if sl := l.s.getListener(); sl != nil {
		sl.OnDisconnect(c)
	}
}

func (l *serverConnListener) OnReceive(p Packet, c *Conn) error {
	if sl := l.s.getListener(); sl != nil {
		return sl.OnReceive(p, c)
	}
	return nil
}
