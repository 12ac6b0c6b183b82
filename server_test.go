package pnet

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

// startTestServer starts a server on a free loopback port.
func startTestServer(t *testing.T, l Listener, opts ...ServerOption) *Server {
	t.Helper()

	base := []ServerOption{
		ServerLoggerOption(quietLogger()),
		ServerListenerFactoryOption(TCPListenerFactory{Host: "127.0.0.1"}),
	}
	s := NewServer(append(base, opts...)...)
	s.SetListener(l)
	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// dialTestServer connects a client Conn to s.
func dialTestServer(t *testing.T, s *Server, l Listener) *Conn {
	t.Helper()

	c := NewConn(LoggerOption(quietLogger()), ListenerOption(l), ConnectTimeoutOption(5*time.Second))
	if err := c.Connect(context.Background(), "127.0.0.1", s.Port()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewServer_Defaults(t *testing.T) {
	s := NewServer()

	if s.Addr() != nil {
		t.Error("Addr should be nil before Start")
	}
	if s.Port() != 0 {
		t.Errorf("Port() = %d before Start", s.Port())
	}
	if _, ok := s.factory.(TCPListenerFactory); !ok {
		t.Errorf("factory = %T, want TCPListenerFactory", s.factory)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop before Start failed: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Errorf("Wait before Start failed: %v", err)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := startTestServer(t, nil)

	if s.Port() == 0 {
		t.Fatal("server has no port")
	}
	if err := s.Start(context.Background(), 0); !errors.Is(err, ErrIllegalState) {
		t.Errorf("second Start: expected ErrIllegalState, got %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not exit")
	}

	if err := s.Start(context.Background(), 0); !errors.Is(err, ErrIllegalState) {
		t.Errorf("Start after Stop: expected ErrIllegalState, got %v", err)
	}
}

func TestServer_SamePortTwice(t *testing.T) {
	a := startTestServer(t, nil)

	b := NewServer(
		ServerLoggerOption(quietLogger()),
		ServerListenerFactoryOption(TCPListenerFactory{Host: "127.0.0.1"}),
	)
	if err := b.Start(context.Background(), a.Port()); err == nil {
		b.Stop()
		t.Fatal("second server bound the same port")
	}
	if b.Addr() != nil {
		t.Error("failed server reports an address")
	}
}

func TestServer_DispatchByID(t *testing.T) {
	var idOne, fallback atomic.Int32
	received := make(chan struct{}, 1)

	d := NewDistributor()
	if err := d.RegisterFunc(1, func(p Packet, c *Conn) error {
		idOne.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d.SetDefault(PacketHandlerFunc(func(p Packet, c *Conn) error {
		fallback.Add(1)
		received <- struct{}{}
		return nil
	}))

	s := startTestServer(t, d.Listener())
	c := dialTestServer(t, s, nil)

	if err := c.Send(NewPacket(Request, 2, nil)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for dispatch")
	}
	if fallback.Load() != 1 || idOne.Load() != 0 {
		t.Errorf("default = %d, id 1 = %d; want 1, 0", fallback.Load(), idOne.Load())
	}
}

func TestServer_Echo(t *testing.T) {
	echo := ListenerFuncs{Receive: func(p Packet, c *Conn) error {
		return c.Send(NewPacket(Reply, p.ID(), p.Data()))
	}}
	s := startTestServer(t, echo)

	client := newRecordingListener()
	c := dialTestServer(t, s, client)

	if err := c.Send(NewPacket(Request, 9, []byte("ping"))); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got := client.waitPacket(t)
	if !got.IsReply() || got.ID() != 9 || string(got.Data()) != "ping" {
		t.Errorf("echo = %v", got)
	}
}

func TestServer_TracksConnections(t *testing.T) {
	events := newRecordingListener()
	s := startTestServer(t, events)

	c1 := dialTestServer(t, s, nil)
	dialTestServer(t, s, nil)
	waitFor(t, 5*time.Second, func() bool { return s.Len() == 2 })

	if connects, _ := events.counts(); connects != 2 {
		t.Errorf("connects = %d, want 2", connects)
	}

	c1.Close()
	events.waitDisconnect(t)
	waitFor(t, 5*time.Second, func() bool { return s.Len() == 1 })
	if len(s.Conns()) != 1 {
		t.Errorf("Conns() has %d entries, want 1", len(s.Conns()))
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	events := newRecordingListener()
	s := startTestServer(t, events)

	client := newRecordingListener()
	c := dialTestServer(t, s, client)
	waitFor(t, 5*time.Second, func() bool { return s.Len() == 1 })
	serverSide := s.Conns()[0]

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	client.waitDisconnect(t)
	if c.IsConnected() {
		t.Error("client still connected after server stop")
	}
	if serverSide.IsConnected() {
		t.Error("server side still connected after stop")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after stop", s.Len())
	}
	if _, disconnects := events.counts(); disconnects != 0 {
		t.Errorf("server listener saw %d disconnects, want 0", disconnects)
	}

	_, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err == nil {
		t.Error("server still accepting after stop")
	}
}

func TestServer_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer(
		ServerLoggerOption(quietLogger()),
		ServerListenerFactoryOption(TCPListenerFactory{Host: "127.0.0.1"}),
	)
	if err := s.Start(ctx, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop on context cancel")
	}
}

func TestServer_ListenerFactoryError(t *testing.T) {
	boom := errors.New("boom")
	s := NewServer(
		ServerLoggerOption(quietLogger()),
		ServerListenerFactoryOption(ListenerFactoryFunc(func(ctx context.Context, port int) (net.Listener, error) {
			return nil, boom
		})),
	)

	if err := s.Start(context.Background(), 1234); !errors.Is(err, boom) {
		t.Errorf("expected wrapped factory error, got %v", err)
	}
}

func TestServer_ConnOptions(t *testing.T) {
	m := NewMetrics("server_test", nil)
	events := newRecordingListener()
	s := startTestServer(t, events,
		ServerMetricsOption(m),
		ServerConnOptions(ReadTimeoutOption(50*time.Millisecond)),
	)

	dialTestServer(t, s, nil)
	// The accepted side drops the idle client after the read timeout.
	events.waitDisconnect(t)
	waitFor(t, 5*time.Second, func() bool { return s.Len() == 0 })
}

func TestServer_ConnFactory(t *testing.T) {
	var created atomic.Int32
	s := startTestServer(t, nil, ServerConnFactoryOption(func() *Conn {
		created.Add(1)
		return NewConn(LoggerOption(quietLogger()))
	}))

	dialTestServer(t, s, nil)
	waitFor(t, 5*time.Second, func() bool { return s.Len() == 1 })
	if created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", created.Load())
	}
}

func TestServer_Throughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	const n = 100000
	var count, bad atomic.Int64
	done := make(chan struct{})
	s := startTestServer(t, ListenerFuncs{Receive: func(p Packet, c *Conn) error {
		if !p.IsRequest() || p.Len() != 0 {
			bad.Add(1)
		}
		if count.Add(1) == n {
			close(done)
		}
		return nil
	}})
	c := dialTestServer(t, s, nil)

	empty := NewPacket(Request, 0, nil)
	for i := 0; i < n; i++ {
		if err := c.Send(empty); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("server observed %d of %d packets", count.Load(), n)
	}
	if bad.Load() != 0 {
		t.Errorf("%d unexpected packets", bad.Load())
	}
}
