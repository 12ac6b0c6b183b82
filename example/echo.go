package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/pnet"
)

const (
	idEcho  int16 = 1
	idStats int16 = 2
)

// handler echoes packets and counts what it has seen.
type handler struct {
	echoed  atomic.Int64
	unknown atomic.Int64
}

func (h *handler) echo(p pnet.Packet, c *pnet.Conn) error {
	h.echoed.Add(1)
	return c.Send(pnet.NewPacket(pnet.Reply, p.ID(), p.Data()))
}

func (h *handler) stats(p pnet.Packet, c *pnet.Conn) error {
	reply, err := pnet.NewBuilder(pnet.Reply).
		WithID(p.ID()).
		WithLong(h.echoed.Load()).
		WithLong(h.unknown.Load()).
		Build()
	if err != nil {
		return err
	}
	return c.Send(reply)
}

func (h *handler) HandlePacket(p pnet.Packet, c *pnet.Conn) error {
	h.unknown.Add(1)
	slog.Warn("no handler for packet", "packet", p, "addr", c.RemoteAddr())
	return nil
}

func main() {
	h := new(handler)

	d := pnet.NewDistributor()
	if err := d.RegisterFunc(idEcho, h.echo); err != nil {
		panic(err)
	}
	if err := d.RegisterFunc(idStats, h.stats); err != nil {
		panic(err)
	}
	d.SetDefault(h)

	server := pnet.NewServer(
		pnet.ServerListenerFactoryOption(pnet.TCPListenerFactory{Host: "127.0.0.1"}),
	)
	server.SetListener(pnet.ListenerFuncs{
		Connect: func(c *pnet.Conn) {
			slog.Info("client connected", "addr", c.RemoteAddr())
		},
		Disconnect: func(c *pnet.Conn) {
			slog.Info("client disconnected", "addr", c.RemoteAddr())
		},
		Receive: d.OnReceive,
	})

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx, 12345); err != nil {
		slog.Error("failed to start server", "error", err)
		return
	}

	slog.Info("server start", "addr", server.Addr())
	if err := server.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}
	slog.Info("server stopped", "echoed", h.echoed.Load(), "unknown", h.unknown.Load())
}
