package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/pnet"
)

var (
	serveMetricsAddr string
	serveSilentIDs   []int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an echo server",
	Long: `Run a server that answers every Request with a Reply carrying the same
id and payload. Packets whose id is listed with --silent are counted
but not answered.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	serveCmd.Flags().IntSliceVar(&serveSilentIDs, "silent", nil, "packet ids that are counted but not echoed")
}

// echoServer answers requests and counts traffic.
type echoServer struct {
	echoed atomic.Int64
	silent atomic.Int64
}

func (e *echoServer) HandlePacket(p pnet.Packet, c *pnet.Conn) error {
	if p.IsReply() {
		return nil
	}
	e.echoed.Add(1)
	return c.Send(pnet.NewPacket(pnet.Reply, p.ID(), p.Data()))
}

func (e *echoServer) count(p pnet.Packet, c *pnet.Conn) error {
	e.silent.Add(1)
	return nil
}

// newEchoDistributor routes silent ids to a counter and everything else to
// the echo handler.
func newEchoDistributor(e *echoServer, silent []int) (*pnet.Distributor, error) {
	d := pnet.NewDistributor()
	for _, id := range silent {
		if err := d.RegisterFunc(int16(id), e.count); err != nil {
			return nil, err
		}
	}
	d.SetDefault(e)
	return d, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr = serveMetricsAddr
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := pnet.NewMetrics("pnet", reg)

	factory, err := cfg.listenerFactory()
	if err != nil {
		return err
	}
	connOpts, err := cfg.connOptions(pnetLogger(), metrics)
	if err != nil {
		return err
	}

	e := new(echoServer)
	d, err := newEchoDistributor(e, serveSilentIDs)
	if err != nil {
		return err
	}

	server := pnet.NewServer(
		pnet.ServerLoggerOption(pnetLogger()),
		pnet.ServerListenerFactoryOption(factory),
		pnet.ServerMetricsOption(metrics),
		pnet.ServerConnOptions(connOpts...),
	)
	server.SetListener(d.Listener())

	if cfg.MetricsAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	if err := server.Start(ctx, cfg.Port); err != nil {
		return err
	}

	err = server.Wait()
	logger.Info().
		Int64("echoed", e.echoed.Load()).
		Int64("silent", e.silent.Load()).
		Msg("server stopped")
	return err
}
