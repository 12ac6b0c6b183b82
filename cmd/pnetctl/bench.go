package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/pnet"
)

var (
	benchCount   int
	benchSize    int
	benchAsync   bool
	benchTimeout time.Duration
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure round trips against an echo server",
	Long: `Send --count packets of --size bytes and wait until the echo server has
answered all of them.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchCount, "count", "n", 100000, "number of packets")
	benchCmd.Flags().IntVar(&benchSize, "size", 0, "payload size in bytes")
	benchCmd.Flags().BoolVar(&benchAsync, "async", false, "send through the asynchronous queue")
	benchCmd.Flags().DurationVar(&benchTimeout, "timeout", time.Minute, "how long to wait for all replies")
}

// benchResult summarizes a run.
type benchResult struct {
	Sent     int64
	Failed   int64
	Replies  int64
	Elapsed  time.Duration
	Complete bool
}

func (r benchResult) String() string {
	rate := float64(r.Replies) / r.Elapsed.Seconds()
	return fmt.Sprintf("sent=%d failed=%d replies=%d elapsed=%s rate=%.0f/s complete=%v",
		r.Sent, r.Failed, r.Replies, r.Elapsed.Round(time.Millisecond), rate, r.Complete)
}

// runBenchmark sends count packets over client and waits for the replies
// counted by replies.
func runBenchmark(client pnet.Client, replies *atomic.Int64, done <-chan struct{}, count, size int, async bool, timeout time.Duration) benchResult {
	var sent, failed atomic.Int64
	p := pnet.NewPacket(pnet.Request, 0, make([]byte, size))

	start := time.Now()
	if async {
		sender := pnet.NewAsyncSender(client, pnet.AsyncLoggerOption(pnetLogger()))
		for i := 0; i < count; i++ {
			sender.SendAsync(p, false, func(err error) {
				if err != nil {
					failed.Add(1)
					return
				}
				sent.Add(1)
			})
		}
		sender.Wait()
	} else {
		for i := 0; i < count; i++ {
			if err := client.Send(p); err != nil {
				failed.Add(1)
				continue
			}
			sent.Add(1)
		}
	}

	var complete bool
	select {
	case <-done:
		complete = true
	case <-time.After(timeout):
	}

	return benchResult{
		Sent:     sent.Load(),
		Failed:   failed.Load(),
		Replies:  replies.Load(),
		Elapsed:  time.Since(start),
		Complete: complete,
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchCount <= 0 {
		return errors.Errorf("invalid count %d", benchCount)
	}
	opts, err := cfg.connOptions(pnetLogger(), nil)
	if err != nil {
		return err
	}

	var replies atomic.Int64
	done := make(chan struct{})
	listener := pnet.ListenerFuncs{Receive: func(p pnet.Packet, c *pnet.Conn) error {
		if replies.Add(1) == int64(benchCount) {
			close(done)
		}
		return nil
	}}

	conn := pnet.NewConn(append(opts, pnet.ListenerOption(listener))...)
	if err := conn.Connect(cmd.Context(), cfg.Host, cfg.Port); err != nil {
		return err
	}
	defer conn.Close()

	result := runBenchmark(conn, &replies, done, benchCount, benchSize, benchAsync, benchTimeout)
	fmt.Fprintln(cmd.OutOrStdout(), result)
	if !result.Complete {
		return errors.Errorf("received %d of %d replies", result.Replies, benchCount)
	}
	return nil
}
