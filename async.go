package pnet

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
)

// CompletionFunc receives the result of an asynchronous operation.
type CompletionFunc func(err error)

type asyncPacket struct {
	packet Packet
	done   CompletionFunc
}

func (a asyncPacket) complete(err error) {
	if a.done != nil {
		a.done(err)
	}
}

// AsyncSender wraps a Client with a send queue drained by a single worker
// goroutine. The worker starts on the first enqueue and exits when the queue
// is empty; the next enqueue starts a new one.
//
// Ordinary packets are sent in enqueue order. Top priority packets jump the
// queue and are sent most recent first.
type AsyncSender struct {
	client Client
	logger Logger

	mu       sync.Mutex    // guards the fields below
	priority []asyncPacket // LIFO, drained before fifo
	fifo     *queue.Queue
	running  bool
	gen      uint64        // bumped by Close to retire the running worker
	idle     chan struct{} // closed when the current worker exits
}

// AsyncOption configures an AsyncSender.
type AsyncOption func(*AsyncSender)

// AsyncLoggerOption sets the logger of the sender.
func AsyncLoggerOption(logger Logger) AsyncOption {
	return func(a *AsyncSender) {
		a.logger = logger
	}
}

// NewAsyncSender wraps client.
func NewAsyncSender(client Client, opts ...AsyncOption) *AsyncSender {
	idle := make(chan struct{})
	close(idle)

	a := &AsyncSender{
		client: client,
		logger: defaultLogger(),
		fifo:   queue.New(),
		idle:   idle,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Client returns the wrapped client.
func (a *AsyncSender) Client() Client {
	return a.client
}

// SendAsync queues p and returns immediately. done, if not nil, is called
// from the worker goroutine with the result of the send. With topPriority
// the packet goes to the head of the queue.
//
// Packets queued after Close start a new worker; whether they are delivered
// depends on the wrapped client.
func (a *AsyncSender) SendAsync(p Packet, topPriority bool, done CompletionFunc) {
	a.mu.Lock()
	a.logger.Debug("scheduling async packet", "packet", p, "top_priority", topPriority)
	entry := asyncPacket{packet: p, done: done}
	if topPriority {
		a.priority = append(a.priority, entry)
	} else {
		a.fifo.Add(entry)
	}

	if !a.running {
		a.running = true
		a.idle = make(chan struct{})
		go a.drain(a.gen, a.idle)
	}
	a.mu.Unlock()
}

// next pops the head of the queue, or reports that the worker must stop.
func (a *AsyncSender) next(gen uint64) (asyncPacket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.gen != gen {
		return asyncPacket{}, false
	}
	if n := len(a.priority); n > 0 {
		entry := a.priority[n-1]
		a.priority[n-1] = asyncPacket{}
		a.priority = a.priority[:n-1]
		return entry, true
	}
	if a.fifo.Length() > 0 {
		return a.fifo.Remove().(asyncPacket), true
	}
	a.running = false
	return asyncPacket{}, false
}

func (a *AsyncSender) drain(gen uint64, idle chan struct{}) {
	defer close(idle)

	a.logger.Debug("async sender started")
	for {
		entry, ok := a.next(gen)
		if !ok {
			break
		}
		entry.complete(a.client.Send(entry.packet))
	}
	a.logger.Debug("async sender stopped")
}

// Wait blocks until the queue has been drained or the sender closed.
func (a *AsyncSender) Wait() {
	a.mu.Lock()
	idle := a.idle
	a.mu.Unlock()
	<-idle
}

// Pending returns the number of queued packets.
func (a *AsyncSender) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.priority) + a.fifo.Length()
}

// ConnectAsync connects the wrapped client in a new goroutine and reports
// the result to done. If the client is already connected done receives
// ErrIllegalState.
func (a *AsyncSender) ConnectAsync(ctx context.Context, host string, port int, done CompletionFunc) {
	if a.client.IsConnected() {
		if done != nil {
			done(errors.Wrap(ErrIllegalState, "already connected"))
		}
		return
	}

	a.logger.Debug("starting async connect", "host", host, "port", port)
	go func() {
		err := a.client.Connect(ctx, host, port)
		if done != nil {
			done(err)
		}
	}()
}

// Connect connects the wrapped client synchronously.
func (a *AsyncSender) Connect(ctx context.Context, host string, port int) error {
	return a.client.Connect(ctx, host, port)
}

// Send sends p synchronously, bypassing the queue.
func (a *AsyncSender) Send(p Packet) error {
	return a.client.Send(p)
}

// IsConnected reports whether the wrapped client is connected.
func (a *AsyncSender) IsConnected() bool {
	return a.client.IsConnected()
}

// Close closes the wrapped client and discards queued packets without
// calling their completions. A send already in progress completes.
func (a *AsyncSender) Close() error {
	a.mu.Lock()
	a.gen++
	a.running = false
	dropped := len(a.priority) + a.fifo.Length()
	a.priority = nil
	a.fifo = queue.New()
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Debug("discarded queued packets", "count", dropped)
	}
	return a.client.Close()
}
