package pnet

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// PacketHandler handles packets routed by a Distributor.
type PacketHandler interface {
	HandlePacket(p Packet, c *Conn) error
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(p Packet, c *Conn) error

// HandlePacket calls f.
func (f PacketHandlerFunc) HandlePacket(p Packet, c *Conn) error {
	return f(p, c)
}

// Distributor routes packets to handlers by packet id. A packet goes to the
// handler registered for its id, or to the default handler when there is
// none, or nowhere. A global Distributor, when set, sees every packet first.
//
// Handlers run with the distributor locked and must not call Register,
// Unregister or Clear on the same distributor. The zero value is ready to use.
type Distributor struct {
	mu       sync.Mutex
	handlers map[int16]PacketHandler
	fallback PacketHandler
	global   *Distributor
}

// NewDistributor returns an empty distributor.
func NewDistributor() *Distributor {
	return &Distributor{handlers: make(map[int16]PacketHandler)}
}

// Register installs h for id. It fails with ErrAlreadyRegistered if id has a
// handler.
func (d *Distributor) Register(id int16, h PacketHandler) error {
	if h == nil {
		return errors.Wrapf(ErrIllegalState, "nil handler for id %d", id)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[id]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "id %d", id)
	}
	if d.handlers == nil {
		d.handlers = make(map[int16]PacketHandler)
	}
	d.handlers[id] = h
	return nil
}

// RegisterFunc is Register for a function.
func (d *Distributor) RegisterFunc(id int16, fn func(p Packet, c *Conn) error) error {
	if fn == nil {
		return d.Register(id, nil)
	}
	return d.Register(id, PacketHandlerFunc(fn))
}

// Unregister removes the handler for id.
func (d *Distributor) Unregister(id int16) {
	d.mu.Lock()
	delete(d.handlers, id)
	d.mu.Unlock()
}

// Handler returns the handler registered for id, or nil.
func (d *Distributor) Handler(id int16) PacketHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[id]
}

// Clear removes every per-id handler. The default and global slots are kept.
func (d *Distributor) Clear() {
	d.mu.Lock()
	d.handlers = make(map[int16]PacketHandler)
	d.mu.Unlock()
}

// SetDefault sets the handler for packets without a per-id handler. nil
// clears it.
func (d *Distributor) SetDefault(h PacketHandler) {
	d.mu.Lock()
	d.fallback = h
	d.mu.Unlock()
}

// SetGlobal sets a distributor consulted before the local lookup. nil
// clears it.
func (d *Distributor) SetGlobal(global *Distributor) {
	d.mu.Lock()
	d.global = global
	d.mu.Unlock()
}

// Global returns the global distributor, or nil.
func (d *Distributor) Global() *Distributor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.global
}

// OnReceive routes p. The global distributor runs first; its failure does
// not prevent local dispatch. Errors from both are combined.
func (d *Distributor) OnReceive(p Packet, c *Conn) error {
	var err error
	if global := d.Global(); global != nil && global != d {
		err = global.OnReceive(p, c)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handlers[p.id]
	if !ok {
		h = d.fallback
	}
	if h != nil {
		err = multierr.Append(err, h.HandlePacket(p, c))
	}
	return err
}

// Listener returns a Listener that feeds received packets to d and ignores
// connect and disconnect events.
func (d *Distributor) Listener() Listener {
	return ListenerFuncs{Receive: d.OnReceive}
}
