package pnet

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Builder assembles the payload of a packet as an ordered sequence of typed
// fields. A Builder is single-use: once Build has been called every further
// With call is rejected and recorded as ErrIllegalState.
//
// All methods are safe for concurrent use, although field order is only
// meaningful when a single goroutine writes.
type Builder struct {
	mu    sync.Mutex
	typ   Type
	id    int16
	buf   bytes.Buffer
	built bool
	err   error
}

// NewBuilder returns a builder for a packet of type t with id 0.
func NewBuilder(t Type) *Builder {
	return &Builder{typ: t}
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// write runs fn on the payload buffer unless the builder is sealed.
func (b *Builder) write(field string, fn func(buf *bytes.Buffer)) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		if b.err == nil {
			b.err = errors.Wrapf(ErrIllegalState, "with %s: packet already built", field)
		}
		return b
	}
	fn(&b.buf)
	return b
}

// WithID sets the packet id.
func (b *Builder) WithID(id int16) *Builder {
	return b.write("id", func(*bytes.Buffer) { b.id = id })
}

// WithByte appends a single byte.
func (b *Builder) WithByte(v byte) *Builder {
	return b.write("byte", func(buf *bytes.Buffer) { buf.WriteByte(v) })
}

// WithBytes appends v prefixed by its uint32 length.
func (b *Builder) WithBytes(v []byte) *Builder {
	return b.write("bytes", func(buf *bytes.Buffer) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(v)))
		buf.Write(n[:])
		buf.Write(v)
	})
}

// WithShort appends a big-endian int16.
func (b *Builder) WithShort(v int16) *Builder {
	return b.write("short", func(buf *bytes.Buffer) {
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(v))
		buf.Write(n[:])
	})
}

// WithInt appends a big-endian int32.
func (b *Builder) WithInt(v int32) *Builder {
	return b.write("int", func(buf *bytes.Buffer) { putUint32(buf, uint32(v)) })
}

// WithLong appends a big-endian int64.
func (b *Builder) WithLong(v int64) *Builder {
	return b.write("long", func(buf *bytes.Buffer) { putUint64(buf, uint64(v)) })
}

// WithFloat appends the IEEE-754 bits of v.
func (b *Builder) WithFloat(v float32) *Builder {
	return b.write("float", func(buf *bytes.Buffer) { putUint32(buf, math.Float32bits(v)) })
}

// WithDouble appends the IEEE-754 bits of v.
func (b *Builder) WithDouble(v float64) *Builder {
	return b.write("double", func(buf *bytes.Buffer) { putUint64(buf, math.Float64bits(v)) })
}

// WithBoolean appends 1 for true and 0 for false.
func (b *Builder) WithBoolean(v bool) *Builder {
	return b.write("boolean", func(buf *bytes.Buffer) {
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	})
}

// WithString appends s in modified UTF-8. Encodings shorter than 65535
// bytes get a uint16 length prefix; longer ones get the 0xFFFF marker
// followed by an int64 length.
func (b *Builder) WithString(s string) *Builder {
	return b.write("string", func(buf *bytes.Buffer) {
		enc := encodeModifiedUTF8(s)
		var n [2]byte
		if len(enc) < longStringMarker {
			binary.BigEndian.PutUint16(n[:], uint16(len(enc)))
			buf.Write(n[:])
		} else {
			binary.BigEndian.PutUint16(n[:], longStringMarker)
			buf.Write(n[:])
			putUint64(buf, uint64(len(enc)))
		}
		buf.Write(enc)
	})
}

// Build seals the builder and returns the packet.
func (b *Builder) Build() (Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return Packet{}, errors.Wrap(ErrIllegalState, "packet already built")
	}
	if b.err != nil {
		return Packet{}, b.err
	}
	b.built = true
	if b.buf.Len() > DefaultMaxDataLength {
		return Packet{}, errors.Wrapf(ErrProtocol, "payload of %d bytes exceeds limit", b.buf.Len())
	}
	return newPacketNoCopy(b.typ, b.id, b.buf.Bytes()), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	buf.Write(n[:])
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	buf.Write(n[:])
}
