package pnet

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// Reader consumes the typed fields written by a Builder, in the same order.
type Reader struct {
	mu     sync.Mutex
	packet Packet
	offset int
}

// NewReader returns a reader positioned at the start of p's payload.
func NewReader(p Packet) *Reader {
	return &Reader{packet: p}
}

// Read runs fn with a reader over p.
func Read(p Packet, fn func(r *Reader) error) error {
	return fn(NewReader(p))
}

// Packet returns the packet being read.
func (r *Reader) Packet() Packet {
	return r.packet
}

// Remaining returns the number of unread payload bytes.
func (r *Reader) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packet.data) - r.offset
}

// need reserves n bytes and returns them.
func (r *Reader) need(field string, n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.packet.data) || r.offset+n < r.offset {
		return nil, errors.Wrapf(ErrTruncated, "read %s: need %d bytes, have %d",
			field, n, len(r.packet.data)-r.offset)
	}
	b := r.packet.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *Reader) read(field string, n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.need(field, n)
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	b, err := r.read("byte", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBytes reads a uint32 length-prefixed byte slice. The returned slice is
// a copy.
func (r *Reader) ReadBytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.offset
	n, err := r.need("bytes length", 4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(n)
	if uint64(length) > uint64(len(r.packet.data)-r.offset) {
		r.offset = start
		return nil, errors.Wrapf(ErrProtocol, "read bytes: length %d exceeds remaining %d",
			length, len(r.packet.data)-r.offset-4)
	}
	b, _ := r.need("bytes", int(length))
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadShort reads a big-endian int16.
func (r *Reader) ReadShort() (int16, error) {
	b, err := r.read("short", 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt reads a big-endian int32.
func (r *Reader) ReadInt() (int32, error) {
	b, err := r.read("int", 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadLong reads a big-endian int64.
func (r *Reader) ReadLong() (int64, error) {
	b, err := r.read("long", 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// ReadFloat reads an IEEE-754 float32.
func (r *Reader) ReadFloat() (float32, error) {
	b, err := r.read("float", 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// ReadDouble reads an IEEE-754 float64.
func (r *Reader) ReadDouble() (float64, error) {
	b, err := r.read("double", 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// ReadBoolean reads one byte; any non-zero value is true.
func (r *Reader) ReadBoolean() (bool, error) {
	b, err := r.read("boolean", 1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// ReadString reads a string written by Builder.WithString.
func (r *Reader) ReadString() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.offset
	fail := func(err error) (string, error) {
		r.offset = start
		return "", err
	}

	b, err := r.need("string length", 2)
	if err != nil {
		return fail(err)
	}
	length := uint64(binary.BigEndian.Uint16(b))
	if length == longStringMarker {
		b, err = r.need("long string length", 8)
		if err != nil {
			return fail(err)
		}
		length = binary.BigEndian.Uint64(b)
	}
	if length > uint64(len(r.packet.data)-r.offset) {
		return fail(errors.Wrapf(ErrProtocol, "read string: length %d exceeds remaining %d",
			length, len(r.packet.data)-r.offset))
	}
	b, _ = r.need("string", int(length))
	s, err := decodeModifiedUTF8(b)
	if err != nil {
		return fail(err)
	}
	return s, nil
}
