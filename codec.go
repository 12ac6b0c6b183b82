package pnet

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// HeaderLen is the size of the fixed frame header: type(1) + id(2) + length(4).
const HeaderLen = 7

// DefaultMaxDataLength is the largest payload accepted by a zero PacketCodec.
const DefaultMaxDataLength = math.MaxInt32

// coalesceLimit is the largest payload written together with its header in a
// single Write call. It also bounds the first allocation made for a payload
// being read.
const coalesceLimit = 64 * 1024

// Codec is the interface for packet framing.
//
// Decode reads from an io.Reader so the codec controls exactly how many bytes
// are consumed for one packet, which handles TCP stream reassembly.
type Codec interface {
	// Decode reads exactly one framed packet from r, blocking as needed.
	Decode(r io.Reader) (Packet, error)
	// Encode writes p to w as one frame. The caller flushes w.
	Encode(w io.Writer, p Packet) error
}

// PacketCodec implements the packet wire format:
//
//	offset  size  field
//	 0      1     type   (0=Request, 1=Reply)
//	 1      2     id     (int16, big-endian)
//	 3      4     length (int32, big-endian, non-negative)
//	 7      N     data
//
// The zero value is ready to use.
type PacketCodec struct {
	// MaxDataLength caps the payload of decoded and encoded frames.
	// Zero or negative means DefaultMaxDataLength.
	MaxDataLength int32
}

func (c PacketCodec) maxDataLength() int32 {
	if c.MaxDataLength <= 0 {
		return DefaultMaxDataLength
	}
	return c.MaxDataLength
}

// Decode reads one packet. It returns ErrClosed when r reports EOF before the
// first header byte, ErrTruncated when r ends inside the frame and
// ErrProtocol for a bad type byte, a negative length or an oversize frame.
func (c PacketCodec) Decode(r io.Reader) (Packet, error) {
	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case err == io.EOF:
			return Packet{}, ErrClosed
		case err == io.ErrUnexpectedEOF:
			return Packet{}, errors.Wrap(ErrTruncated, "read header")
		default:
			return Packet{}, errors.Wrap(err, "read header")
		}
	}

	t := Type(header[0])
	if !t.Valid() {
		return Packet{}, errors.Wrapf(ErrProtocol, "unknown packet type %d", header[0])
	}
	id := int16(binary.BigEndian.Uint16(header[1:3]))
	length := int32(binary.BigEndian.Uint32(header[3:7]))
	if length < 0 {
		return Packet{}, errors.Wrapf(ErrProtocol, "negative length %d", length)
	}
	if length > c.maxDataLength() {
		return Packet{}, errors.Wrapf(ErrProtocol, "frame of %d bytes exceeds limit %d", length, c.maxDataLength())
	}

	if length == 0 {
		return newPacketNoCopy(t, id, nil), nil
	}

	data, err := readData(r, int(length))
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Packet{}, errors.Wrapf(ErrTruncated, "read %d data bytes", length)
		}
		return Packet{}, errors.Wrap(err, "read data")
	}
	return newPacketNoCopy(t, id, data), nil
}

// readData reads exactly n payload bytes. Above coalesceLimit the buffer grows
// with the bytes actually received, not with the announced length.
func readData(r io.Reader, n int) ([]byte, error) {
	if n <= coalesceLimit {
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	var buf bytes.Buffer
	buf.Grow(coalesceLimit)
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the header followed by the payload.
func (c PacketCodec) Encode(w io.Writer, p Packet) error {
	if !p.typ.Valid() {
		return errors.Wrapf(ErrProtocol, "unknown packet type %d", uint8(p.typ))
	}
	if int64(len(p.data)) > int64(c.maxDataLength()) {
		return errors.Wrapf(ErrProtocol, "frame of %d bytes exceeds limit %d", len(p.data), c.maxDataLength())
	}

	if len(p.data) <= coalesceLimit {
		buf := make([]byte, HeaderLen+len(p.data))
		putHeader(buf, p)
		copy(buf[HeaderLen:], p.data)
		_, err := w.Write(buf)
		return err
	}

	var header [HeaderLen]byte
	putHeader(header[:], p)
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(p.data)
	return err
}

func putHeader(b []byte, p Packet) {
	b[0] = byte(p.typ)
	binary.BigEndian.PutUint16(b[1:3], uint16(p.id))
	binary.BigEndian.PutUint32(b[3:7], uint32(len(p.data)))
}

// ReadPacket decodes one packet from r with the default codec.
func ReadPacket(r io.Reader) (Packet, error) {
	return PacketCodec{}.Decode(r)
}

// WritePacket encodes p to w with the default codec.
func WritePacket(w io.Writer, p Packet) error {
	return PacketCodec{}.Encode(w, p)
}
