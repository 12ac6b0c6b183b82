package pnet

import (
	"bytes"
	deflate "compress/gzip"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compress returns a packet with the same type and id whose payload is the
// gzip (best compression) encoding of p's payload. Short or random payloads
// may grow.
//
// Level 9 in klauspost/compress degrades badly on long byte runs, so the
// writer is compress/gzip. Inflating uses klauspost/compress.
func Compress(p Packet) (Packet, error) {
	var buf bytes.Buffer
	zw, err := deflate.NewWriterLevel(&buf, deflate.BestCompression)
	if err != nil {
		return Packet{}, errors.Wrap(ErrCompression, err.Error())
	}
	if _, err := zw.Write(p.data); err != nil {
		return Packet{}, errors.Wrapf(ErrCompression, "deflate: %v", err)
	}
	if err := zw.Close(); err != nil {
		return Packet{}, errors.Wrapf(ErrCompression, "deflate: %v", err)
	}
	return newPacketNoCopy(p.typ, p.id, buf.Bytes()), nil
}

// Decompress inverts Compress. Output larger than DefaultMaxDataLength is
// rejected.
func Decompress(p Packet) (Packet, error) {
	return Decompressor{}.Decompress(p)
}

// Decompressor inflates packets with a bound on the inflated size.
type Decompressor struct {
	// MaxDataLength caps the inflated payload. Zero means DefaultMaxDataLength.
	MaxDataLength int32
}

// Decompress inflates p's payload.
func (d Decompressor) Decompress(p Packet) (Packet, error) {
	limit := int64(d.MaxDataLength)
	if limit <= 0 {
		limit = DefaultMaxDataLength
	}

	zr, err := gzip.NewReader(bytes.NewReader(p.data))
	if err != nil {
		return Packet{}, errors.Wrapf(ErrCompression, "inflate: %v", err)
	}
	defer zr.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(zr, limit+1))
	if err != nil {
		return Packet{}, errors.Wrapf(ErrCompression, "inflate: %v", err)
	}
	if n > limit {
		return Packet{}, errors.Wrapf(ErrCompression, "inflated payload exceeds %d bytes", limit)
	}
	return newPacketNoCopy(p.typ, p.id, buf.Bytes()), nil
}
