package pnet

import (
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Error kinds. Use errors.Is to test for a kind; returned errors carry
// additional context wrapped around these values.
var (
	// ErrClosed is returned when the peer closed the stream or the connection
	// was closed locally. It is the expected terminal condition.
	ErrClosed = errors.New("connection closed")
	// ErrProtocol is returned for malformed frames or payloads.
	ErrProtocol = errors.New("protocol error")
	// ErrTruncated is returned when the stream ends in the middle of a frame
	// or a payload field. It is a protocol error.
	ErrTruncated = errors.Wrap(ErrProtocol, "truncated")
	// ErrIllegalState is returned for API misuse.
	ErrIllegalState = errors.New("illegal state")
	// ErrAlreadyRegistered is returned when a handler is registered twice for one id.
	ErrAlreadyRegistered = errors.Wrap(ErrIllegalState, "handler already registered")
	// ErrNotConnected is returned by Send when the connection is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrCompression is returned when a gzip round trip fails.
	ErrCompression = errors.New("compression error")
	// ErrTLSConfig is returned for invalid TLS material or policy.
	ErrTLSConfig = errors.New("tls config")
)

// IsIOError reports whether err originates from the network or a stream,
// as opposed to an application failure.
func IsIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrNotConnected) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno)
}

// isClosedError reports whether err means the stream is gone for an expected
// reason: clean EOF, local close, or a reset from the peer.
func isClosedError(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
