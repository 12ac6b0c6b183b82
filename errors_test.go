package pnet

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestErrorKinds(t *testing.T) {
	if !errors.Is(ErrTruncated, ErrProtocol) {
		t.Error("ErrTruncated should be a protocol error")
	}
	if !errors.Is(ErrAlreadyRegistered, ErrIllegalState) {
		t.Error("ErrAlreadyRegistered should be an illegal state error")
	}
	if errors.Is(ErrProtocol, ErrTruncated) {
		t.Error("ErrProtocol must not match ErrTruncated")
	}

	wrapped := pkgerrors.Wrap(ErrTruncated, "read header")
	if !errors.Is(wrapped, ErrTruncated) || !errors.Is(wrapped, ErrProtocol) {
		t.Errorf("wrapped kind lost: %v", wrapped)
	}
}

func TestIsIOError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", pkgerrors.Wrap(io.ErrUnexpectedEOF, "read"), true},
		{"net closed", net.ErrClosed, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"closed", ErrClosed, true},
		{"not connected", ErrNotConnected, true},
		{"errno", syscall.ECONNRESET, true},
		{"op error", &net.OpError{Op: "read", Net: "tcp", Err: syscall.EPIPE}, true},
		{"protocol", ErrProtocol, false},
		{"application", errors.New("bad request"), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsIOError(tt.err); got != tt.want {
				t.Errorf("IsIOError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsClosedError(t *testing.T) {
	for _, err := range []error{ErrClosed, net.ErrClosed, io.EOF, syscall.ECONNRESET, syscall.EPIPE} {
		if !isClosedError(pkgerrors.Wrap(err, "read")) {
			t.Errorf("isClosedError(%v) = false", err)
		}
	}
	if isClosedError(ErrTruncated) {
		t.Error("a truncated frame is not a clean close")
	}
}
