package pnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}

	// Verify it's the slog default
	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

// logEntry is one call recorded by mockLogger.
type logEntry struct {
	level string
	msg   string
	args  []any
}

// mockLogger records every call. Safe for concurrent use.
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *mockLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

// count returns how many entries match level and msg.
func (l *mockLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

func TestLogger_CustomImplementation(t *testing.T) {
	logger := &mockLogger{}

	c := NewConn(LoggerOption(logger))
	if c.logger != logger {
		t.Fatal("connection does not use the configured logger")
	}

	_ = c.Connect(context.Background(), "", 0)
	if err := c.Send(NewPacket(Request, 0, nil)); err != ErrNotConnected {
		t.Fatalf("Send = %v", err)
	}

	a, _ := newAdoptedPair(t, nil, nil, LoggerOption(logger))
	a.Close()
	if logger.count("info", "connection established") != 2 {
		t.Errorf("connection established logged %d times, want 2", logger.count("info", "connection established"))
	}
}

func decodeZerologLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	buf.Reset()
	return m
}

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf))

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
	logger.Info("connection established", "addr", addr, "count", 3, "error", errors.New("boom"))

	m := decodeZerologLine(t, &buf)
	if m["level"] != "info" {
		t.Errorf("level = %v", m["level"])
	}
	if m["message"] != "connection established" {
		t.Errorf("message = %v", m["message"])
	}
	if m["addr"] != "127.0.0.1:9000" {
		t.Errorf("addr = %v", m["addr"])
	}
	if m["count"] != float64(3) {
		t.Errorf("count = %v", m["count"])
	}
	if m["error"] != "boom" {
		t.Errorf("error = %v", m["error"])
	}
}

func TestZerologLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug written below the configured level: %q", buf.String())
	}

	logger.Warn("careful")
	if m := decodeZerologLine(t, &buf); m["level"] != "warn" {
		t.Errorf("level = %v, want warn", m["level"])
	}
	logger.Error("failed")
	if m := decodeZerologLine(t, &buf); m["level"] != "error" {
		t.Errorf("level = %v, want error", m["level"])
	}
}

func TestZerologLogger_OddArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewZerologLogger(zerolog.New(&buf))

	logger.Info("odd", "key", "value", "dangling")

	m := decodeZerologLine(t, &buf)
	if m["key"] != "value" {
		t.Errorf("key = %v", m["key"])
	}
	if m["!BADKEY"] != "dangling" {
		t.Errorf("!BADKEY = %v", m["!BADKEY"])
	}
}
