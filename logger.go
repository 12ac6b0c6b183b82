package pnet

import (
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation, use the default slog
// logger or wrap a zerolog logger with NewZerologLogger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// zerologLogger adapts a zerolog.Logger to Logger.
type zerologLogger struct {
	l zerolog.Logger
}

// NewZerologLogger returns a Logger that writes through l. Key-value
// arguments become event fields; a key without a value is logged under
// "!BADKEY" like slog does.
func NewZerologLogger(l zerolog.Logger) Logger {
	return &zerologLogger{l: l}
}

func (z *zerologLogger) Debug(msg string, args ...any) { z.emit(z.l.Debug(), msg, args) }
func (z *zerologLogger) Info(msg string, args ...any)  { z.emit(z.l.Info(), msg, args) }
func (z *zerologLogger) Warn(msg string, args ...any)  { z.emit(z.l.Warn(), msg, args) }
func (z *zerologLogger) Error(msg string, args ...any) { z.emit(z.l.Error(), msg, args) }

func (z *zerologLogger) emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			e = e.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
