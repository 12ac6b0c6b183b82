package pnet

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	codec    Codec
	dialer   Dialer
	logger   Logger
	listener Listener
	metrics  *Metrics

	readBufferSize  int           // size of the buffered reader
	writeBufferSize int           // size of the buffered writer
	maxPacketSize   int32         // maximum payload of a single packet
	readTimeout     time.Duration // deadline for each packet read, 0 disables
	writeTimeout    time.Duration // deadline for each send, 0 disables
	connectTimeout  time.Duration // deadline for Connect, 0 disables
	keepAlive       bool
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the read and write buffers.
	defaultBufferSize = 8 * 1024
)

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultBufferSize
	}
	if opts.writeBufferSize <= 0 {
		opts.writeBufferSize = defaultBufferSize
	}
	if opts.maxPacketSize <= 0 {
		opts.maxPacketSize = DefaultMaxDataLength
	}
	if opts.codec == nil {
		opts.codec = PacketCodec{MaxDataLength: opts.maxPacketSize}
	}
	if opts.dialer == nil {
		opts.dialer = TCPDialer{Timeout: opts.connectTimeout}
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// CodecOption returns an Option that replaces the packet codec.
// The default is a PacketCodec limited by MaxPacketSizeOption.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// DialerOption returns an Option that sets how Connect opens streams.
// Use a TLSDialer for TLS.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// ListenerOption returns an Option that installs the event listener.
func ListenerOption(l Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// ReadBufferSizeOption returns an Option that sets the read buffer size.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// WriteBufferSizeOption returns an Option that sets the write buffer size.
func WriteBufferSizeOption(size int) Option {
	return func(o *options) {
		o.writeBufferSize = size
	}
}

// MaxPacketSizeOption returns an Option that caps the payload of received
// and sent packets. Larger frames are a protocol error.
func MaxPacketSizeOption(size int32) Option {
	return func(o *options) {
		o.maxPacketSize = size
	}
}

// ReadTimeoutOption returns an Option that sets the read deadline applied
// before each packet is read. An idle peer past the deadline closes the
// connection.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WriteTimeoutOption returns an Option that bounds each Send.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// ConnectTimeoutOption returns an Option that bounds the default TCP dialer.
// It has no effect when DialerOption is used.
func ConnectTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// KeepAliveOption returns an Option that toggles TCP keep-alive. Off by default.
func KeepAliveOption(enabled bool) Option {
	return func(o *options) {
		o.keepAlive = enabled
	}
}

// MetricsOption returns an Option that records traffic into m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
