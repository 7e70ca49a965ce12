package sbm

import (
	"crypto/tls"
	"time"
)

// options holds the configuration for a transport.
type options struct {
	codec  Codec
	logger Logger

	maxFrameLength int           // maximum size of a single frame payload
	maxRetries     int           // connect attempts before giving up
	baseDelay      time.Duration // backoff base; doubles per attempt

	tlsConfig          *tls.Config
	rejectUnauthorized bool // verify the peer certificate chain
}

// Default configuration values.
const (
	// defaultMaxFrameLength is the default maximum size of a single frame (1MB).
	defaultMaxFrameLength = 1024 * 1024
	// defaultMaxRetries is the default number of connect attempts.
	defaultMaxRetries = 5
	// defaultBaseDelay is the default backoff base delay.
	defaultBaseDelay = 500 * time.Millisecond
	// defaultRequestTimeout bounds a request's wait for its reply.
	defaultRequestTimeout = 15 * time.Second
)

// Option is a function that configures transport options.
type Option func(*options)

// newOptions applies opt over the defaults.
func newOptions(opt ...Option) options {
	opts := options{
		codec:              MsgpackCodec{},
		logger:             defaultLogger(),
		maxFrameLength:     defaultMaxFrameLength,
		maxRetries:         defaultMaxRetries,
		baseDelay:          defaultBaseDelay,
		rejectUnauthorized: true,
	}
	for _, o := range opt {
		o(&opts)
	}
	return opts
}

// CustomCodecOption returns an Option that sets the message codec.
// The default is MsgpackCodec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the logrus-backed default logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// FrameMaxSize returns an Option that sets the maximum frame payload size.
// Frames declaring a larger length are a fatal framing error.
func FrameMaxSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.maxFrameLength = size
		}
	}
}

// MaxRetriesOption returns an Option that sets the number of connect
// attempts before Connect gives up.
func MaxRetriesOption(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// RetryDelayOption returns an Option that sets the backoff base delay.
// Attempt n waits base * 2^(n-1) before retrying.
func RetryDelayOption(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.baseDelay = d
		}
	}
}

// TLSConfigOption returns an Option that enables TLS with the given config.
func TLSConfigOption(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// RejectUnauthorizedOption returns an Option controlling certificate
// verification on the client side. When false, any peer certificate is
// accepted.
func RejectUnauthorizedOption(reject bool) Option {
	return func(o *options) {
		o.rejectUnauthorized = reject
	}
}
