package sbm

import "github.com/pkg/errors"

// Errors surfaced by transports and dispatchers. Wrapped instances carry
// context; match with errors.Is.
var (
	// ErrConnectionClosed is returned when operating on a closed transport.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrFrameTooLarge is returned when a frame declares a length above the
	// configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
	// ErrConnectFailed is returned when every connect attempt was exhausted.
	ErrConnectFailed = errors.New("connect failed")
	// ErrTimeout is returned when a request's reply did not arrive in time.
	ErrTimeout = errors.New("request timed out")
	// ErrClientNotConnected is returned when sending to an unknown client id.
	ErrClientNotConnected = errors.New("client not connected")
	// ErrUnauthorized is returned by access-control guards.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingCertificate is returned when a TLS server is configured
	// without a certificate.
	ErrMissingCertificate = errors.New("tls server requires a certificate")
)
