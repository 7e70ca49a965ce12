package sbm

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// StreamTransport frames messages over a reliable byte stream: plain TCP,
// or TLS when a tls.Config is set. Accepted server-side connections use the
// same type pre-connected.
type StreamTransport struct {
	addr string
	opts options

	connMu        sync.RWMutex
	conn          net.Conn
	everConnected bool

	writeMu  sync.Mutex
	status   statusNotifier
	closed   atomic.Bool
	discOnce sync.Once
}

// NewTCPTransport builds a client transport dialing addr (host:port) on
// Connect. With TLSConfigOption set, the stream is wrapped and the TLS
// handshake performed after the TCP connect.
func NewTCPTransport(addr string, opt ...Option) *StreamTransport {
	return &StreamTransport{addr: addr, opts: newOptions(opt...)}
}

// newAcceptedTransport wraps a server-accepted stream; the transport is
// pre-connected. A stream from a TLS listener completes its server-side
// handshake on the first read or write.
func newAcceptedTransport(conn net.Conn, opts options) *StreamTransport {
	t := &StreamTransport{opts: opts, conn: conn, everConnected: true}
	return t
}

func (t *StreamTransport) current() net.Conn {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn
}

// Connect dials with exponential backoff per the configured maxRetries and
// baseDelay. A no-op when already connected.
func (t *StreamTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	if t.current() != nil {
		return nil
	}

	t.connMu.RLock()
	reconnect := t.everConnected
	t.connMu.RUnlock()

	return connectWithRetry(ctx, t.opts, &t.status, reconnect, func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", t.addr)
		if err != nil {
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		if t.opts.tlsConfig != nil {
			tlsConn := tls.Client(conn, t.clientTLSConfig())
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return err
			}
			conn = tlsConn
		}

		t.connMu.Lock()
		t.conn = conn
		t.everConnected = true
		t.connMu.Unlock()
		return nil
	})
}

// clientTLSConfig derives the handshake config: the server name falls back
// to the dial host, and rejectUnauthorized=false disables verification.
func (t *StreamTransport) clientTLSConfig() *tls.Config {
	cfg := t.opts.tlsConfig.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(t.addr); err == nil {
			cfg.ServerName = host
		}
	}
	if !t.opts.rejectUnauthorized {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// Send encodes m and writes one frame under the write lock. Encode errors
// are propagated to the caller; the stream stays usable.
func (t *StreamTransport) Send(ctx context.Context, m *Message) error {
	if t.closed.Load() {
		return ErrConnectionClosed
	}
	conn := t.current()
	if conn == nil {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := t.opts.codec.Encode(m)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if len(payload) > t.opts.maxFrameLength {
		return errors.Wrapf(ErrFrameTooLarge, "encoded %d bytes, limit %d", len(payload), t.opts.maxFrameLength)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFrame(conn, payload); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Receive starts the reader session. One goroutine reads frames and decodes
// them; the channel closes on orderly peer close, fatal error or context
// cancellation, after which Disconnected is emitted once.
func (t *StreamTransport) Receive(ctx context.Context) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer t.markDisconnected()
		defer close(out)
		defer t.clearConn()

		for {
			if ctx.Err() != nil {
				return
			}
			conn := t.current()
			if conn == nil {
				// Stream still being set up; yield instead of reading
				// partial bytes.
				select {
				case <-time.After(10 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}

			payload, err := readFrame(conn, t.opts.maxFrameLength)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if t.closed.Load() || ctx.Err() != nil {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					t.opts.logger.Warn("read timeout, retrying", "error", err)
					continue
				}
				t.opts.logger.Error("read frame", "error", err)
				return
			}

			m, err := t.opts.codec.Decode(payload)
			if err != nil {
				t.opts.logger.Error("decode message", "error", err)
				return
			}

			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// OnAuthenticated emits the Authenticated status.
func (t *StreamTransport) OnAuthenticated() {
	t.status.notify(Authenticated)
}

// OnStatusChanged registers a status observer.
func (t *StreamTransport) OnStatusChanged(fn func(ConnectionStatus)) func() {
	return t.status.observe(fn)
}

// Close releases the stream and emits Disconnected. Safe to call multiple
// times.
func (t *StreamTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	var err error
	if conn := t.current(); conn != nil {
		err = conn.Close()
	}
	t.markDisconnected()
	return err
}

// RemoteAddr returns the peer address, or nil before connect.
func (t *StreamTransport) RemoteAddr() net.Addr {
	if conn := t.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

// clearConn drops the dead stream when a receive session ends so a later
// Connect can dial again (a new receive session must then be constructed).
func (t *StreamTransport) clearConn() {
	t.connMu.Lock()
	t.conn = nil
	t.connMu.Unlock()
}

func (t *StreamTransport) markDisconnected() {
	t.discOnce.Do(func() {
		t.status.notify(Disconnected)
	})
}
