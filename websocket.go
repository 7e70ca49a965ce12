package sbm

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// WSTransport frames messages as binary WebSocket messages. Fragmented
// inbound messages are reassembled by the WebSocket layer before decode; no
// length prefix is added.
type WSTransport struct {
	url  string
	opts options

	connMu        sync.RWMutex
	conn          *websocket.Conn
	everConnected bool

	writeMu  sync.Mutex
	status   statusNotifier
	closed   atomic.Bool
	discOnce sync.Once
}

// NewWebSocketTransport builds a client transport dialing rawURL
// (ws://host:port/ or wss://host:port/) on Connect.
func NewWebSocketTransport(rawURL string, opt ...Option) *WSTransport {
	return &WSTransport{url: rawURL, opts: newOptions(opt...)}
}

// newAcceptedWSTransport wraps a server-upgraded connection, pre-connected.
func newAcceptedWSTransport(conn *websocket.Conn, opts options) *WSTransport {
	conn.SetReadLimit(int64(opts.maxFrameLength))
	return &WSTransport{opts: opts, conn: conn, everConnected: true}
}

func (t *WSTransport) current() *websocket.Conn {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn
}

// Connect dials the WebSocket endpoint with the shared retry ladder.
func (t *WSTransport) Connect(ctx context.Context) error {
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
		dialer := websocket.Dialer{
			TLSClientConfig: t.clientTLSConfig(),
		}
		conn, resp, err := dialer.DialContext(ctx, t.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn.SetReadLimit(int64(t.opts.maxFrameLength))

		t.connMu.Lock()
		t.conn = conn
		t.everConnected = true
		t.connMu.Unlock()
		return nil
	})
}

func (t *WSTransport) clientTLSConfig() *tls.Config {
	cfg := t.opts.tlsConfig
	if cfg == nil {
		if u, err := url.Parse(t.url); err == nil && u.Scheme != "wss" {
			return nil
		}
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if !t.opts.rejectUnauthorized {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

// Send encodes m and writes one binary message with endOfMessage set.
// Concurrent senders serialize on the write lock.
func (t *WSTransport) Send(ctx context.Context, m *Message) error {
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
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Receive starts the reader session. Close frames end the sequence cleanly;
// non-binary messages are skipped.
func (t *WSTransport) Receive(ctx context.Context) <-chan *Message {
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
				return
			}

			mt, payload, err := conn.ReadMessage()
			if err != nil {
				if t.closed.Load() || ctx.Err() != nil {
					return
				}
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) {
					t.opts.logger.Error("read message", "error", err)
				}
				return
			}
			if mt != websocket.BinaryMessage {
				continue
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
func (t *WSTransport) OnAuthenticated() {
	t.status.notify(Authenticated)
}

// OnStatusChanged registers a status observer.
func (t *WSTransport) OnStatusChanged(fn func(ConnectionStatus)) func() {
	return t.status.observe(fn)
}

// Close sends a close frame, releases the connection and emits
// Disconnected. Safe to call multiple times.
func (t *WSTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	var err error
	if conn := t.current(); conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		err = conn.Close()
	}
	t.markDisconnected()
	return err
}

func (t *WSTransport) clearConn() {
	t.connMu.Lock()
	t.conn = nil
	t.connMu.Unlock()
}

func (t *WSTransport) markDisconnected() {
	t.discOnce.Do(func() {
		t.status.notify(Disconnected)
	})
}
