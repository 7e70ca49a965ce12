package sbm

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Transport is a full-duplex framed message stream over a reliable byte
// stream. Server-accepted transports are pre-connected; client transports
// dial on Connect with retry and backoff.
type Transport interface {
	// Connect establishes the connection, retrying with exponential backoff.
	// A no-op on pre-connected transports.
	Connect(ctx context.Context) error
	// Send encodes m and writes one frame. Concurrent senders serialize on a
	// per-stream write lock so frames never interleave.
	Send(ctx context.Context, m *Message) error
	// Receive starts the single reader session and returns its message
	// channel. The channel closes on clean peer close, fatal error or
	// cancellation. Single-consumer within one session.
	Receive(ctx context.Context) <-chan *Message
	// OnAuthenticated emits the Authenticated status. Stream state is
	// untouched.
	OnAuthenticated()
	// OnStatusChanged registers a status observer and returns its
	// unregister func.
	OnStatusChanged(fn func(ConnectionStatus)) func()
	// Close releases the stream and emits Disconnected. Idempotent.
	Close() error
}

// frameHeaderSize is the length prefix width: a 4-byte unsigned
// little-endian payload length.
const frameHeaderSize = 4

// writeFrame writes one length-prefixed frame. Callers must hold the
// stream's write lock so the two-part write stays atomic.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame. io.EOF means the peer closed
// the stream in an orderly fashion, at the prefix boundary or mid-payload.
func readFrame(r io.Reader, maxLength int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if int(length) > maxLength {
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared %d bytes, limit %d", length, maxLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return payload, nil
}

// statusNotifier fans connection status transitions out to observers.
type statusNotifier struct {
	mu        sync.Mutex
	seq       int
	observers map[int]func(ConnectionStatus)
}

// observe registers fn and returns its idempotent unregister func.
func (n *statusNotifier) observe(fn func(ConnectionStatus)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.observers == nil {
		n.observers = make(map[int]func(ConnectionStatus))
	}
	id := n.seq
	n.seq++
	n.observers[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.observers, id)
	}
}

// notify delivers s to a snapshot of the observers.
func (n *statusNotifier) notify(s ConnectionStatus) {
	n.mu.Lock()
	snapshot := make([]func(ConnectionStatus), 0, len(n.observers))
	for _, fn := range n.observers {
		snapshot = append(snapshot, fn)
	}
	n.mu.Unlock()

	for _, fn := range snapshot {
		fn(s)
	}
}

// connectWithRetry drives the attempt ladder: attempt n sleeps
// baseDelay * 2^(n-1) after a transient failure. Unrecoverable errors and
// exhaustion emit Failed; cancellation mid-backoff emits Cancelled.
func connectWithRetry(ctx context.Context, o options, n *statusNotifier, reconnect bool, dial func(context.Context) error) error {
	if reconnect {
		n.notify(Reconnecting)
	} else {
		n.notify(Connecting)
	}

	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		err := dial(ctx)
		if err == nil {
			if reconnect {
				n.notify(Reconnected)
			} else {
				n.notify(Connected)
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			n.notify(Cancelled)
			return errors.Wrap(ctx.Err(), "connect cancelled")
		}
		if !isTransient(err) {
			n.notify(Failed)
			return errors.Wrap(err, "connect")
		}
		o.logger.Debug("connect attempt failed", "attempt", attempt, "error", err)

		if attempt == o.maxRetries {
			break
		}
		delay := o.baseDelay << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			n.notify(Cancelled)
			return errors.Wrap(ctx.Err(), "connect cancelled")
		}
	}

	n.notify(Failed)
	return errors.Wrapf(ErrConnectFailed, "%d attempts, last error: %v", o.maxRetries, lastErr)
}

// isTransient reports whether a dial error is worth retrying. Socket-level
// failures are; handshake and configuration failures are not.
func isTransient(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
