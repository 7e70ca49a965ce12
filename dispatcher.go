package sbm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Handler processes a message on a channel and may return a reply. A nil
// reply means nothing is sent back. The dispatcher stamps reply identities
// before sending.
type Handler func(ctx context.Context, m *Message) (*Message, error)

// VoidHandler processes a message fire-and-forget; it never replies and
// never participates in error-reply synthesis.
type VoidHandler func(ctx context.Context, m *Message) error

// ErrorHandler synthesizes a reply for a failed responding handler. A nil
// return suppresses the reply; the error is logged either way on nil.
type ErrorHandler func(m *Message, err error) *Message

// handlerEntry is one registration: the internal handler contract plus
// whether it may emit a reply.
type handlerEntry struct {
	fn         Handler
	responding bool
}

type eventEntry struct {
	fn func(any)
}

// Dispatcher owns one Transport and runs the message engine over it:
// handler and event registries, the inbound loop, reply stamping, and
// request/response correlation. Both endpoints are symmetric from here
// down; the server wraps one Dispatcher per connected client.
type Dispatcher struct {
	transport Transport
	logger    Logger
	timeout   time.Duration

	idMu     sync.RWMutex
	clientID uuid.UUID

	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	hooks    []func()

	evMu   sync.Mutex
	events map[EventKind][]*eventEntry

	errorHandler ErrorHandler
	// allowed gates every inbound message before dispatch; nil allows all.
	// The server-side client overrides it to drop anonymous traffic.
	allowed func(*Message) bool

	ctx        context.Context
	cancel     context.CancelFunc
	started    atomic.Bool
	disposed   atomic.Bool
	finishOnce sync.Once
	done       chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatcherLoggerOption sets the logger for the dispatcher.
func DispatcherLoggerOption(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// RequestTimeoutOption sets the default SendRequest timeout.
func RequestTimeoutOption(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// ErrorHandlerOption sets the hook that turns a responding handler's error
// into a synthesized reply.
func ErrorHandlerOption(h ErrorHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.errorHandler = h
	}
}

// NewDispatcher builds a dispatcher over t. Call Start to begin draining
// the transport.
func NewDispatcher(t Transport, opt ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		transport: t,
		logger:    defaultLogger(),
		timeout:   defaultRequestTimeout,
		clientID:  uuid.New(),
		handlers:  make(map[string][]*handlerEntry),
		events:    make(map[EventKind][]*eventEntry),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, o := range opt {
		o(d)
	}
	t.OnStatusChanged(func(s ConnectionStatus) {
		d.BroadcastEvent(ConnectionStatusChanged, s)
	})
	return d
}

// ClientID returns this endpoint's own identity, stamped as SenderID on
// every outgoing message. ServerID on server-side dispatchers.
func (d *Dispatcher) ClientID() uuid.UUID {
	d.idMu.RLock()
	defer d.idMu.RUnlock()
	return d.clientID
}

func (d *Dispatcher) setClientID(id uuid.UUID) {
	d.idMu.Lock()
	d.clientID = id
	d.idMu.Unlock()
}

// Transport returns the owned transport.
func (d *Dispatcher) Transport() Transport {
	return d.transport
}

// Start launches the inbound loop. A second call is a no-op.
func (d *Dispatcher) Start() {
	if d.started.Swap(true) {
		return
	}
	go d.run()
}

// Done is closed after the inbound loop has exited and dispose hooks ran.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Dispose cancels the inbound loop and releases the transport. In-flight
// requests resolve with ErrTimeout.
func (d *Dispatcher) Dispose() {
	if d.disposed.Swap(true) {
		return
	}
	d.cancel()
	_ = d.transport.Close()
	if !d.started.Load() {
		d.finish()
	}
}

func (d *Dispatcher) run() {
	defer d.finish()

	in := d.transport.Receive(d.ctx)
	for m := range in {
		d.dispatch(m)
	}

	d.cancel()
	_ = d.transport.Close()
}

func (d *Dispatcher) finish() {
	d.finishOnce.Do(func() {
		d.mu.Lock()
		hooks := make([]func(), len(d.hooks))
		copy(hooks, d.hooks)
		d.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		close(d.done)
	})
}

// onDispose registers fn to run once after the inbound loop exits.
func (d *Dispatcher) onDispose(fn func()) {
	d.mu.Lock()
	d.hooks = append(d.hooks, fn)
	d.mu.Unlock()
}

// RegisterHandler adds a responding handler on channel and returns its
// idempotent unregister capability. Multiple handlers per channel run in
// registration order.
func (d *Dispatcher) RegisterHandler(channel string, h Handler) func() {
	return d.register(channel, &handlerEntry{fn: h, responding: true})
}

// RegisterVoidHandler adds a fire-and-forget handler on channel and returns
// its idempotent unregister capability.
func (d *Dispatcher) RegisterVoidHandler(channel string, h VoidHandler) func() {
	fn := func(ctx context.Context, m *Message) (*Message, error) {
		return nil, h(ctx, m)
	}
	return d.register(channel, &handlerEntry{fn: fn})
}

func (d *Dispatcher) register(channel string, e *handlerEntry) func() {
	d.mu.Lock()
	d.handlers[channel] = append(d.handlers[channel], e)
	d.mu.Unlock()
	return func() {
		d.unregister(channel, e)
	}
}

// unregister removes exactly e; a channel whose list becomes empty is
// purged. Removing an already-removed entry is a no-op.
func (d *Dispatcher) unregister(channel string, e *handlerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[channel]
	for i, cur := range list {
		if cur == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.handlers, channel)
	} else {
		d.handlers[channel] = list
	}
}

// HasHandlers reports whether channel currently has any registration.
func (d *Dispatcher) HasHandlers(channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[channel]) > 0
}

// snapshot copies the handler list so registrations made or removed during
// dispatch (the one-shot reply handler does both) cannot invalidate
// iteration.
func (d *Dispatcher) snapshot(channel string) []*handlerEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[channel]
	out := make([]*handlerEntry, len(list))
	copy(out, list)
	return out
}

// dispatch runs one inbound message through the gate and its channel's
// handlers, in arrival order. Handler failures never terminate the loop.
func (d *Dispatcher) dispatch(m *Message) {
	if d.allowed != nil && !d.allowed(m) {
		d.logger.Warn("message dropped", "channel", m.Channel, "sender", m.SenderID)
		return
	}
	for _, e := range d.snapshot(m.Channel) {
		d.invoke(e, m)
	}
}

func (d *Dispatcher) invoke(e *handlerEntry, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.handleFailure(e, m, errors.Errorf("handler panic: %v", r))
		}
	}()

	reply, err := e.fn(d.ctx, m)
	if err != nil {
		d.handleFailure(e, m, err)
		return
	}
	if reply != nil && e.responding {
		d.sendReply(reply, m)
	}
}

// handleFailure routes a handler error through the configured ErrorHandler
// when the handler was responding; otherwise it is logged and dropped.
func (d *Dispatcher) handleFailure(e *handlerEntry, m *Message, err error) {
	if e.responding && d.errorHandler != nil {
		if reply := d.errorHandler(m, err); reply != nil {
			d.sendReply(reply, m)
			return
		}
	}
	d.logger.Error("handler error", "channel", m.Channel, "error", err)
}

// sendReply stamps the correlation and identity fields on reply and sends
// it: ReplyTo is the request id, the target is the requester, the sender is
// this endpoint.
func (d *Dispatcher) sendReply(reply, request *Message) {
	if reply.Channel == "" {
		reply.Channel = ReplyChannel(request.Channel, request.MessageID)
	}
	if reply.MessageID == uuid.Nil {
		reply.MessageID = uuid.New()
	}
	reply.ReplyTo = request.MessageID
	reply.TargetID = request.SenderID
	reply.SenderID = d.ClientID()

	if err := d.transport.Send(d.ctx, reply); err != nil {
		d.logger.Error("send reply", "channel", reply.Channel, "error", err)
	}
}

// Send stamps the sender identity on m and writes it to the transport.
func (d *Dispatcher) Send(ctx context.Context, m *Message) error {
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}
	m.SenderID = d.ClientID()
	return d.transport.Send(ctx, m)
}

// SendRequest sends m and waits for its correlated reply with the default
// timeout.
func (d *Dispatcher) SendRequest(ctx context.Context, m *Message) (*Message, error) {
	return d.SendRequestTimeout(ctx, m, d.timeout)
}

// SendRequestTimeout sends m and waits up to timeout for the reply. A
// one-shot handler on the derived reply channel completes the wait exactly
// once and removes itself; losing the race to the timer unregisters it and
// returns ErrTimeout. The handler is registered before the send so a reply
// racing the send completion cannot be lost.
func (d *Dispatcher) SendRequestTimeout(ctx context.Context, m *Message, timeout time.Duration) (*Message, error) {
	if m.MessageID == uuid.Nil {
		m.MessageID = uuid.New()
	}
	requestID := m.MessageID

	replyCh := make(chan *Message, 1)
	var once sync.Once
	var unregister func()
	unregister = d.RegisterVoidHandler(ReplyChannel(m.Channel, requestID), func(ctx context.Context, reply *Message) error {
		if reply.ReplyTo != requestID {
			return nil
		}
		once.Do(func() {
			unregister()
			replyCh <- reply
		})
		return nil
	})

	if err := d.Send(ctx, m); err != nil {
		unregister()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		unregister()
		return nil, errors.Wrapf(ErrTimeout, "channel %s after %s", m.Channel, timeout)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	case <-d.ctx.Done():
		unregister()
		return nil, errors.Wrapf(ErrTimeout, "dispatcher disposed awaiting reply on %s", m.Channel)
	}
}

// OnEvent registers fn for an event kind and returns its idempotent
// unregister capability.
func (d *Dispatcher) OnEvent(kind EventKind, fn func(any)) func() {
	e := &eventEntry{fn: fn}
	d.evMu.Lock()
	d.events[kind] = append(d.events[kind], e)
	d.evMu.Unlock()

	return func() {
		d.evMu.Lock()
		defer d.evMu.Unlock()
		list := d.events[kind]
		for i, cur := range list {
			if cur == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(d.events, kind)
		} else {
			d.events[kind] = list
		}
	}
}

// TypedEventHandler adapts a typed callback to the generic event contract.
// Arguments of a different type are ignored.
func TypedEventHandler[T any](fn func(T)) func(any) {
	return func(arg any) {
		if v, ok := arg.(T); ok {
			fn(v)
		}
	}
}

// BroadcastEvent invokes every callback registered for kind with arg.
// Callback panics are logged, never propagated.
func (d *Dispatcher) BroadcastEvent(kind EventKind, arg any) {
	d.evMu.Lock()
	list := d.events[kind]
	snapshot := make([]*eventEntry, len(list))
	copy(snapshot, list)
	d.evMu.Unlock()

	for _, e := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panic", "event", kind, "panic", r)
				}
			}()
			e.fn(arg)
		}()
	}
}
