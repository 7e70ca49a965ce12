package sbm

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client is the client endpoint: one Transport plus one Dispatcher. The
// transport's status events surface on the dispatcher's event bus.
type Client struct {
	*Dispatcher
}

// NewClient builds a client over t. Connect dials and starts the inbound
// loop.
func NewClient(t Transport, opt ...DispatcherOption) *Client {
	d := NewDispatcher(t, opt...)
	c := &Client{Dispatcher: d}

	// The server announces the assigned client id right after accept; from
	// then on it is stamped as SenderID on everything we send.
	d.RegisterVoidHandler(clientIDChannel, func(ctx context.Context, m *Message) error {
		raw, ok := m.Data.(string)
		if !ok {
			return errors.Errorf("client id payload is %T, want string", m.Data)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return errors.Wrap(err, "parse client id")
		}
		d.setClientID(id)
		d.BroadcastEvent(ClientIdReceived, id)
		return nil
	})

	return c
}

// Connect establishes the transport (with its retry/backoff policy) and
// starts the inbound loop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Transport().Connect(ctx); err != nil {
		return err
	}
	c.Start()
	return nil
}

// Authenticate performs the handshake on the reserved auth channel with the
// default request timeout and reports the server's verdict. On success the
// transport emits the Authenticated status.
func (c *Client) Authenticate(ctx context.Context, id, key, scope string) (bool, error) {
	data := map[string]any{"Id": id, "Key": key}
	if scope != "" {
		data["Scope"] = scope
	}

	reply, err := c.SendRequest(ctx, NewMessage(AuthChannel, data))
	if err != nil {
		return false, err
	}

	success, _ := reply.DataMap()["Success"].(bool)
	if success {
		c.Transport().OnAuthenticated()
	}
	return success, nil
}

// Close disposes the dispatcher and releases the transport.
func (c *Client) Close() {
	c.Dispose()
}
