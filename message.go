// Package sbm implements a simple bidirectional messaging framework for
// servers and clients that exchange channel-addressed messages over a
// long-lived connection. Both sides may register channel handlers, send
// fire-and-forget messages, and send requests that correlate with replies.
// Messages travel as length-prefixed, binary-serialized payloads over TCP,
// TLS or WebSocket transports.
package sbm

import (
	"fmt"

	"github.com/google/uuid"
)

// AuthChannel carries the authentication handshake. Applications must not
// register handlers on it or on reply channels; the framework does so
// internally.
const AuthChannel = "_auth_"

// clientIDChannel carries the server-assigned client id right after accept.
// Handled internally by the client endpoint.
const clientIDChannel = "_client_id_"

// ServerID is the sender identity of messages originating from the server.
// Clients must never use it for themselves.
var ServerID = uuid.Nil

// Message is the on-wire unit. Channel is the routing key, Data the opaque
// payload. MessageID is fresh per message; ReplyTo is set iff the message is
// a reply and equals the request's MessageID. SenderID identifies the
// sending peer (ServerID for server origin); TargetID, when set, directs a
// server message at a specific client.
type Message struct {
	Channel   string
	Data      any
	ReplyTo   uuid.UUID
	MessageID uuid.UUID
	SenderID  uuid.UUID
	TargetID  uuid.UUID
}

// NewMessage builds a message on channel with a fresh MessageID.
func NewMessage(channel string, data any) *Message {
	return &Message{
		Channel:   channel,
		Data:      data,
		MessageID: uuid.New(),
	}
}

// ReplyChannel derives the reply channel for a request on channel with the
// given message id. The id suffix keeps concurrent requests on the same
// channel apart.
func ReplyChannel(channel string, id uuid.UUID) string {
	return fmt.Sprintf("%s_reply_%s", channel, id)
}

// Reply builds the reply to m carrying data. The reply goes out on m's
// derived reply channel with ReplyTo set to m's MessageID. Sender and
// target identities are stamped by the dispatcher on send.
func (m *Message) Reply(data any) *Message {
	return &Message{
		Channel:   ReplyChannel(m.Channel, m.MessageID),
		Data:      data,
		ReplyTo:   m.MessageID,
		MessageID: uuid.New(),
	}
}

// IsReply reports whether m is a reply to an earlier request.
func (m *Message) IsReply() bool {
	return m.ReplyTo != uuid.Nil
}

// DataMap returns m's payload as a typeless mapping, or nil when the
// payload has a different shape.
func (m *Message) DataMap() map[string]any {
	v, _ := m.Data.(map[string]any)
	return v
}
