package sbm

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	m := NewMessage("echo", "hi")

	assert.Equal(t, "echo", m.Channel)
	assert.Equal(t, "hi", m.Data)
	assert.NotEqual(t, uuid.Nil, m.MessageID)
	assert.Equal(t, uuid.Nil, m.ReplyTo)
	assert.False(t, m.IsReply())
}

func TestNewMessage_FreshIDs(t *testing.T) {
	a := NewMessage("c", nil)
	b := NewMessage("c", nil)

	assert.NotEqual(t, a.MessageID, b.MessageID)
}

func TestReplyChannel(t *testing.T) {
	id := uuid.New()

	got := ReplyChannel("echo", id)

	assert.Equal(t, fmt.Sprintf("echo_reply_%s", id), got)
}

func TestMessage_Reply(t *testing.T) {
	req := NewMessage("echo", "hi")

	reply := req.Reply("hi back")

	assert.Equal(t, ReplyChannel("echo", req.MessageID), reply.Channel)
	assert.Equal(t, req.MessageID, reply.ReplyTo)
	assert.Equal(t, "hi back", reply.Data)
	assert.NotEqual(t, req.MessageID, reply.MessageID)
	assert.True(t, reply.IsReply())
}

func TestMessage_DataMap(t *testing.T) {
	m := NewMessage("c", map[string]any{"Id": "u"})
	require.NotNil(t, m.DataMap())
	assert.Equal(t, "u", m.DataMap()["Id"])

	assert.Nil(t, NewMessage("c", "scalar").DataMap())
	assert.Nil(t, NewMessage("c", nil).DataMap())
}
