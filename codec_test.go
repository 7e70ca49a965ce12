package sbm

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMsgpackCodec_RoundTrip(t *testing.T) {
	codec := MsgpackCodec{}
	m := &Message{
		Channel:   "echo",
		Data:      "hi",
		MessageID: uuid.New(),
		SenderID:  uuid.New(),
	}

	b, err := codec.Encode(m)
	require.NoError(t, err)

	got, err := codec.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, m.Channel, got.Channel)
	assert.Equal(t, m.Data, got.Data)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, m.SenderID, got.SenderID)
	assert.Equal(t, uuid.Nil, got.ReplyTo)
	assert.Equal(t, uuid.Nil, got.TargetID)
}

func TestMsgpackCodec_RoundTripAllFields(t *testing.T) {
	codec := MsgpackCodec{}
	m := &Message{
		Channel:   "echo_reply_x",
		Data:      map[string]any{"Success": true, "Message": "ok"},
		ReplyTo:   uuid.New(),
		MessageID: uuid.New(),
		SenderID:  uuid.Nil,
		TargetID:  uuid.New(),
	}

	b, err := codec.Encode(m)
	require.NoError(t, err)

	got, err := codec.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, m.Channel, got.Channel)
	assert.Equal(t, m.ReplyTo, got.ReplyTo)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, m.SenderID, got.SenderID)
	assert.Equal(t, m.TargetID, got.TargetID)

	data := got.DataMap()
	require.NotNil(t, data)
	assert.Equal(t, true, data["Success"])
	assert.Equal(t, "ok", data["Message"])
}

func TestMsgpackCodec_NilData(t *testing.T) {
	codec := MsgpackCodec{}
	m := NewMessage("c", nil)

	b, err := codec.Encode(m)
	require.NoError(t, err)

	got, err := codec.Decode(b)
	require.NoError(t, err)
	assert.Nil(t, got.Data)
}

func TestMsgpackCodec_NumericData(t *testing.T) {
	codec := MsgpackCodec{}

	b, err := codec.Encode(NewMessage("news", 42))
	require.NoError(t, err)

	got, err := codec.Decode(b)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Data)
}

func TestMsgpackCodec_DecodeEmpty(t *testing.T) {
	_, err := MsgpackCodec{}.Decode(nil)
	assert.Error(t, err)
}

func TestMsgpackCodec_DecodeWrongArity(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(2))
	require.NoError(t, enc.EncodeString("c"))
	require.NoError(t, enc.EncodeNil())

	_, err := MsgpackCodec{}.Decode(buf.Bytes())
	assert.Error(t, err)
}

func TestMsgpackCodec_DecodeBadIDWidth(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(wireSlots))
	require.NoError(t, enc.EncodeString("c"))
	require.NoError(t, enc.EncodeNil())
	require.NoError(t, enc.EncodeNil())
	require.NoError(t, enc.EncodeBytes([]byte{1, 2, 3})) // messageId too short
	require.NoError(t, enc.EncodeNil())
	require.NoError(t, enc.EncodeNil())

	_, err := MsgpackCodec{}.Decode(buf.Bytes())
	assert.Error(t, err)
}
