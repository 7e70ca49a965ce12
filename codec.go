package sbm

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec translates a Message to and from its wire bytes. Implementations
// must preserve the five identity/routing fields and keep Data
// introspectable as a typeless mapping after a round trip. The framework
// never inspects payload bytes itself.
type Codec interface {
	Encode(*Message) ([]byte, error)
	Decode([]byte) (*Message, error)
}

// wireSlots is the fixed field count of the encoded message array. The slot
// order is part of the wire contract and must not change:
// channel, data, replyTo, messageId, senderId, targetId.
const wireSlots = 6

// MsgpackCodec is the reference codec: a message is a six-slot msgpack
// array. Identifiers travel as 16-byte bins; absent optional identifiers
// (replyTo, targetId) are encoded as nil.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeArrayLen(wireSlots); err != nil {
		return nil, errors.Wrap(err, "encode header")
	}
	if err := enc.EncodeString(m.Channel); err != nil {
		return nil, errors.Wrap(err, "encode channel")
	}
	if err := enc.Encode(m.Data); err != nil {
		return nil, errors.Wrap(err, "encode data")
	}
	if err := encodeID(enc, m.ReplyTo, true); err != nil {
		return nil, errors.Wrap(err, "encode replyTo")
	}
	if err := encodeID(enc, m.MessageID, false); err != nil {
		return nil, errors.Wrap(err, "encode messageId")
	}
	if err := encodeID(enc, m.SenderID, false); err != nil {
		return nil, errors.Wrap(err, "encode senderId")
	}
	if err := encodeID(enc, m.TargetID, true); err != nil {
		return nil, errors.Wrap(err, "encode targetId")
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(b []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	if n != wireSlots {
		return nil, errors.Errorf("decode header: %d slots, want %d", n, wireSlots)
	}

	m := new(Message)
	if m.Channel, err = dec.DecodeString(); err != nil {
		return nil, errors.Wrap(err, "decode channel")
	}
	if m.Data, err = dec.DecodeInterface(); err != nil {
		return nil, errors.Wrap(err, "decode data")
	}
	if m.ReplyTo, err = decodeID(dec); err != nil {
		return nil, errors.Wrap(err, "decode replyTo")
	}
	if m.MessageID, err = decodeID(dec); err != nil {
		return nil, errors.Wrap(err, "decode messageId")
	}
	if m.SenderID, err = decodeID(dec); err != nil {
		return nil, errors.Wrap(err, "decode senderId")
	}
	if m.TargetID, err = decodeID(dec); err != nil {
		return nil, errors.Wrap(err, "decode targetId")
	}
	return m, nil
}

func encodeID(enc *msgpack.Encoder, id uuid.UUID, optional bool) error {
	if optional && id == uuid.Nil {
		return enc.EncodeNil()
	}
	return enc.EncodeBytes(id[:])
}

func decodeID(dec *msgpack.Decoder) (uuid.UUID, error) {
	b, err := dec.DecodeBytes()
	if err != nil {
		return uuid.Nil, err
	}
	if len(b) == 0 {
		return uuid.Nil, nil
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, errors.Errorf("id is %d bytes, want 16", len(b))
	}
	return id, nil
}
