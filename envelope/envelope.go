// Package envelope defines the signed wire message carrying every command
// through the cloud: sender, recipient, slug, payload and signature.
//
// The wire shape uses short stable keys so every node, regardless of
// implementation, agrees on the signable byte layout:
//
//	s = sender id, r = recipient id, i = message id, t = type slug,
//	m = payload bytes, h = headers, x = signature
package envelope

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Coflnet/cloud-sub001/errors"
	"github.com/Coflnet/cloud-sub001/identity"
)

// Well-known header keys.
const (
	// HeaderReplayed marks an envelope delivered from a persisted outbox.
	// Recipients acknowledge such envelopes with a receiveConfirm so the
	// sender can prune its outbox. The replay loop sets it after the
	// envelope was signed, so it is transport metadata excluded from the
	// signable content.
	HeaderReplayed = 1

	// HeaderToken carries an auth token during login.
	HeaderToken = 2

	// HeaderTarget carries the entity id a fanned-out command applies to
	// when the routable recipient is a subscriber rather than the entity
	// itself. The value is the JSON encoding of the entity id.
	HeaderTarget = 3
)

// Envelope is the signed message exchanged between nodes. Payload bytes are
// opaque to the substrate; commands decode them at the dispatch boundary.
type Envelope struct {
	Sender    identity.EntityID `json:"s"`
	Recipient identity.EntityID `json:"r"`
	MessageID int64             `json:"i"`
	Type      string            `json:"t"`
	Payload   []byte            `json:"m,omitempty"`
	Headers   map[int][]byte    `json:"h,omitempty"`
	Signature []byte            `json:"x,omitempty"`
}

// New creates an envelope with the given addressing and raw payload.
func New(sender, recipient identity.EntityID, messageID int64, slug string, payload []byte) *Envelope {
	return &Envelope{
		Sender:    sender,
		Recipient: recipient,
		MessageID: messageID,
		Type:      slug,
		Payload:   payload,
	}
}

// WithJSONPayload creates an envelope whose payload is the JSON encoding of v.
func WithJSONPayload(sender, recipient identity.EntityID, messageID int64, slug string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "WithJSONPayload", "payload encoding")
	}
	return New(sender, recipient, messageID, slug, payload), nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.WrapInvalid(err, "Envelope", "DecodePayload", "payload decoding")
	}
	return nil
}

// SetHeader sets a header value, allocating the map on first use.
func (e *Envelope) SetHeader(key int, value []byte) {
	if e.Headers == nil {
		e.Headers = make(map[int][]byte)
	}
	e.Headers[key] = value
}

// Header returns a header value and whether it was present.
func (e *Envelope) Header(key int) ([]byte, bool) {
	value, ok := e.Headers[key]
	return value, ok
}

// Validate checks the envelope is routable.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "type slug presence check")
	}
	if e.Recipient.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "recipient presence check")
	}
	if e.MessageID == 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "message id presence check")
	}
	return nil
}

// SignableContent returns the canonical byte layout covered by the
// signature: payload, type slug, sender, recipient, message id and headers
// in ascending key order. HeaderReplayed is skipped: the replay loop marks
// an envelope long after its sender signed it. The layout is
// length-prefixed so no two distinct envelopes share a signable encoding.
func (e *Envelope) SignableContent() []byte {
	var buf bytes.Buffer

	writeChunk(&buf, e.Payload)
	writeChunk(&buf, []byte(e.Type))
	writeID(&buf, e.Sender)
	writeID(&buf, e.Recipient)

	var msgID [8]byte
	binary.BigEndian.PutUint64(msgID[:], uint64(e.MessageID))
	buf.Write(msgID[:])

	keys := make([]int, 0, len(e.Headers))
	for key := range e.Headers {
		if key == HeaderReplayed {
			continue
		}
		keys = append(keys, key)
	}
	sort.Ints(keys)
	for _, key := range keys {
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], uint64(key))
		buf.Write(k[:])
		writeChunk(&buf, e.Headers[key])
	}

	return buf.Bytes()
}

func writeChunk(buf *bytes.Buffer, data []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func writeID(buf *bytes.Buffer, id identity.EntityID) {
	var encoded [24]byte
	binary.BigEndian.PutUint64(encoded[0:8], id.ServerID)
	binary.BigEndian.PutUint64(encoded[8:16], id.ResourceID)
	binary.BigEndian.PutUint64(encoded[16:24], id.SubID)
	buf.Write(encoded[:])
}

// Encode serializes the envelope for the transport boundary.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "wire encoding")
	}
	return data, nil
}

// Decode deserializes an envelope received from the transport boundary.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrParsingFailed, err),
			"Envelope", "Decode", "wire decoding")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
