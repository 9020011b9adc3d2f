package envelope

import (
	"encoding/binary"
	"encoding/json"

	"github.com/Coflnet/cloud-sub001/errors"
)

// Slugs of the generic response channel.
const (
	// ResponseSlug tags an envelope answering an earlier request. Its
	// payload is the original message id followed by the response bytes.
	ResponseSlug = "response"

	// ErrorSlug tags an envelope reporting a failed dispatch. Its payload
	// is the original message id followed by an ErrorBody.
	ErrorSlug = "error"
)

// ErrorBody describes a failed dispatch to the original sender.
type ErrorBody struct {
	Class   string `json:"class"`
	Slug    string `json:"slug"`
	Message string `json:"message"`
}

// EncodeResponsePayload prefixes the response bytes with the message id of
// the request being answered.
func EncodeResponsePayload(requestID int64, body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out[:8], uint64(requestID))
	copy(out[8:], body)
	return out
}

// DecodeResponsePayload splits a response payload into the original request
// id and the response bytes.
func DecodeResponsePayload(payload []byte) (int64, []byte, error) {
	if len(payload) < 8 {
		return 0, nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "DecodeResponsePayload", "request id prefix check")
	}
	return int64(binary.BigEndian.Uint64(payload[:8])), payload[8:], nil
}

// EncodeErrorPayload builds the payload of an ErrorSlug envelope.
func EncodeErrorPayload(requestID int64, body ErrorBody) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "EncodeErrorPayload", "body encoding")
	}
	return EncodeResponsePayload(requestID, data), nil
}

// DecodeErrorPayload splits an ErrorSlug payload into the original request
// id and the error body.
func DecodeErrorPayload(payload []byte) (int64, ErrorBody, error) {
	requestID, body, err := DecodeResponsePayload(payload)
	if err != nil {
		return 0, ErrorBody{}, err
	}
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return 0, ErrorBody{}, errors.WrapInvalid(err, "Envelope", "DecodeErrorPayload", "body decoding")
	}
	return requestID, eb, nil
}
