package es

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Payload is the open, schema-less body of an envelope. Values must be
// representable as JSON.
type Payload map[string]any

// Normalize returns a deep copy of p in its JSON document form: numbers become
// float64, nested objects map[string]any and arrays []any. Every log stores
// normalized payloads, so what is loaded is what Normalize returns.
func (p Payload) Normalize() (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return DecodePayloadJSON(data)
}

// Canonical returns the RFC 8785 canonical JSON encoding of p. Two payloads
// that differ only in key order encode to the same bytes.
func (p Payload) Canonical() ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(data)
}

// DecodePayloadJSON parses a stored JSON document into a Payload.
func DecodePayloadJSON(data []byte) (Payload, error) {
	out := Payload{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

// DecodePayload destructures p into T. If *T has a Validate method it is called
// after decoding. Failures are reported as MalformedEnvelopeError.
func DecodePayload[T any](p Payload) (T, error) {
	var out T
	data, err := json.Marshal(p)
	if err != nil {
		return out, &MalformedEnvelopeError{Field: "payload", Err: err}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return out, &MalformedEnvelopeError{Field: "payload", Reason: fmt.Sprintf("decode %T", out), Err: err}
	}
	if v, ok := any(&out).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return out, &MalformedEnvelopeError{Field: "payload", Err: err}
		}
	}
	return out, nil
}

// EncodePayload converts a typed event body into a Payload.
func EncodePayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &MalformedEnvelopeError{Field: "payload", Err: err}
	}
	p, err := DecodePayloadJSON(data)
	if err != nil {
		return nil, &MalformedEnvelopeError{Field: "payload", Reason: "payload must be a JSON object", Err: err}
	}
	return p, nil
}
