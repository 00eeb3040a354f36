package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid message payload")
)

// NewEnvelope encodes payload into an envelope of type t.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}

	return Envelope{Type: t, Payload: body}, nil
}

// MustEnvelope is NewEnvelope for payloads that always encode.
func MustEnvelope(t MessageType, payload any) Envelope {
	envelope, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}

	return envelope
}

func (e Envelope) WithRef(ref string) Envelope {
	e.Ref = ref

	return e
}

func (e Envelope) WithVersion(version uint64) Envelope {
	e.Version = version

	return e
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	err := json.Unmarshal(payload, v)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, e.Type, err)
	}

	return nil
}

func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope without looking at its payload.
func Unmarshal(frame []byte) (Envelope, error) {
	var envelope Envelope

	err := json.Unmarshal(frame, &envelope)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}

	return envelope, nil
}

// ParseClientFrame decodes a frame sent by a client and validates its
// payload against the schema of its type.
func ParseClientFrame(frame []byte) (Envelope, error) {
	envelope, err := Unmarshal(frame)
	if err != nil {
		return Envelope{}, err
	}

	err = ValidateClientPayload(envelope.Type, envelope.Payload)
	if err != nil {
		return envelope, err
	}

	return envelope, nil
}
