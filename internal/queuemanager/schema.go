package queuemanager

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/you/jobq/internal/domain"
)

// Schema checks an encoded payload before it is enqueued and again before it
// is processed.
type Schema interface {
	Validate(data json.RawMessage) error
}

// Validator is implemented by payload types that carry their own rules.
type Validator interface {
	Validate() error
}

// JSONSchema decodes payloads strictly into T and runs T's Validate method
// when it has one.
type JSONSchema[T any] struct{}

func SchemaFor[T any]() Schema { return JSONSchema[T]{} }

func (JSONSchema[T]) Validate(data json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return errors.Wrap(err, "decode payload")
	}
	if val, ok := any(&v).(Validator); ok {
		return val.Validate()
	}
	return nil
}

// encodePayload marshals payload and ensures it carries a correlation id.
func encodePayload(queueID string, schema Schema, payload any) (json.RawMessage, error) {
	var (
		raw json.RawMessage
		err error
	)
	switch v := payload.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		if raw, err = json.Marshal(payload); err != nil {
			return nil, errors.Wrapf(err, "encode payload for queue %s", queueID)
		}
	}

	var envelope domain.Payload
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &ValidationError{QueueID: queueID, Err: err}
	}
	if envelope.CorrelationID() == "" {
		return nil, &ValidationError{QueueID: queueID, Err: ErrMissingCorrelationID}
	}
	if schema != nil {
		if err := schema.Validate(raw); err != nil {
			return nil, &ValidationError{QueueID: queueID, Err: err}
		}
	}
	return raw, nil
}
