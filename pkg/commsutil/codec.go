package commsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const codecLogPrefix = "commsutil:codec"

// MaxPayload is the largest message the relay puts on the bus. It matches
// the NATS server default max_payload.
const MaxPayload = 1 << 20

var (
	// ErrEmptyPayload is returned when a message carries no body.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrPayloadTooLarge is returned before publishing an oversized message.
	ErrPayloadTooLarge = errors.New("payload exceeds max size")
)

// EncodePayload serializes a bus message as JSON.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode %T: %w", codecLogPrefix, v, err)
	}
	if len(data) > MaxPayload {
		return nil, fmt.Errorf("%s - %d bytes: %w", codecLogPrefix, len(data), ErrPayloadTooLarge)
	}
	return data, nil
}

// DecodePayload deserializes a bus message into v. Blank messages are
// rejected with ErrEmptyPayload.
func DecodePayload(data []byte, v interface{}) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s - %w", codecLogPrefix, ErrEmptyPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s - decode into %T: %w", codecLogPrefix, v, err)
	}
	return nil
}
