// Package events defines the agent event envelope and the publishers and
// subscribers that carry receive-channel events between processes.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentEvent is emitted by the agent host on a receive channel.
type AgentEvent struct {
	Channel       string          `json:"channel"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// NewEvent builds an AgentEvent, encoding payload as JSON.
func NewEvent(channel, correlationID string, payload interface{}) (*AgentEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("events:types - failed to encode %s payload: %w", channel, err)
		}
		raw = data
	}
	return &AgentEvent{
		Channel:       channel,
		CorrelationID: correlationID,
		Payload:       raw,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}
