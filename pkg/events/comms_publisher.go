package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/substrate-ai/relay/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisher publishes agent events to per-channel COMMS subjects.
type CommsPublisher struct {
	nc *comms.Conn
}

// NewCommsPublisher creates a new CommsPublisher.
func NewCommsPublisher(nc *comms.Conn) *CommsPublisher {
	return &CommsPublisher{nc: nc}
}

// Publish publishes the event to substrate.events.<channel>.
func (p *CommsPublisher) Publish(_ context.Context, event *AgentEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	subject := commsutil.BuildEventSubject(event.Channel)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	slog.Debug(fmt.Sprintf("%s - Published %s event correlation=%s", commsPublisherLogPrefix, event.Channel, event.CorrelationID))
	return nil
}

// CommsSource subscribes to agent events published by a CommsPublisher.
type CommsSource struct {
	nc *comms.Conn
}

// NewCommsSource creates a new CommsSource.
func NewCommsSource(nc *comms.Conn) *CommsSource {
	return &CommsSource{nc: nc}
}

// Subscribe registers fn for the channel's subject. Undecodable messages are dropped.
func (s *CommsSource) Subscribe(channel string, fn func(*AgentEvent)) (func(), error) {
	subject := commsutil.BuildEventSubject(channel)
	sub, err := s.nc.Subscribe(subject, func(msg *comms.Msg) {
		var event AgentEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable event on %s: %v", commsPublisherLogPrefix, msg.Subject, err))
			return
		}
		if event.Channel == "" {
			event.Channel = commsutil.ChannelFromSubject(msg.Subject)
		}
		fn(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsPublisherLogPrefix, subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", commsPublisherLogPrefix, subject, err))
		}
	}, nil
}
