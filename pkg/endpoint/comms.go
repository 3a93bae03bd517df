package endpoint

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/commsutil"
	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const commsLogPrefix = "endpoint:comms"

// ServeComms answers requests published on subject with JSON replies. The
// subscription callback runs sequentially, so requests on one subject keep
// their arrival order. Progress frames are not carried over COMMS.
//
// Bus clients are remote callers whatever origin they declare: every request
// is checked against the remote allow-lists.
func (s *Server) ServeComms(ctx context.Context, nc *comms.Conn, subject string) (*comms.Subscription, error) {
	if subject == "" {
		subject = commsutil.SubjectAgentCommand
	}

	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var req dispatcher.Request
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			s.transportFailures.Add(1)
			slog.Warn(fmt.Sprintf("%s - undecodable request on %s: %v", commsLogPrefix, msg.Subject, err))
			respond(msg, dispatcher.Fail("", dispatcher.CodeInvalidRequest, "Failed to parse request"))
			return
		}
		if msg.Reply == "" {
			req.ExpectReply = false
		}
		if req.Origin != string(channels.Remote) {
			slog.Debug(fmt.Sprintf("%s - treating %s with declared origin %q as remote", commsLogPrefix, req.Channel, req.Origin))
			req.Origin = string(channels.Remote)
		}

		resp := s.Process(ctx, &req, nil)
		if resp != nil {
			respond(msg, resp)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}

	slog.Info(fmt.Sprintf("%s - Serving commands on COMMS subject %s", commsLogPrefix, subject))
	return sub, nil
}

func respond(msg *comms.Msg, resp *dispatcher.Response) {
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", commsLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", commsLogPrefix, err))
	}
}
