package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/events"
)

const streamLogPrefix = "gateway:stream"

// AllChannels subscribes /v1/events to every receive channel open to remote callers.
const AllChannels = "all"

const eventBuffer = 64

func wantsStream(c *gin.Context) bool {
	if v := c.Query("stream"); v == "1" || v == "true" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}

func sendSSE(c *gin.Context, event string, data interface{}) {
	c.SSEvent(event, data)
	c.Writer.Flush()
}

func heartbeat(c *gin.Context) {
	_, _ = c.Writer.WriteString(": ping\n\n")
	c.Writer.Flush()
}

// subscribe buffers events from channel into a bounded queue. Events are
// dropped with a warning when the reader falls behind.
func (g *Gateway) subscribe(channel string, keep func(*events.AgentEvent) bool) (<-chan *events.AgentEvent, func(), error) {
	queue := make(chan *events.AgentEvent, eventBuffer)
	stop, err := g.opts.Source.Subscribe(channel, func(ev *events.AgentEvent) {
		if keep != nil && !keep(ev) {
			return
		}
		select {
		case queue <- ev:
		default:
			slog.Warn(fmt.Sprintf("%s - dropping %s event for slow reader", streamLogPrefix, ev.Channel))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return queue, stop, nil
}

// streamInvoke answers an invoke as server-sent events: progress frames,
// the reply, and for start-listening the capture's correlated events until
// it stops or the caller disconnects.
func (g *Gateway) streamInvoke(c *gin.Context, req *dispatcher.Request) {
	ctx := c.Request.Context()

	var capture <-chan *events.AgentEvent
	if req.Channel == channels.StartListening && g.opts.Source != nil {
		listening, stopListening, err := g.subscribe(channels.ListeningState, nil)
		if err != nil {
			writeResponse(c, dispatcher.Fail(req.ID, dispatcher.CodeEndpointUnavailable, err.Error()))
			return
		}
		defer stopListening()
		transcripts, stopTranscripts, err := g.subscribe(channels.Transcription, nil)
		if err != nil {
			writeResponse(c, dispatcher.Fail(req.ID, dispatcher.CodeEndpointUnavailable, err.Error()))
			return
		}
		defer stopTranscripts()
		capture = merge(ctx, listening, transcripts)
	}

	h, err := g.opts.Caller.Invoke(ctx, req)
	if err != nil {
		writeResponse(c, failureFromError(req.ID, err))
		return
	}

	startSSE(c)
	progress := h.Progress()
	for progress != nil {
		select {
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			sendSSE(c, "progress", dispatcher.Progress{ID: req.ID, Payload: p})
		case <-ctx.Done():
			return
		}
	}

	resp, err := h.Wait(ctx)
	if err != nil {
		return
	}
	if resp == nil {
		resp = dispatcher.Fail(req.ID, dispatcher.CodeTimeout, "request cancelled")
	}
	sendSSE(c, "reply", resp)
	if capture == nil || !resp.Ok {
		return
	}

	var state agent.ListeningState
	if err := json.Unmarshal(resp.Result, &state); err != nil || state.State != agent.StateListening {
		return
	}
	g.followCapture(ctx, c, state.CaptureID, capture)
}

func (g *Gateway) followCapture(ctx context.Context, c *gin.Context, captureID string, capture <-chan *events.AgentEvent) {
	ticker := time.NewTicker(g.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev := <-capture:
			if ev.CorrelationID != captureID {
				continue
			}
			sendSSE(c, ev.Channel, ev)
			if ev.Channel == channels.ListeningState {
				var state agent.ListeningState
				if json.Unmarshal(ev.Payload, &state) == nil && state.State == agent.StateStopped {
					return
				}
			}
		case <-ticker.C:
			heartbeat(c)
		case <-ctx.Done():
			return
		}
	}
}

func merge(ctx context.Context, a, b <-chan *events.AgentEvent) <-chan *events.AgentEvent {
	out := make(chan *events.AgentEvent, eventBuffer)
	forward := func(in <-chan *events.AgentEvent) {
		for {
			select {
			case ev := <-in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
	go forward(a)
	go forward(b)
	return out
}

// handleEvents streams one receive channel, or every remote receive
// channel for "all", as server-sent events.
func (g *Gateway) handleEvents(c *gin.Context) {
	channel := c.Param("channel")
	if g.opts.Source == nil {
		writeResponse(c, dispatcher.Fail("", dispatcher.CodeEndpointUnavailable, "event stream unavailable"))
		return
	}

	subject := channel
	var keep func(*events.AgentEvent) bool
	if channel == AllChannels {
		subject = "*"
		keep = func(ev *events.AgentEvent) bool {
			return g.registry.IsAllowed(ev.Channel, channels.Receive, channels.Remote)
		}
	} else if g.deny(c, channel, channels.Receive) {
		return
	}

	queue, stop, err := g.subscribe(subject, keep)
	if err != nil {
		writeResponse(c, dispatcher.Fail("", dispatcher.CodeEndpointUnavailable, err.Error()))
		return
	}
	defer stop()

	slog.Debug(fmt.Sprintf("%s - %s subscribed to %s", streamLogPrefix, c.GetString(originKey), channel))
	startSSE(c)
	heartbeat(c)

	ctx := c.Request.Context()
	ticker := time.NewTicker(g.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev := <-queue:
			sendSSE(c, ev.Channel, ev)
		case <-ticker.C:
			heartbeat(c)
		case <-ctx.Done():
			return
		}
	}
}
