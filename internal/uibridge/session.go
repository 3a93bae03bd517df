package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/correlate"
	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/events"
	"github.com/substrate-ai/relay/pkg/reconcile"
)

const sessionLogPrefix = "uibridge:session"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	outboxSize     = 64
	jobQueueSize   = 32
)

// session is one renderer connection. Only writeLoop writes to conn;
// invokes run one at a time on the worker so replies keep request order.
type session struct {
	bridge  *Bridge
	conn    *websocket.Conn
	surface *reconcile.Surface

	out    chan Message
	jobs   chan func()
	ctx    context.Context
	cancel context.CancelFunc

	announced atomic.Bool
	applyMu   sync.Mutex
	// revision is the newest config revision reconciled onto surface.
	revision int

	subMu sync.Mutex
	subs  map[string]func()
}

func newSession(b *Bridge, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		bridge:  b,
		conn:    conn,
		surface: reconcile.NewSurface(),
		out:     make(chan Message, outboxSize),
		jobs:    make(chan func(), jobQueueSize),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]func()),
	}
}

func (s *session) close() {
	s.cancel()
}

// run serves the session until the renderer goes away or the bridge closes.
func (s *session) run() {
	if src := s.bridge.opts.Source; src != nil {
		stop, err := src.Subscribe(channels.ConfigUpdated, s.onConfigUpdated)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - config reconciliation disabled: %v", sessionLogPrefix, err))
		} else {
			defer stop()
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.work()
	}()

	s.readLoop()
	s.cancel()

	s.subMu.Lock()
	for ch, stop := range s.subs {
		stop()
		delete(s.subs, ch)
	}
	s.subMu.Unlock()
	<-workerDone
	<-writerDone
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				slog.Warn(fmt.Sprintf("%s - renderer connection failed: %v", sessionLogPrefix, err))
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.reply("", "", dispatcher.Fail("", dispatcher.CodeInvalidRequest, "message must be a JSON object"))
			continue
		}
		s.handle(m)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case m := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(m); err != nil {
				slog.Debug(fmt.Sprintf("%s - write failed: %v", sessionLogPrefix, err))
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (s *session) work() {
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) enqueue(job func()) {
	select {
	case s.jobs <- job:
	case <-s.ctx.Done():
	}
}

// deliver queues m behind earlier messages, waiting for room.
func (s *session) deliver(m Message) {
	select {
	case s.out <- m:
	case <-s.ctx.Done():
	}
}

// push queues m without blocking. Used from event callbacks, which run on
// the publisher's goroutine.
func (s *session) push(m Message) {
	select {
	case s.out <- m:
	case <-s.ctx.Done():
	default:
		slog.Warn(fmt.Sprintf("%s - renderer is behind, dropping %s %s", sessionLogPrefix, m.Type, m.Channel))
	}
}

func (s *session) reply(id, channel string, resp *dispatcher.Response) {
	s.deliver(replyMessage(id, channel, resp))
}

func (s *session) handle(m Message) {
	switch m.Type {
	case TypeSend:
		s.handleSend(m)
	case TypeInvoke:
		s.handleInvoke(m)
	case TypeSubscribe:
		s.handleSubscribe(m)
	case TypeManifest:
		s.handleManifest(m)
	case TypeFieldChanged:
		s.handleFieldChanged(m)
	default:
		slog.Warn(fmt.Sprintf("%s - unknown message type %q", sessionLogPrefix, m.Type))
		if m.ID != "" {
			s.reply(m.ID, m.Channel, dispatcher.Fail(m.ID, dispatcher.CodeInvalidRequest, fmt.Sprintf("unknown message type %q", m.Type)))
		}
	}
}

// handleSend forwards a fire-and-forget message. Denied sends are dropped.
func (s *session) handleSend(m Message) {
	if err := s.bridge.registry.Check(m.Channel, channels.Send, channels.Sandbox); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping renderer send: %v", sessionLogPrefix, err))
		return
	}
	s.forward(m.Channel, m.Payload)
}

func (s *session) forward(channel string, payload json.RawMessage) {
	req := &dispatcher.Request{Channel: channel, Payload: payload, Origin: string(channels.Sandbox)}
	if err := s.bridge.opts.Caller.Send(s.ctx, req); err != nil {
		slog.Warn(fmt.Sprintf("%s - send %s failed: %v", sessionLogPrefix, channel, err))
	}
}

func (s *session) handleInvoke(m Message) {
	if m.ID == "" {
		s.reply("", m.Channel, dispatcher.Fail("", dispatcher.CodeInvalidRequest, "invoke requires an id"))
		return
	}
	if err := s.bridge.registry.Check(m.Channel, channels.Invoke, channels.Sandbox); err != nil {
		slog.Warn(fmt.Sprintf("%s - renderer invoke denied: %v", sessionLogPrefix, err))
		s.reply(m.ID, m.Channel, dispatcher.Fail(m.ID, dispatcher.CodeChannelDenied, err.Error()))
		return
	}
	s.enqueue(func() {
		s.reply(m.ID, m.Channel, s.call(m.Channel, m.Payload))
	})
}

// call invokes channel on the endpoint and waits for its terminal reply.
func (s *session) call(channel string, payload json.RawMessage) *dispatcher.Response {
	req := &dispatcher.Request{
		ID:        correlate.NewID(),
		Channel:   channel,
		Payload:   payload,
		Origin:    string(channels.Sandbox),
		TimeoutMs: int(s.bridge.opts.RequestTimeout / time.Millisecond),
	}
	h, err := s.bridge.opts.Caller.Invoke(s.ctx, req)
	if err != nil {
		var detail *dispatcher.ErrorDetail
		if errors.As(err, &detail) {
			return dispatcher.FailWith(req.ID, detail)
		}
		return dispatcher.Fail(req.ID, dispatcher.CodeEndpointUnavailable, err.Error())
	}
	resp, err := h.Wait(s.ctx)
	if err != nil || resp == nil {
		return dispatcher.Fail(req.ID, dispatcher.CodeTimeout, "request abandoned")
	}
	return resp
}

func (s *session) handleSubscribe(m Message) {
	answer := func(resp *dispatcher.Response) {
		if m.ID != "" {
			s.reply(m.ID, m.Channel, resp)
		}
	}
	if err := s.bridge.registry.Check(m.Channel, channels.Receive, channels.Sandbox); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping renderer subscribe: %v", sessionLogPrefix, err))
		return
	}
	src := s.bridge.opts.Source
	if src == nil {
		answer(dispatcher.Fail(m.ID, dispatcher.CodeEndpointUnavailable, "event stream unavailable"))
		return
	}

	s.subMu.Lock()
	_, exists := s.subs[m.Channel]
	s.subMu.Unlock()
	if !exists {
		stop, err := src.Subscribe(m.Channel, func(ev *events.AgentEvent) {
			s.push(Message{Type: TypeEvent, Channel: ev.Channel, Payload: encode(ev)})
		})
		if err != nil {
			answer(dispatcher.Fail(m.ID, dispatcher.CodeEndpointUnavailable, err.Error()))
			return
		}
		s.subMu.Lock()
		s.subs[m.Channel] = stop
		s.subMu.Unlock()
	}
	answer(dispatcher.Succeed(m.ID, map[string]string{"subscribed": m.Channel}))
}

// handleManifest replaces the surface mirror and reconciles it against the
// current config.
func (s *session) handleManifest(m Message) {
	var man Manifest
	if err := json.Unmarshal(m.Payload, &man); err != nil {
		s.reply(m.ID, TypeManifest, dispatcher.Fail(m.ID, dispatcher.CodeInvalidRequest, "manifest must be {version, elements}"))
		return
	}
	if err := s.bridge.uiGate.Check(man.Version); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejecting manifest: %v", sessionLogPrefix, err))
		s.reply(m.ID, TypeManifest, dispatcher.Fail(m.ID, dispatcher.CodeInvalidRequest, "UI "+err.Error()))
		return
	}

	s.surface.Announce(man.Elements, man.Version)
	s.announced.Store(true)
	slog.Debug(fmt.Sprintf("%s - manifest with %d elements (ui %s)", sessionLogPrefix, s.surface.Len(), man.Version))
	if m.ID != "" {
		s.reply(m.ID, TypeManifest, dispatcher.Succeed(m.ID, map[string]int{"elements": s.surface.Len()}))
	}

	s.enqueue(func() {
		resp := s.call(channels.GetConfig, nil)
		if !resp.Ok {
			slog.Warn(fmt.Sprintf("%s - cannot reconcile, get-config failed: %v", sessionLogPrefix, resp.Error))
			return
		}
		var snap agent.Snapshot
		if err := json.Unmarshal(resp.Result, &snap); err != nil {
			slog.Warn(fmt.Sprintf("%s - cannot reconcile, bad config: %v", sessionLogPrefix, err))
			return
		}
		if m, ok := s.reconcile(&snap); ok {
			s.deliver(m)
		}
	})
}

func (s *session) handleFieldChanged(m Message) {
	var fc FieldChange
	if err := json.Unmarshal(m.Payload, &fc); err != nil || fc.ID == "" {
		if m.ID != "" {
			s.reply(m.ID, TypeFieldChanged, dispatcher.Fail(m.ID, dispatcher.CodeInvalidRequest, "field-changed requires an element id"))
		}
		return
	}
	s.applyMu.Lock()
	s.surface.Update(fc.ID, fc.Value, fc.Checked)
	s.applyMu.Unlock()

	if s.bridge.registry.IsAllowed(channels.FieldChanged, channels.Send, channels.Sandbox) {
		s.forward(channels.FieldChanged, m.Payload)
	}
}

func (s *session) onConfigUpdated(ev *events.AgentEvent) {
	if !s.announced.Load() {
		return
	}
	var payload struct {
		Config *agent.Snapshot `json:"config"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.Config == nil {
		slog.Debug(fmt.Sprintf("%s - config-updated without snapshot", sessionLogPrefix))
		return
	}
	if m, ok := s.reconcile(payload.Config); ok {
		s.push(m)
	}
}

// reconcile writes snap onto the mirror and builds the apply message.
// Snapshots older than the last one reconciled are ignored, since config
// events may arrive out of order.
func (s *session) reconcile(snap *agent.Snapshot) (Message, bool) {
	s.applyMu.Lock()
	if snap.Revision < s.revision {
		s.applyMu.Unlock()
		slog.Debug(fmt.Sprintf("%s - ignoring stale config revision %d (have %d)", sessionLogPrefix, snap.Revision, s.revision))
		return Message{}, false
	}
	s.revision = snap.Revision
	res := reconcile.Apply(snap.Fields(), s.bridge.aliases, s.surface)
	s.applyMu.Unlock()

	p := ApplyPayload{Revision: snap.Revision, Applied: res.Applied, Skipped: res.Skipped, Notify: res.Notifications()}
	if res.Partial() {
		p.Error = dispatcher.Errorf(dispatcher.CodePartialReconciliation, "no element for %s", strings.Join(res.Skipped, ", "))
		slog.Debug(fmt.Sprintf("%s - partial reconciliation, %d applied, %d skipped", sessionLogPrefix, len(res.Applied), len(res.Skipped)))
	}
	for _, field := range p.Notify {
		slog.Info(fmt.Sprintf("%s - %s changed to a new value", sessionLogPrefix, field))
	}
	return Message{Type: TypeApply, Channel: channels.ConfigUpdated, Payload: encode(p)}, true
}
