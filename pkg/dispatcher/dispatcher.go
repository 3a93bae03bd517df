package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/channels"
)

const logPrefix = "dispatcher:dispatch"

// Executor is the agent command surface a Dispatcher drives.
type Executor interface {
	Config() *agent.Snapshot
	UpdateConfig(ctx context.Context, patch []byte) (*agent.Snapshot, error)
	SaveConfig(ctx context.Context, doc []byte) (*agent.Snapshot, error)
	ListProfiles(ctx context.Context) ([]agent.ProfileInfo, error)
	SaveProfile(ctx context.Context, name string) (*agent.ProfileInfo, error)
	LoadProfile(ctx context.Context, name string) (*agent.Snapshot, error)
	DeleteProfile(ctx context.Context, name string) error
	StartListening(ctx context.Context, correlationID string) (agent.ListeningState, bool)
	StopListening(ctx context.Context) (agent.ListeningState, bool)
	SendMessage(ctx context.Context, text, origin string) (*agent.MessageReceipt, error)
	Notify(ctx context.Context, title, body, level string) (*agent.Notification, error)
	DismissNotification(ctx context.Context, id string) error
	Restart(ctx context.Context) (*agent.Status, error)
	Status() *agent.Status
}

// ProgressFunc receives intermediate payloads for a request. It may be nil.
type ProgressFunc func(payload json.RawMessage)

// Dispatcher routes channel requests to the agent executor.
type Dispatcher struct {
	exec Executor
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(exec Executor) *Dispatcher {
	return &Dispatcher{exec: exec}
}

// ListeningResult is the reply to start-listening and stop-listening.
type ListeningResult struct {
	agent.ListeningState
	Changed bool `json:"changed"`
}

// Dispatch executes a request and returns its reply. A panicking handler is
// turned into an EXECUTION_FAILED reply so the caller's connection survives.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request, progress ProgressFunc) (resp *Response) {
	slog.Debug(fmt.Sprintf("%s - channel=%s id=%s origin=%s", logPrefix, req.Channel, req.ID, req.Origin))

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v\n%s", logPrefix, req.Channel, r, debug.Stack()))
			resp = Fail(req.ID, CodeExecutionFailed, fmt.Sprintf("handler for %s failed", req.Channel))
		}
	}()

	if progress == nil {
		progress = func(json.RawMessage) {}
	}

	switch req.Channel {
	case channels.GetConfig:
		return Succeed(req.ID, d.exec.Config())
	case channels.UpdateConfig:
		return d.handleUpdateConfig(ctx, req)
	case channels.SaveConfig:
		return d.handleSaveConfig(ctx, req)
	case channels.ListProfiles:
		return d.handleListProfiles(ctx, req)
	case channels.LoadProfile, channels.SwitchProfile:
		return d.handleLoadProfile(ctx, req)
	case channels.SaveProfile:
		return d.handleSaveProfile(ctx, req)
	case channels.DeleteProfile:
		return d.handleDeleteProfile(ctx, req)
	case channels.GetStatus:
		return Succeed(req.ID, d.exec.Status())
	case channels.StartListening:
		return d.handleStartListening(ctx, req, progress)
	case channels.StopListening:
		state, changed := d.exec.StopListening(ctx)
		return Succeed(req.ID, ListeningResult{ListeningState: state, Changed: changed})
	case channels.SendMessage:
		return d.handleSendMessage(ctx, req)
	case channels.Notify:
		return d.handleNotify(ctx, req)
	case channels.DismissNotification:
		return d.handleDismissNotification(ctx, req)
	case channels.RestartAgent:
		return d.handleRestart(ctx, req, progress)
	case channels.UIReady:
		return Succeed(req.ID, d.exec.Config())
	case channels.FieldChanged:
		return Succeed(req.ID, map[string]bool{"acknowledged": true})
	default:
		return Fail(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown channel: %s", req.Channel))
	}
}

func (d *Dispatcher) handleUpdateConfig(ctx context.Context, req *Request) *Response {
	if isEmptyPayload(req.Payload) {
		return Fail(req.ID, CodeInvalidRequest, "update-config requires a config object")
	}
	snap, err := d.exec.UpdateConfig(ctx, req.Payload)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, snap)
}

func (d *Dispatcher) handleSaveConfig(ctx context.Context, req *Request) *Response {
	var doc []byte
	if !isEmptyPayload(req.Payload) {
		doc = req.Payload
	}
	snap, err := d.exec.SaveConfig(ctx, doc)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, snap)
}

func (d *Dispatcher) handleListProfiles(ctx context.Context, req *Request) *Response {
	profiles, err := d.exec.ListProfiles(ctx)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, map[string]interface{}{"profiles": profiles})
}

func (d *Dispatcher) handleLoadProfile(ctx context.Context, req *Request) *Response {
	name, errResp := decodeName(req, "name")
	if errResp != nil {
		return errResp
	}
	snap, err := d.exec.LoadProfile(ctx, name)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, snap)
}

func (d *Dispatcher) handleSaveProfile(ctx context.Context, req *Request) *Response {
	name, errResp := decodeName(req, "name")
	if errResp != nil {
		return errResp
	}
	info, err := d.exec.SaveProfile(ctx, name)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, info)
}

func (d *Dispatcher) handleDeleteProfile(ctx context.Context, req *Request) *Response {
	name, errResp := decodeName(req, "name")
	if errResp != nil {
		return errResp
	}
	if err := d.exec.DeleteProfile(ctx, name); err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, map[string]interface{}{"deleted": name})
}

func (d *Dispatcher) handleStartListening(ctx context.Context, req *Request, progress ProgressFunc) *Response {
	progress(mustJSON(map[string]string{"stage": "arming"}))
	state, changed := d.exec.StartListening(ctx, req.ID)
	return Succeed(req.ID, ListeningResult{ListeningState: state, Changed: changed})
}

type sendMessageInput struct {
	Text string `json:"text"`
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *Request) *Response {
	var input sendMessageInput
	if err := decodeStringOr(req.Payload, &input.Text, &input); err != nil {
		return Fail(req.ID, CodeInvalidRequest, "Failed to parse send-message payload")
	}
	receipt, err := d.exec.SendMessage(ctx, input.Text, req.Origin)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, receipt)
}

type notifyInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Level string `json:"level"`
}

func (d *Dispatcher) handleNotify(ctx context.Context, req *Request) *Response {
	var input notifyInput
	if err := decodeStringOr(req.Payload, &input.Title, &input); err != nil {
		return Fail(req.ID, CodeInvalidRequest, "Failed to parse notify payload")
	}
	n, err := d.exec.Notify(ctx, input.Title, input.Body, input.Level)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, n)
}

func (d *Dispatcher) handleDismissNotification(ctx context.Context, req *Request) *Response {
	id, errResp := decodeName(req, "id")
	if errResp != nil {
		return errResp
	}
	if err := d.exec.DismissNotification(ctx, id); err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, map[string]interface{}{"dismissed": id})
}

func (d *Dispatcher) handleRestart(ctx context.Context, req *Request, progress ProgressFunc) *Response {
	progress(mustJSON(map[string]string{"stage": "restarting"}))
	status, err := d.exec.Restart(ctx)
	if err != nil {
		return agentErrorToResponse(req.ID, err)
	}
	return Succeed(req.ID, status)
}

// --- helpers ---

func isEmptyPayload(p json.RawMessage) bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeStringOr accepts either a bare JSON string (stored into s) or an object (decoded into obj).
func decodeStringOr(payload json.RawMessage, s *string, obj interface{}) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return errors.New("empty payload")
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, s)
	}
	return json.Unmarshal(trimmed, obj)
}

// decodeName reads a single string argument given bare or as {"<field>": "..."}.
func decodeName(req *Request, field string) (string, *Response) {
	var name string
	var obj map[string]interface{}
	if err := decodeStringOr(req.Payload, &name, &obj); err != nil {
		return "", Fail(req.ID, CodeInvalidRequest, fmt.Sprintf("Failed to parse %s payload", req.Channel))
	}
	if obj != nil {
		v, _ := obj[field].(string)
		name = v
	}
	if name == "" {
		return "", Fail(req.ID, CodeInvalidRequest, fmt.Sprintf("%s requires %q", req.Channel, field))
	}
	return name, nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func agentErrorToResponse(id string, err error) *Response {
	var verr *agent.ValidationError
	switch {
	case errors.As(err, &verr):
		return Fail(id, CodeInvalidRequest, verr.Error())
	case errors.Is(err, agent.ErrInboxFull):
		return &Response{ID: id, Ok: false, Error: &ErrorDetail{Code: CodeExecutionFailed, Message: err.Error(), Retryable: true}}
	case errors.Is(err, agent.ErrNotFound):
		return Fail(id, CodeExecutionFailed, err.Error())
	default:
		slog.Error(fmt.Sprintf("%s - execution failed: %v", logPrefix, err))
		return Fail(id, CodeExecutionFailed, err.Error())
	}
}
