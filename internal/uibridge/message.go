package uibridge

import (
	"encoding/json"

	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/reconcile"
)

// Message types exchanged with the renderer.
const (
	TypeSend         = "send"
	TypeInvoke       = "invoke"
	TypeSubscribe    = "subscribe"
	TypeManifest     = "manifest"
	TypeFieldChanged = "field-changed"

	TypeReply = "reply"
	TypeEvent = "event"
	TypeApply = "apply"
)

// Message is one websocket frame in either direction.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Manifest announces the renderer's UI surface.
type Manifest struct {
	Version  string              `json:"version"`
	Elements []reconcile.Element `json:"elements"`
}

// FieldChange reports one element edited in the renderer.
type FieldChange struct {
	ID      string `json:"id"`
	Value   string `json:"value,omitempty"`
	Checked bool   `json:"checked,omitempty"`
}

// ApplyPayload is the outcome of a reconciliation pass pushed to the
// renderer. Error carries PARTIAL_RECONCILIATION when fields were skipped.
type ApplyPayload struct {
	Revision int                     `json:"revision"`
	Applied  []reconcile.Write       `json:"applied"`
	Skipped  []string                `json:"skipped"`
	Notify   []string                `json:"notify,omitempty"`
	Error    *dispatcher.ErrorDetail `json:"error,omitempty"`
}

func encode(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// replyMessage answers the renderer's message id. The endpoint's own
// correlation id never leaves the bridge.
func replyMessage(id, channel string, resp *dispatcher.Response) Message {
	out := *resp
	out.ID = id
	return Message{Type: TypeReply, ID: id, Channel: channel, Payload: encode(&out)}
}
