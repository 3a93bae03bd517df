package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/channels"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *agent.Controller) {
	t.Helper()
	ctrl, err := agent.NewController(context.Background(), agent.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("dispatcher:dispatch_routing_test - NewController: %v", err)
	}
	return NewDispatcher(ctrl), ctrl
}

func invoke(d *Dispatcher, channel, payload string) *Response {
	req := &Request{ID: "req-" + channel, Channel: channel, Origin: "remote", ExpectReply: true}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return d.Dispatch(context.Background(), req, nil)
}

// TestDispatch_UnknownChannel verifies that unknown channels return METHOD_NOT_FOUND.
func TestDispatch_UnknownChannel(t *testing.T) {
	disp, _ := newTestDispatcher(t)

	resp := invoke(disp, "nonexistent", `{}`)

	if resp.Ok {
		t.Error("dispatcher:dispatch_routing_test - expected Ok=false for unknown channel")
	}
	if resp.ID != "req-nonexistent" {
		t.Errorf("dispatcher:dispatch_routing_test - expected request ID preserved, got %s", resp.ID)
	}
	if resp.ErrorCode() != CodeMethodNotFound {
		t.Errorf("dispatcher:dispatch_routing_test - expected METHOD_NOT_FOUND, got %s", resp.ErrorCode())
	}
	if resp.Error.Retryable {
		t.Error("dispatcher:dispatch_routing_test - METHOD_NOT_FOUND should not be retryable")
	}
}

func TestDispatch_ConfigRoundTrip(t *testing.T) {
	disp, _ := newTestDispatcher(t)

	upd := invoke(disp, channels.UpdateConfig, `{"model":"X"}`)
	if !upd.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - update-config failed: %+v", upd.Error)
	}

	got := invoke(disp, channels.GetConfig, "")
	if !got.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - get-config failed: %+v", got.Error)
	}
	var snap agent.Snapshot
	if err := json.Unmarshal(got.Result, &snap); err != nil {
		t.Fatalf("dispatcher:dispatch_routing_test - decode snapshot: %v", err)
	}
	if snap.Model != "X" {
		t.Errorf("dispatcher:dispatch_routing_test - model = %q, want X", snap.Model)
	}
}

func TestDispatch_ErrorMapping(t *testing.T) {
	disp, _ := newTestDispatcher(t)

	tests := []struct {
		name    string
		channel string
		payload string
		code    string
	}{
		{"update without body", channels.UpdateConfig, "", CodeInvalidRequest},
		{"update unknown key", channels.UpdateConfig, `{"shell":"x"}`, CodeInvalidRequest},
		{"update min above max", channels.UpdateConfig, `{"autonomy":{"notes":{"min_interval":9999}}}`, CodeInvalidRequest},
		{"load missing profile", channels.LoadProfile, `{"name":"nope"}`, CodeExecutionFailed},
		{"load without name", channels.LoadProfile, `{}`, CodeInvalidRequest},
		{"load bad payload", channels.LoadProfile, `42`, CodeInvalidRequest},
		{"dismiss unknown", channels.DismissNotification, `"missing-id"`, CodeExecutionFailed},
		{"empty message", channels.SendMessage, `{"text":""}`, CodeInvalidRequest},
		{"send without payload", channels.SendMessage, "", CodeInvalidRequest},
		{"notify bad level", channels.Notify, `{"title":"t","level":"loud"}`, CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := invoke(disp, tt.channel, tt.payload)
			if resp.Ok {
				t.Fatalf("dispatcher:dispatch_routing_test - expected failure")
			}
			if resp.ErrorCode() != tt.code {
				t.Errorf("dispatcher:dispatch_routing_test - code = %s, want %s (%s)", resp.ErrorCode(), tt.code, resp.Error.Message)
			}
		})
	}
}

func TestDispatch_ProfileLifecycle(t *testing.T) {
	disp, ctrl := newTestDispatcher(t)

	if resp := invoke(disp, channels.SaveProfile, `"desk"`); !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - save-profile: %+v", resp.Error)
	}
	_ = invoke(disp, channels.UpdateConfig, `{"model":"changed"}`)

	if resp := invoke(disp, channels.SwitchProfile, `{"name":"desk"}`); !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - switch-profile: %+v", resp.Error)
	}
	if ctrl.Config().Model == "changed" {
		t.Error("dispatcher:dispatch_routing_test - switch-profile did not restore the saved model")
	}

	list := invoke(disp, channels.ListProfiles, "")
	var out struct {
		Profiles []agent.ProfileInfo `json:"profiles"`
	}
	if err := json.Unmarshal(list.Result, &out); err != nil || len(out.Profiles) != 1 {
		t.Errorf("dispatcher:dispatch_routing_test - list-profiles = %s (%v)", list.Result, err)
	}

	if resp := invoke(disp, channels.DeleteProfile, `{"name":"desk"}`); !resp.Ok {
		t.Errorf("dispatcher:dispatch_routing_test - delete-profile: %+v", resp.Error)
	}
}

func TestDispatch_StartListeningEmitsProgress(t *testing.T) {
	disp, ctrl := newTestDispatcher(t)

	var frames []json.RawMessage
	req := &Request{ID: "corr-42", Channel: channels.StartListening, Origin: "remote", ExpectReply: true}
	resp := disp.Dispatch(context.Background(), req, func(p json.RawMessage) { frames = append(frames, p) })

	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - start-listening failed: %+v", resp.Error)
	}
	if len(frames) != 1 {
		t.Errorf("dispatcher:dispatch_routing_test - expected one progress frame, got %d", len(frames))
	}
	var result ListeningResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("dispatcher:dispatch_routing_test - decode: %v", err)
	}
	if result.State != agent.StateListening || result.CaptureID != "corr-42" || !result.Changed {
		t.Errorf("dispatcher:dispatch_routing_test - result = %+v", result)
	}
	if ctrl.Listening().State != agent.StateListening {
		t.Error("dispatcher:dispatch_routing_test - controller not listening")
	}

	stop := invoke(disp, channels.StopListening, "")
	if !stop.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - stop-listening failed: %+v", stop.Error)
	}
}

func TestDispatch_SendMessageAndNotify(t *testing.T) {
	disp, ctrl := newTestDispatcher(t)

	if resp := invoke(disp, channels.SendMessage, `"hi there"`); !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - send-message string: %+v", resp.Error)
	}
	if resp := invoke(disp, channels.SendMessage, `{"text":"object form"}`); !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - send-message object: %+v", resp.Error)
	}
	msg := <-ctrl.Inbox()
	if msg.Text != "hi there" || msg.Origin != "remote" {
		t.Errorf("dispatcher:dispatch_routing_test - inbox = %+v", msg)
	}

	resp := invoke(disp, channels.Notify, `{"title":"Deploy done","level":"warning"}`)
	if !resp.Ok {
		t.Fatalf("dispatcher:dispatch_routing_test - notify: %+v", resp.Error)
	}
	var n agent.Notification
	_ = json.Unmarshal(resp.Result, &n)
	if resp := invoke(disp, channels.DismissNotification, `{"id":"`+n.ID+`"}`); !resp.Ok {
		t.Errorf("dispatcher:dispatch_routing_test - dismiss: %+v", resp.Error)
	}
}

func TestDispatch_StatusAndRestart(t *testing.T) {
	disp, _ := newTestDispatcher(t)

	var stages int
	req := &Request{ID: "r", Channel: channels.RestartAgent, Origin: "sandbox"}
	resp := disp.Dispatch(context.Background(), req, func(json.RawMessage) { stages++ })
	if !resp.Ok || stages != 1 {
		t.Fatalf("dispatcher:dispatch_routing_test - restart-agent ok=%v stages=%d", resp.Ok, stages)
	}

	status := invoke(disp, channels.GetStatus, "")
	var s agent.Status
	if err := json.Unmarshal(status.Result, &s); err != nil {
		t.Fatalf("dispatcher:dispatch_routing_test - decode status: %v", err)
	}
	if s.Restarts != 1 || s.State != "idle" {
		t.Errorf("dispatcher:dispatch_routing_test - status = %+v", s)
	}
}

type panickingExecutor struct{ Executor }

func (panickingExecutor) Status() *agent.Status { panic("boom") }

func TestDispatch_PanicBecomesExecutionFailed(t *testing.T) {
	disp := NewDispatcher(panickingExecutor{})
	resp := invoke(disp, channels.GetStatus, "")
	if resp.Ok || resp.ErrorCode() != CodeExecutionFailed {
		t.Errorf("dispatcher:dispatch_routing_test - expected EXECUTION_FAILED, got %+v", resp)
	}
	if resp.ID != "req-get-status" {
		t.Errorf("dispatcher:dispatch_routing_test - ID lost on panic: %q", resp.ID)
	}
}
