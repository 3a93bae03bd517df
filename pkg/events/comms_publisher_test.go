package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/substrate-ai/relay/pkg/commsutil"
)

// startTestServer runs an embedded bus on port and connects a client to it.
func startTestServer(t *testing.T, port int) (*comms.Conn, func()) {
	t.Helper()
	ns, err := commsutil.StartEmbedded("127.0.0.1", port)
	if err != nil {
		t.Fatalf("events:comms_publisher_test - StartEmbedded: %v", err)
	}
	nc, err := commsutil.Connect(commsutil.ConnectOpts{URL: ns.ClientURL(), Name: "events-test"})
	if err != nil {
		commsutil.StopEmbedded(ns)
		t.Fatalf("events:comms_publisher_test - Connect: %v", err)
	}
	return nc, func() {
		nc.Close()
		commsutil.StopEmbedded(ns)
	}
}

func TestCommsPublisher_PublishesToChannelSubject(t *testing.T) {
	nc, cleanup := startTestServer(t, 14230)
	defer cleanup()

	received := make(chan *AgentEvent, 1)
	sub, err := nc.Subscribe("substrate.events.config-updated", func(msg *comms.Msg) {
		var event AgentEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		received <- &event
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	_ = nc.Flush()

	ev, _ := NewEvent("config-updated", "", map[string]int{"revision": 2})
	if err := NewCommsPublisher(nc).Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got.Channel != "config-updated" {
			t.Errorf("expected channel config-updated, got %s", got.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestCommsSource_RoundTrip(t *testing.T) {
	nc, cleanup := startTestServer(t, 14231)
	defer cleanup()

	source := NewCommsSource(nc)
	received := make(chan *AgentEvent, 4)
	cancel, err := source.Subscribe("listening-state", func(ev *AgentEvent) { received <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	_ = nc.Flush()

	pub := NewCommsPublisher(nc)
	other, _ := NewEvent("notification", "", nil)
	_ = pub.Publish(context.Background(), other)
	want, _ := NewEvent("listening-state", "corr-9", map[string]string{"state": "stopped"})
	_ = pub.Publish(context.Background(), want)

	select {
	case got := <-received:
		if got.Channel != "listening-state" || got.CorrelationID != "corr-9" {
			t.Errorf("unexpected event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case extra := <-received:
		t.Errorf("unexpected extra event %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
