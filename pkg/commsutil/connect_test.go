package commsutil

import (
	"sync/atomic"
	"testing"
	"time"
)

const connectTestPrefix = "commsutil:connect_test"

func TestConnect_InvalidURL(t *testing.T) {
	nc, err := Connect(ConnectOpts{URL: "invalid://not-a-nats-server", Name: "test-client"})
	if err == nil {
		nc.Close()
		t.Fatalf("%s - expected error for invalid URL", connectTestPrefix)
	}
	if nc != nil {
		t.Errorf("%s - expected nil connection on error", connectTestPrefix)
	}
}

func TestClientName(t *testing.T) {
	tests := []struct{ service, role, want string }{
		{"substrate-relay", "gateway", "substrate-relay-gateway"},
		{"substrate-relay", "", "substrate-relay"},
	}
	for _, tt := range tests {
		if got := ClientName(tt.service, tt.role); got != tt.want {
			t.Errorf("%s - ClientName(%q, %q) = %q, want %q", connectTestPrefix, tt.service, tt.role, got, tt.want)
		}
	}
}

func TestConnect_WaitForServer(t *testing.T) {
	const url = "nats://127.0.0.1:14270"
	var up atomic.Bool
	nc, err := Connect(ConnectOpts{
		URL:           url,
		Name:          "wait-test",
		WaitForServer: true,
		ReconnectWait: 50 * time.Millisecond,
		OnStateChange: func(connected bool) { up.Store(connected) },
	})
	if err != nil {
		t.Fatalf("%s - Connect without a server should not fail: %v", connectTestPrefix, err)
	}
	defer nc.Close()
	if nc.IsConnected() || up.Load() {
		t.Fatalf("%s - connected before any server was started", connectTestPrefix)
	}

	ns, err := StartEmbedded("127.0.0.1", 14270)
	if err != nil {
		t.Fatalf("%s - StartEmbedded: %v", connectTestPrefix, err)
	}
	defer StopEmbedded(ns)

	deadline := time.Now().Add(5 * time.Second)
	for !(nc.IsConnected() && up.Load()) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !nc.IsConnected() || !up.Load() {
		t.Fatalf("%s - connected=%v state=%v after server start", connectTestPrefix, nc.IsConnected(), up.Load())
	}
	if nc.Opts.Name != "wait-test" {
		t.Errorf("%s - client name = %q", connectTestPrefix, nc.Opts.Name)
	}
}
