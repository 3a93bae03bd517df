package commsutil

import "testing"

func TestBuildEventSubject(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{"simple", "config-updated", "substrate.events.config-updated"},
		{"dotted name", "agent.status", "substrate.events.agent_status"},
		{"wildcard", "*", "substrate.events.*"},
		{"empty means all", "", "substrate.events.*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildEventSubject(tt.channel)
			if got != tt.want {
				t.Errorf("BuildEventSubject(%q) = %q, want %q", tt.channel, got, tt.want)
			}
		})
	}
}

func TestChannelFromSubject(t *testing.T) {
	got := ChannelFromSubject(BuildEventSubject("listening-state"))
	if got != "listening-state" {
		t.Errorf("ChannelFromSubject = %q, want listening-state", got)
	}
}
