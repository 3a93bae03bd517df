package channels

import "sync"

// Channel names shared between the allow-lists and the handlers that serve them.
const (
	SendMessage         = "send-message"
	StartListening      = "start-listening"
	StopListening       = "stop-listening"
	RestartAgent        = "restart-agent"
	UpdateConfig        = "update-config"
	SwitchProfile       = "switch-profile"
	DismissNotification = "dismiss-notification"
	UIReady             = "ui-ready"
	FieldChanged        = "field-changed"
	Notify              = "notify"

	GetConfig     = "get-config"
	SaveConfig    = "save-config"
	ListProfiles  = "list-profiles"
	LoadProfile   = "load-profile"
	SaveProfile   = "save-profile"
	DeleteProfile = "delete-profile"
	GetStatus     = "get-status"

	AgentResponse  = "agent-response"
	ConfigUpdated  = "config-updated"
	ListeningState = "listening-state"
	Transcription  = "transcription"
	Notification   = "notification"
	AgentStatus    = "agent-status"
	ProfileChanged = "profile-changed"
)

// The allow-lists below are the wire contract with the sandboxed renderer
// and remote clients. Adding a name here requires a restart of every process.
var (
	sandboxSend = []string{
		SendMessage, StartListening, StopListening, RestartAgent, UpdateConfig,
		SwitchProfile, DismissNotification, UIReady, FieldChanged,
	}
	sandboxInvoke = []string{
		GetConfig, SaveConfig, ListProfiles, LoadProfile, SaveProfile,
		DeleteProfile, GetStatus, StartListening, StopListening,
	}
	sandboxReceive = []string{
		AgentResponse, ConfigUpdated, ListeningState, Transcription,
		Notification, AgentStatus, ProfileChanged,
	}

	remoteSend = []string{
		SendMessage, StartListening, StopListening, Notify,
	}
	remoteInvoke = []string{
		GetConfig, UpdateConfig, GetStatus, StartListening, StopListening,
		ListProfiles, LoadProfile, SendMessage,
	}
	remoteReceive = []string{
		AgentResponse, ConfigUpdated, ListeningState, Transcription,
		Notification, AgentStatus,
	}
)

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry built from the fixed allow-lists.
func Default() *Registry {
	defaultOnce.Do(func() {
		var chs []Channel
		add := func(names []string, dir Direction, domain TrustDomain) {
			for _, n := range names {
				chs = append(chs, Channel{Name: n, Direction: dir, Domain: domain})
			}
		}
		add(sandboxSend, Send, Sandbox)
		add(sandboxInvoke, Invoke, Sandbox)
		add(sandboxReceive, Receive, Sandbox)
		add(remoteSend, Send, Remote)
		add(remoteInvoke, Invoke, Remote)
		add(remoteReceive, Receive, Remote)
		defaultRegistry = New(chs...)
	})
	return defaultRegistry
}
