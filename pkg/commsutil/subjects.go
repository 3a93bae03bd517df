package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectAgentCommand = "substrate.agent.command"
	SubjectEventPrefix  = "substrate.events"
)

// BuildEventSubject builds the subject a receive channel's events are published on.
// An empty channel or "*" yields the wildcard subject covering every channel.
func BuildEventSubject(channel string) string {
	if channel == "" || channel == "*" {
		return SubjectEventPrefix + ".*"
	}
	return fmt.Sprintf("%s.%s", SubjectEventPrefix, strings.ReplaceAll(channel, ".", "_"))
}

// ChannelFromSubject extracts the channel name from an event subject.
func ChannelFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectEventPrefix+".")
}
