// Package channels holds the fixed allow-lists that gate every command and
// event crossing between a less-trusted caller and the agent process.
package channels

import (
	"fmt"
	"sort"
)

const logPrefix = "channels:registry"

// Direction is the flow of a channel relative to the caller.
type Direction string

const (
	// Send is caller -> agent, fire-and-forget.
	Send Direction = "send"
	// Invoke is caller -> agent, awaiting exactly one reply.
	Invoke Direction = "invoke"
	// Receive is agent -> caller, event delivery.
	Receive Direction = "receive"
)

// TrustDomain identifies where a caller sits relative to the agent process.
type TrustDomain string

const (
	Remote  TrustDomain = "remote"
	Sandbox TrustDomain = "sandbox"
)

// ParseTrustDomain converts a wire string into a TrustDomain.
func ParseTrustDomain(s string) (TrustDomain, error) {
	switch TrustDomain(s) {
	case Remote, Sandbox:
		return TrustDomain(s), nil
	default:
		return "", fmt.Errorf("%s - unknown trust domain %q", logPrefix, s)
	}
}

// ParseDirection converts a wire string into a Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Send, Invoke, Receive:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("%s - unknown direction %q", logPrefix, s)
	}
}

// Channel is a named conduit with a direction, valid for one trust domain.
type Channel struct {
	Name      string      `json:"name"`
	Direction Direction   `json:"direction"`
	Domain    TrustDomain `json:"domain"`
}

type key struct {
	name   string
	dir    Direction
	domain TrustDomain
}

// Registry is an immutable set of allowed channels. The zero value and a nil
// *Registry deny everything.
type Registry struct {
	allowed map[key]struct{}
}

// New builds a Registry from the given channels. The slice is copied; the
// returned Registry has no mutators.
func New(chs ...Channel) *Registry {
	allowed := make(map[key]struct{}, len(chs))
	for _, ch := range chs {
		allowed[key{name: ch.Name, dir: ch.Direction, domain: ch.Domain}] = struct{}{}
	}
	return &Registry{allowed: allowed}
}

// IsAllowed reports whether name is registered for the direction and domain.
func (r *Registry) IsAllowed(name string, dir Direction, domain TrustDomain) bool {
	if r == nil || name == "" {
		return false
	}
	_, ok := r.allowed[key{name: name, dir: dir, domain: domain}]
	return ok
}

// Check is IsAllowed returning a *DeniedError on rejection. It is the single
// boundary function every transport calls before queueing or delivering.
func (r *Registry) Check(name string, dir Direction, domain TrustDomain) error {
	if r.IsAllowed(name, dir, domain) {
		return nil
	}
	return &DeniedError{Channel: name, Direction: dir, Domain: domain}
}

// List returns the sorted channel names allowed for a direction and domain.
func (r *Registry) List(dir Direction, domain TrustDomain) []string {
	if r == nil {
		return nil
	}
	var names []string
	for k := range r.allowed {
		if k.dir == dir && k.domain == domain {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered (name, direction, domain) triples.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.allowed)
}

// DeniedError reports a channel that is not registered for the caller.
type DeniedError struct {
	Channel   string
	Direction Direction
	Domain    TrustDomain
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("channel %q is not allowed for %s/%s", e.Channel, e.Domain, e.Direction)
}
