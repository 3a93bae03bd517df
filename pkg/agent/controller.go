package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/events"
)

const logPrefix = "agent:controller"

// InboxSize bounds the number of queued messages awaiting the agent runtime.
const InboxSize = 64

// ErrInboxFull is returned by SendMessage when the runtime is not draining messages.
var ErrInboxFull = errors.New("message inbox is full")

// Capture states reported on listening-state.
const (
	StateListening = "listening"
	StateStopped   = "stopped"
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,63}$`)

// Message is a user message queued for the agent runtime.
type Message struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Origin   string    `json:"origin,omitempty"`
	Received time.Time `json:"received"`
}

// MessageReceipt acknowledges a queued message.
type MessageReceipt struct {
	ID       string `json:"id"`
	Queued   bool   `json:"queued"`
	Position int    `json:"position"`
}

// Notification is a user-visible notice raised by a caller.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	Level     string    `json:"level"`
	Created   time.Time `json:"created"`
	Dismissed bool      `json:"dismissed,omitempty"`
}

// ListeningState is the capture state machine's observable state.
type ListeningState struct {
	State     string    `json:"state"`
	CaptureID string    `json:"captureId,omitempty"`
	Since     time.Time `json:"since"`
}

// Status summarises the agent host for get-status.
type Status struct {
	State           string         `json:"state"`
	Listening       ListeningState `json:"listening"`
	Profile         string         `json:"profile,omitempty"`
	Model           string         `json:"model"`
	Revision        int            `json:"revision"`
	PendingMessages int            `json:"pendingMessages"`
	Notifications   []Notification `json:"notifications"`
	Restarts        int            `json:"restarts"`
	UptimeSeconds   int64          `json:"uptimeSeconds"`
}

// Controller owns the agent's mutable command surface. It is the sole writer
// of the config snapshot; every change is persisted then announced on the
// receive channels.
type Controller struct {
	mu            sync.Mutex
	store         Store
	publisher     events.EventPublisher
	current       *Snapshot
	profile       string
	listening     ListeningState
	notifications map[string]*Notification
	inbox         chan Message
	restarts      int
	started       time.Time
	now           func() time.Time
}

// NewController loads the current config from store, seeding it with the
// defaults when nothing is stored.
func NewController(ctx context.Context, store Store, publisher events.EventPublisher) (*Controller, error) {
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	c := &Controller{
		store:         store,
		publisher:     publisher,
		notifications: make(map[string]*Notification),
		inbox:         make(chan Message, InboxSize),
		now:           time.Now,
	}
	c.started = c.now()
	c.listening = ListeningState{State: StateStopped, Since: c.started}

	snap, err := c.loadOrSeed(ctx)
	if err != nil {
		return nil, err
	}
	c.current = snap
	slog.Info(fmt.Sprintf("%s - Loaded config revision=%d model=%s", logPrefix, snap.Revision, snap.Model))
	return c, nil
}

func (c *Controller) loadOrSeed(ctx context.Context) (*Snapshot, error) {
	snap, err := c.store.LoadCurrent(ctx)
	if err == nil {
		if verr := snap.Validate(); verr != nil {
			return nil, fmt.Errorf("%s - stored config is invalid: %w", logPrefix, verr)
		}
		return snap, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	snap = DefaultSnapshot()
	snap.Revision = 1
	snap.Modified = c.now().UTC()
	if err := c.store.SaveCurrent(ctx, snap); err != nil {
		return nil, fmt.Errorf("%s - failed to seed config: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Seeded default config", logPrefix))
	return snap, nil
}

// Config returns a copy of the current config.
func (c *Controller) Config() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Clone()
}

// UpdateConfig merges a partial config document into the current config.
// An empty patch returns the current config without bumping the revision.
func (c *Controller) UpdateConfig(ctx context.Context, patch []byte) (*Snapshot, error) {
	p, err := ParsePatch(patch)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if p.Empty() {
		snap := c.current.Clone()
		c.mu.Unlock()
		return snap, nil
	}
	next, err := p.ApplyTo(c.current)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	snap, err := c.commitLocked(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.publish(ctx, channels.ConfigUpdated, "", configUpdatedPayload{Config: snap, Changed: p.ChangedFields()})
	return snap, nil
}

// SaveConfig persists the current config, optionally merging a partial
// document first. The revision is always bumped.
func (c *Controller) SaveConfig(ctx context.Context, doc []byte) (*Snapshot, error) {
	var p *Patch
	if len(doc) > 0 && string(doc) != "null" {
		var err error
		if p, err = ParsePatch(doc); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	next := c.current.Clone()
	if p != nil {
		var err error
		if next, err = p.ApplyTo(c.current); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	snap, err := c.commitLocked(ctx, next)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var changed []string
	if p != nil {
		changed = p.ChangedFields()
	}
	c.publish(ctx, channels.ConfigUpdated, "", configUpdatedPayload{Config: snap, Changed: changed})
	return snap, nil
}

type configUpdatedPayload struct {
	Config  *Snapshot `json:"config"`
	Changed []string  `json:"changed,omitempty"`
	Profile string    `json:"profile,omitempty"`
}

// commitLocked bumps the revision and persists next as current. c.mu must be held.
func (c *Controller) commitLocked(ctx context.Context, next *Snapshot) (*Snapshot, error) {
	next.Revision = c.current.Revision + 1
	next.Modified = c.now().UTC()
	if err := c.store.SaveCurrent(ctx, next); err != nil {
		return nil, fmt.Errorf("%s - failed to persist config: %w", logPrefix, err)
	}
	c.current = next
	slog.Info(fmt.Sprintf("%s - Config revision=%d committed", logPrefix, next.Revision))
	return next.Clone(), nil
}

// ListProfiles returns the stored profiles sorted by name.
func (c *Controller) ListProfiles(ctx context.Context) ([]ProfileInfo, error) {
	profiles, err := c.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list profiles: %w", logPrefix, err)
	}
	return profiles, nil
}

// SaveProfile stores the current config under name.
func (c *Controller) SaveProfile(ctx context.Context, name string) (*ProfileInfo, error) {
	if err := validateProfileName(name); err != nil {
		return nil, err
	}
	snap := c.Config()
	if err := c.store.PutProfile(ctx, name, snap); err != nil {
		return nil, fmt.Errorf("%s - failed to save profile %q: %w", logPrefix, name, err)
	}
	c.mu.Lock()
	c.profile = name
	c.mu.Unlock()

	info := &ProfileInfo{Name: name, Model: snap.Model, Revision: snap.Revision, Modified: snap.Modified}
	c.publish(ctx, channels.ProfileChanged, "", map[string]interface{}{"action": "saved", "profile": info})
	return info, nil
}

// LoadProfile makes the named profile the current config.
func (c *Controller) LoadProfile(ctx context.Context, name string) (*Snapshot, error) {
	if err := validateProfileName(name); err != nil {
		return nil, err
	}
	stored, err := c.store.GetProfile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load profile %q: %w", logPrefix, name, err)
	}
	if err := stored.Validate(); err != nil {
		return nil, fmt.Errorf("%s - profile %q is invalid: %w", logPrefix, name, err)
	}

	c.mu.Lock()
	snap, err := c.commitLocked(ctx, stored.Clone())
	if err == nil {
		c.profile = name
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c.publish(ctx, channels.ConfigUpdated, "", configUpdatedPayload{Config: snap, Profile: name})
	c.publish(ctx, channels.ProfileChanged, "", map[string]interface{}{"action": "loaded", "profile": map[string]interface{}{"name": name}})
	return snap, nil
}

// DeleteProfile removes a stored profile.
func (c *Controller) DeleteProfile(ctx context.Context, name string) error {
	if err := validateProfileName(name); err != nil {
		return err
	}
	if err := c.store.DeleteProfile(ctx, name); err != nil {
		return fmt.Errorf("%s - failed to delete profile %q: %w", logPrefix, name, err)
	}
	c.mu.Lock()
	if c.profile == name {
		c.profile = ""
	}
	c.mu.Unlock()
	c.publish(ctx, channels.ProfileChanged, "", map[string]interface{}{"action": "deleted", "profile": map[string]interface{}{"name": name}})
	return nil
}

func validateProfileName(name string) error {
	if !profileNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Message: fmt.Sprintf("invalid profile name %q", name)}
	}
	return nil
}

// StartListening moves the capture state machine to listening. Calling it
// while already listening returns the active capture unchanged.
// correlationID tags the resulting listening-state events so a streaming
// caller can follow its own capture.
func (c *Controller) StartListening(ctx context.Context, correlationID string) (ListeningState, bool) {
	c.mu.Lock()
	if c.listening.State == StateListening {
		state := c.listening
		c.mu.Unlock()
		return state, false
	}
	captureID := correlationID
	if captureID == "" {
		captureID = uuid.NewString()
	}
	c.listening = ListeningState{State: StateListening, CaptureID: captureID, Since: c.now().UTC()}
	state := c.listening
	c.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Listening started capture=%s", logPrefix, captureID))
	c.publish(ctx, channels.ListeningState, captureID, state)
	return state, true
}

// StopListening moves the capture state machine to stopped. Stopping while
// stopped is a no-op that returns the current state.
func (c *Controller) StopListening(ctx context.Context) (ListeningState, bool) {
	c.mu.Lock()
	if c.listening.State != StateListening {
		state := c.listening
		c.mu.Unlock()
		return state, false
	}
	captureID := c.listening.CaptureID
	c.listening = ListeningState{State: StateStopped, CaptureID: captureID, Since: c.now().UTC()}
	state := c.listening
	c.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Listening stopped capture=%s", logPrefix, captureID))
	c.publish(ctx, channels.ListeningState, captureID, state)
	return state, true
}

// Listening returns the current capture state.
func (c *Controller) Listening() ListeningState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// SendMessage queues text for the agent runtime.
func (c *Controller) SendMessage(ctx context.Context, text, origin string) (*MessageReceipt, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Field: "text", Message: "must not be empty"}
	}
	msg := Message{ID: uuid.NewString(), Text: text, Origin: origin, Received: c.now().UTC()}
	select {
	case c.inbox <- msg:
	default:
		return nil, ErrInboxFull
	}
	receipt := &MessageReceipt{ID: msg.ID, Queued: true, Position: len(c.inbox)}
	slog.Debug(fmt.Sprintf("%s - Queued message %s from %s (position %d)", logPrefix, msg.ID, origin, receipt.Position))
	c.publish(ctx, channels.AgentStatus, "", map[string]interface{}{"state": "message-queued", "pendingMessages": receipt.Position})
	return receipt, nil
}

// Inbox returns the queue drained by the agent runtime.
func (c *Controller) Inbox() <-chan Message {
	return c.inbox
}

// Notify raises a notification.
func (c *Controller) Notify(ctx context.Context, title, body, level string) (*Notification, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &ValidationError{Field: "title", Message: "must not be empty"}
	}
	switch level {
	case "":
		level = "info"
	case "info", "warning", "error":
	default:
		return nil, &ValidationError{Field: "level", Message: fmt.Sprintf("unknown level %q", level)}
	}
	n := &Notification{ID: uuid.NewString(), Title: title, Body: body, Level: level, Created: c.now().UTC()}

	c.mu.Lock()
	c.notifications[n.ID] = n
	out := *n
	c.mu.Unlock()

	c.publish(ctx, channels.Notification, "", out)
	return &out, nil
}

// DismissNotification removes a notification by id.
func (c *Controller) DismissNotification(ctx context.Context, id string) error {
	c.mu.Lock()
	n, ok := c.notifications[id]
	if ok {
		delete(c.notifications, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - notification %q: %w", logPrefix, id, ErrNotFound)
	}

	dismissed := *n
	dismissed.Dismissed = true
	c.publish(ctx, channels.Notification, "", dismissed)
	return nil
}

// Restart stops any capture, reloads the config from the store and
// announces the agent as restarted. The inbox survives.
func (c *Controller) Restart(ctx context.Context) (*Status, error) {
	c.StopListening(ctx)

	snap, err := c.loadOrSeed(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = snap
	c.restarts++
	c.mu.Unlock()

	status := c.Status()
	slog.Warn(fmt.Sprintf("%s - Agent restarted (restarts=%d)", logPrefix, status.Restarts))
	c.publish(ctx, channels.AgentStatus, "", map[string]interface{}{"state": "restarted", "restarts": status.Restarts})
	c.publish(ctx, channels.ConfigUpdated, "", configUpdatedPayload{Config: snap})
	return status, nil
}

// Status reports the current agent state.
func (c *Controller) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := "idle"
	if c.listening.State == StateListening {
		state = StateListening
	}
	notes := make([]Notification, 0, len(c.notifications))
	for _, n := range c.notifications {
		notes = append(notes, *n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Created.Before(notes[j].Created) })

	return &Status{
		State:           state,
		Listening:       c.listening,
		Profile:         c.profile,
		Model:           c.current.Model,
		Revision:        c.current.Revision,
		PendingMessages: len(c.inbox),
		Notifications:   notes,
		Restarts:        c.restarts,
		UptimeSeconds:   int64(c.now().Sub(c.started).Seconds()),
	}
}

// publish failures are logged, never returned: the command already took effect.
func (c *Controller) publish(ctx context.Context, channel, correlationID string, payload interface{}) {
	ev, err := events.NewEvent(channel, correlationID, payload)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		return
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to publish %s: %v", logPrefix, channel, err))
	}
}
