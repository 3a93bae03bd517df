// Package correlate matches replies to the requests that caused them. Each
// request id owns a single-fulfillment slot; the first reply wins and
// anything arriving later is discarded.
package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const logPrefix = "correlate:table"

const (
	// DefaultTimeout applies when a request does not name one.
	DefaultTimeout = 30 * time.Second
	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout = 5 * time.Minute
	// ProgressBuffer is the per-request progress channel capacity.
	ProgressBuffer = 16

	retiredCapacity = 4096
)

// NewID issues a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// ResolveTimeout converts a request's timeoutMs into a duration, applying
// the default and the ceiling.
func ResolveTimeout(ms int) time.Duration {
	if ms <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

// Handle is the caller's view of one pending request.
type Handle struct {
	id       string
	table    *Table
	done     chan struct{}
	progress chan json.RawMessage
	resp     *dispatcher.Response
	timer    *time.Timer
}

// ID returns the correlation id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Progress yields intermediate frames. It is closed when the handle resolves.
func (h *Handle) Progress() <-chan json.RawMessage { return h.progress }

// Result returns the terminal reply, or nil while still pending.
func (h *Handle) Result() *dispatcher.Response {
	select {
	case <-h.done:
		return h.resp
	default:
		return nil
	}
}

// Wait blocks until the handle resolves or ctx ends. A cancelled ctx
// releases the table entry; later replies for the id are discarded.
func (h *Handle) Wait(ctx context.Context) (*dispatcher.Response, error) {
	select {
	case <-h.done:
		return h.resp, nil
	case <-ctx.Done():
		h.table.Cancel(h.id)
		return nil, ctx.Err()
	}
}

// Table tracks pending requests for one caller process.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Handle
	retired map[string]struct{}
	ring    []string
	next    int

	fulfilled uint64
	timedOut  uint64
	discarded uint64
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		pending: make(map[string]*Handle),
		retired: make(map[string]struct{}, retiredCapacity),
		ring:    make([]string, retiredCapacity),
	}
}

// Register opens a slot for id. An id that is pending or was recently
// resolved is rejected.
func (t *Table) Register(id string, timeout time.Duration) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("%s - empty correlation id", logPrefix)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%s - correlation id %s is already pending", logPrefix, id)
	}
	if _, ok := t.retired[id]; ok {
		return nil, fmt.Errorf("%s - correlation id %s was already used", logPrefix, id)
	}

	h := &Handle{
		id:       id,
		table:    t,
		done:     make(chan struct{}),
		progress: make(chan json.RawMessage, ProgressBuffer),
	}
	h.timer = time.AfterFunc(timeout, func() {
		resp := dispatcher.Fail(id, dispatcher.CodeTimeout, fmt.Sprintf("no reply within %s", timeout))
		if t.resolve(id, resp, &t.timedOut) {
			slog.Warn(fmt.Sprintf("%s - request %s timed out after %s", logPrefix, id, timeout))
		}
	})
	t.pending[id] = h
	return h, nil
}

// Fulfill delivers the terminal reply for resp.ID. It returns false when the
// id is unknown, already resolved, or expired.
func (t *Table) Fulfill(resp *dispatcher.Response) bool {
	if resp == nil {
		return false
	}
	if t.resolve(resp.ID, resp, &t.fulfilled) {
		return true
	}
	t.mu.Lock()
	t.discarded++
	t.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - discarding late reply for %s", logPrefix, resp.ID))
	return false
}

// Progress forwards an intermediate frame. Frames for unknown ids, or that
// would block a full buffer, are dropped and reported as false.
func (t *Table) Progress(p *dispatcher.Progress) bool {
	if p == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.pending[p.ID]
	if !ok {
		return false
	}
	select {
	case h.progress <- p.Payload:
		return true
	default:
		slog.Debug(fmt.Sprintf("%s - progress buffer full for %s", logPrefix, p.ID))
		return false
	}
}

// Cancel releases id without a reply. Waiters observe a nil result.
func (t *Table) Cancel(id string) bool {
	return t.resolve(id, nil, nil)
}

// FailAll resolves every pending request with the given failure and
// returns how many were affected.
func (t *Table) FailAll(code, message string) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.resolve(id, dispatcher.Fail(id, code, message), nil) {
			n++
		}
	}
	if n > 0 {
		slog.Warn(fmt.Sprintf("%s - failed %d pending requests with %s", logPrefix, n, code))
	}
	return n
}

// Pending returns the number of unresolved requests.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stats is a snapshot of table counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Fulfilled uint64 `json:"fulfilled"`
	TimedOut  uint64 `json:"timedOut"`
	Discarded uint64 `json:"discarded"`
}

// Stats returns the table counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Pending: len(t.pending), Fulfilled: t.fulfilled, TimedOut: t.timedOut, Discarded: t.discarded}
}

// resolve removes id and completes its handle with resp, bumping counter on
// success. Only the first caller for a given id succeeds.
func (t *Table) resolve(id string, resp *dispatcher.Response, counter *uint64) bool {
	t.mu.Lock()
	h, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.retireLocked(id)
	h.timer.Stop()
	h.resp = resp
	if counter != nil {
		*counter++
	}
	close(h.progress)
	close(h.done)
	t.mu.Unlock()
	return true
}

func (t *Table) retireLocked(id string) {
	if old := t.ring[t.next]; old != "" {
		delete(t.retired, old)
	}
	t.ring[t.next] = id
	t.retired[id] = struct{}{}
	t.next = (t.next + 1) % len(t.ring)
}
