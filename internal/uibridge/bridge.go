// Package uibridge is the UI Bridge: a loopback websocket that connects the
// sandboxed renderer to the command endpoint and keeps its controls in step
// with the agent's config.
package uibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/correlate"
	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/events"
	"github.com/substrate-ai/relay/pkg/reconcile"
	"github.com/substrate-ai/relay/pkg/semver"
)

const logPrefix = "uibridge:bridge"

// Label is the stable process label of the bridge.
const Label = "UI Bridge"

// Caller forwards requests to the local command endpoint.
type Caller interface {
	Invoke(ctx context.Context, req *dispatcher.Request) (*correlate.Handle, error)
	Send(ctx context.Context, req *dispatcher.Request) error
	Connected() bool
}

// Options configures a Bridge.
type Options struct {
	Caller Caller
	// Source delivers receive-channel events. Nil disables subscriptions
	// and config-driven reconciliation.
	Source events.EventSource
	// Registry gates every renderer message. Nil uses channels.Default().
	Registry *channels.Registry
	// Aliases maps config fields to element ids. Nil uses the defaults.
	Aliases *reconcile.AliasTable
	// UIConstraint, when set, must be satisfied by the manifest's version.
	UIConstraint   string
	RequestTimeout time.Duration
}

// Bridge serves the renderer websocket.
type Bridge struct {
	opts     Options
	registry *channels.Registry
	aliases  *reconcile.AliasTable
	uiGate   *semver.Gate
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New validates opts and builds the handler.
func New(opts Options) (*Bridge, error) {
	if opts.Caller == nil {
		return nil, fmt.Errorf("%s - a caller is required", logPrefix)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = correlate.DefaultTimeout
	}

	b := &Bridge{
		opts:     opts,
		registry: opts.Registry,
		aliases:  opts.Aliases,
		sessions: make(map[*session]struct{}),
	}
	if b.registry == nil {
		b.registry = channels.Default()
	}
	if b.aliases == nil {
		b.aliases = reconcile.NewAliasTable(reconcile.DefaultAliasConfig())
	}
	gate, err := semver.NewGate(opts.UIConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid UI constraint: %w", logPrefix, err)
	}
	b.uiGate = gate
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     localOrigin,
	}

	b.mux = http.NewServeMux()
	b.mux.HandleFunc("/ipc", b.handleIPC)
	b.mux.HandleFunc("/health", b.handleHealth)
	b.mux.HandleFunc("/ready", b.handleReady)
	return b, nil
}

// Handler returns the HTTP handler.
func (b *Bridge) Handler() http.Handler {
	return b.mux
}

// Sessions returns the number of connected renderers.
func (b *Bridge) Sessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close disconnects every renderer.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	open := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()
	for _, s := range open {
		s.close()
	}
}

// loopback reports whether the peer is on this host.
func loopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.Unmap().IsLoopback()
}

// localOrigin accepts the renderer's own origins: none, file pages and
// loopback hosts.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (b *Bridge) handleIPC(w http.ResponseWriter, r *http.Request) {
	if !loopback(r) {
		slog.Warn(fmt.Sprintf("%s - rejecting renderer connection from %s", logPrefix, r.RemoteAddr))
		http.Error(w, "loopback only", http.StatusForbidden)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - websocket upgrade failed: %v", logPrefix, err))
		return
	}

	s := newSession(b, conn)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.sessions[s] = struct{}{}
	b.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - renderer connected from %s", logPrefix, r.RemoteAddr))
	s.run()

	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - renderer disconnected", logPrefix))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if !b.opts.Caller.Connected() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            status,
		"label":             Label,
		"endpointConnected": b.opts.Caller.Connected(),
		"sessions":          b.Sessions(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (b *Bridge) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !b.opts.Caller.Connected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for command endpoint"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
