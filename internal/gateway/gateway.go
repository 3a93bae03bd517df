// Package gateway is the Relay Gateway ("Remote Bridge"): the HTTP surface
// remote callers on the overlay network use to reach the agent.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/correlate"
	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/events"
	"github.com/substrate-ai/relay/pkg/semver"
)

const logPrefix = "gateway:gateway"

// Label is the stable process label of the gateway.
const Label = "Remote Bridge"

// ProtocolHeader carries the caller's protocol version.
const ProtocolHeader = "X-Substrate-Protocol"

// TimeoutHeader optionally carries the caller's reply timeout in milliseconds.
const TimeoutHeader = "X-Substrate-Timeout-Ms"

// DefaultHeartbeat is the idle interval between SSE keep-alive comments.
const DefaultHeartbeat = 15 * time.Second

// Caller forwards requests to the local command endpoint.
type Caller interface {
	Invoke(ctx context.Context, req *dispatcher.Request) (*correlate.Handle, error)
	Send(ctx context.Context, req *dispatcher.Request) error
	Connected() bool
	Stats() correlate.Stats
}

// Options configures a Gateway.
type Options struct {
	Caller Caller
	// Source delivers receive-channel events. Nil disables event streams.
	Source events.EventSource
	// Registry gates every request. Nil uses channels.Default().
	Registry        *channels.Registry
	AllowedPrefixes []netip.Prefix
	// AuthToken, when set, must be presented as a bearer token.
	AuthToken          string
	RateLimit          float64
	RateBurst          int
	ProtocolConstraint string
	// RequestTimeout applies to invokes that carry no timeout of their own.
	RequestTimeout time.Duration
	Heartbeat      time.Duration
}

// Gateway serves the remote HTTP surface.
type Gateway struct {
	opts     Options
	registry *channels.Registry
	protocol *semver.Gate
	limiter  *originLimiter
	engine   *gin.Engine

	configRevision atomic.Int64
	stopConfig     func()
}

// New validates opts and builds the router.
func New(opts Options) (*Gateway, error) {
	if opts.Caller == nil {
		return nil, fmt.Errorf("%s - a caller is required", logPrefix)
	}
	if len(opts.AllowedPrefixes) == 0 {
		return nil, fmt.Errorf("%s - at least one allowed prefix is required", logPrefix)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = correlate.DefaultTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 40
	}

	g := &Gateway{
		opts:     opts,
		registry: opts.Registry,
		limiter:  newOriginLimiter(opts.RateLimit, opts.RateBurst),
	}
	if g.registry == nil {
		g.registry = channels.Default()
	}
	gate, err := semver.NewGate(opts.ProtocolConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol constraint: %w", logPrefix, err)
	}
	g.protocol = gate
	if opts.Source != nil {
		stop, err := opts.Source.Subscribe(channels.ConfigUpdated, g.trackConfig)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to follow config updates: %w", logPrefix, err)
		}
		g.stopConfig = stop
	}

	g.engine = g.routes()
	return g, nil
}

// Handler returns the HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

// Close releases event subscriptions.
func (g *Gateway) Close() {
	if g.stopConfig != nil {
		g.stopConfig()
		g.stopConfig = nil
	}
}

func (g *Gateway) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	_ = r.SetTrustedProxies(nil)

	r.Use(g.overlayGuard())
	r.GET("/health", g.handleHealth)
	r.GET("/ready", g.handleReady)

	v1 := r.Group("/v1", g.authGuard(), g.rateGuard(), g.protocolGuard())
	v1.POST("/send/:channel", g.handleSend)
	v1.POST("/invoke/:channel", g.handleInvoke)
	v1.GET("/config", g.handleGetConfig)
	v1.PUT("/config", g.handlePutConfig)
	v1.GET("/events/:channel", g.handleEvents)
	return r
}

// trackConfig keeps the revision of the last config pushed by the agent.
func (g *Gateway) trackConfig(ev *events.AgentEvent) {
	var payload struct {
		Config *agent.Snapshot `json:"config"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.Config == nil {
		slog.Debug(fmt.Sprintf("%s - ignoring config-updated without snapshot", logPrefix))
		return
	}
	g.configRevision.Store(int64(payload.Config.Revision))
}
