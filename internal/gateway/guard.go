package gateway

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const guardLogPrefix = "gateway:guard"

// Gateway-level rejection codes. They never reach the endpoint.
const (
	CodeOverlayDenied    = "OVERLAY_DENIED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
)

const originKey = "gateway.origin"

func reject(c *gin.Context, status int, code, message string) {
	detail := dispatcher.NewError(code, message)
	if code == CodeRateLimited {
		detail.Retryable = true
	}
	c.AbortWithStatusJSON(status, dispatcher.FailWith("", detail))
}

// remoteAddr is the transport peer address. Forwarding headers are ignored.
func remoteAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.Unmap(), nil
}

func (g *Gateway) overlayGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := remoteAddr(c.Request)
		if err != nil || !g.allowed(addr) {
			slog.Warn(fmt.Sprintf("%s - rejecting %s from outside the overlay", guardLogPrefix, c.Request.RemoteAddr))
			reject(c, http.StatusForbidden, CodeOverlayDenied, "caller is not on an allowed network")
			return
		}
		c.Set(originKey, addr.String())
		c.Next()
	}
}

func (g *Gateway) allowed(addr netip.Addr) bool {
	for _, p := range g.opts.AllowedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Gateway) authGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.opts.AuthToken == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.opts.AuthToken)) != 1 {
			reject(c, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid bearer token")
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.allow(c.GetString(originKey)) {
			reject(c, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// protocolGuard checks X-Substrate-Protocol against the configured
// constraint. Requests without the header are accepted.
func (g *Gateway) protocolGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(ProtocolHeader)
		if raw == "" {
			c.Next()
			return
		}
		if err := g.protocol.Check(raw); err != nil {
			reject(c, http.StatusBadRequest, CodeProtocolMismatch, "protocol "+err.Error())
			return
		}
		c.Next()
	}
}

// originLimiter keeps one token bucket per caller address.
type originLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newOriginLimiter(perSecond float64, burst int) *originLimiter {
	return &originLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
		lastGC:  time.Now(),
	}
}

func (l *originLimiter) allow(origin string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > 10*time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > 10*time.Minute {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}

	b, ok := l.buckets[origin]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[origin] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}
