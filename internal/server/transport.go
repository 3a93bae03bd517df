package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const transportLogPrefix = "server:transport"

// recentFailure is how long one broken connection keeps /health degraded.
const recentFailure = 30 * time.Second

// ErrTransportFailures ends Serve when endpoint connections keep breaking.
// The process exits non-zero so an on-failure supervisor restarts it.
var ErrTransportFailures = errors.New("too many command endpoint transport failures")

// TransportCheck is the transport part of /health.
type TransportCheck struct {
	Failures    int64      `json:"failures"`
	LastFailure *time.Time `json:"lastFailure,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// transportWatch records broken endpoint connections and trips once they
// exceed limit within window.
type transportWatch struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	last    time.Time
	lastErr string

	tripped chan struct{}
	once    sync.Once
}

func newTransportWatch(limit int, window time.Duration) *transportWatch {
	w := &transportWatch{tripped: make(chan struct{})}
	if limit > 0 && window > 0 {
		w.limiter = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
	}
	return w
}

func (w *transportWatch) record(remote string, err error) {
	w.mu.Lock()
	w.last = time.Now()
	w.lastErr = fmt.Sprintf("%s: %v", remote, err)
	w.mu.Unlock()

	if w.limiter != nil && !w.limiter.Allow() {
		w.once.Do(func() {
			slog.Error(fmt.Sprintf("%s - endpoint transport failure limit exceeded (last: %s: %v)", transportLogPrefix, remote, err))
			close(w.tripped)
		})
	}
}

// recent returns the last failure if it happened within recentFailure.
func (w *transportWatch) recent(now time.Time) (time.Time, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last.IsZero() || now.Sub(w.last) > recentFailure {
		return time.Time{}, "", false
	}
	return w.last, w.lastErr, true
}
