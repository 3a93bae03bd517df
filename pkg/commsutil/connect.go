// Package commsutil provides COMMS (NATS) connection helpers shared by the
// relay processes.
package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"
)

const logPrefix = "commsutil:connect"

// ConnectOpts configures Connect.
type ConnectOpts struct {
	URL string
	// Name identifies the process on the bus, e.g. "substrate-relay-gateway".
	Name string
	// WaitForServer returns a connection even when the server is not up yet;
	// it keeps dialing in the background.
	WaitForServer bool
	// ReconnectWait is the pause between dial attempts. Default 2s.
	ReconnectWait time.Duration
	// OnStateChange is called when the connection comes up or drops.
	OnStateChange func(connected bool)
}

// ClientName builds the bus client name of one relay role.
func ClientName(service, role string) string {
	if role == "" {
		return service
	}
	return service + "-" + role
}

// Connect opens a COMMS connection that reconnects without limit.
func Connect(opts ConnectOpts) (*comms.Conn, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	state := func(up bool) {
		if opts.OnStateChange != nil {
			opts.OnStateChange(up)
		}
	}
	slog.Info(fmt.Sprintf("%s - Connecting to COMMS at %s as %s", logPrefix, opts.URL, opts.Name))

	nc, err := comms.Connect(opts.URL,
		comms.Name(opts.Name),
		comms.Timeout(5*time.Second),
		comms.ReconnectWait(opts.ReconnectWait),
		comms.MaxReconnects(-1),
		comms.RetryOnFailedConnect(opts.WaitForServer),
		comms.ConnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connected to %s", logPrefix, nc.ConnectedUrl()))
			state(true)
		}),
		comms.DisconnectErrHandler(func(_ *comms.Conn, err error) {
			slog.Warn(fmt.Sprintf("%s - COMMS disconnected: %v", logPrefix, err))
			state(false)
		}),
		comms.ReconnectHandler(func(nc *comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS reconnected to %s", logPrefix, nc.ConnectedUrl()))
			state(true)
		}),
		comms.ClosedHandler(func(*comms.Conn) {
			slog.Info(fmt.Sprintf("%s - COMMS connection closed", logPrefix))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	if nc.IsConnected() {
		state(true)
	} else {
		slog.Warn(fmt.Sprintf("%s - COMMS at %s not reachable yet; retrying in the background", logPrefix, opts.URL))
	}
	return nc, nil
}
