package commsutil

import (
	"fmt"
	"log/slog"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

const embeddedLogPrefix = "commsutil:embedded"

// StartEmbedded runs the event bus inside the agent host on host:port, for
// single-machine setups without a NATS deployment. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*commsserver.Server, error) {
	opts := &commsserver.Options{
		ServerName: "substrate-relay-embedded",
		Host:       host,
		Port:       port,
		MaxPayload: MaxPayload,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := commsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create embedded server: %w", embeddedLogPrefix, err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("%s - embedded server not ready on %s:%d", embeddedLogPrefix, host, port)
	}

	slog.Info(fmt.Sprintf("%s - Embedded COMMS server listening at %s", embeddedLogPrefix, ns.ClientURL()))
	return ns, nil
}

// StopEmbedded shuts the server down and waits for it to exit.
func StopEmbedded(ns *commsserver.Server) {
	if ns == nil {
		return
	}
	ns.Shutdown()
	ns.WaitForShutdown()
}
