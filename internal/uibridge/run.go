package uibridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/pkg/commsutil"
	"github.com/substrate-ai/relay/pkg/endpoint"
	"github.com/substrate-ai/relay/pkg/events"
	"github.com/substrate-ai/relay/pkg/reconcile"
)

const runLogPrefix = "uibridge:run"

// Run starts the bridge process and blocks until ctx ends or a shutdown
// signal arrives.
func Run(ctx context.Context, cfg *config.Config) error {
	cfg.SetupLogging()
	if err := cfg.ValidateForBridge(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting %s", runLogPrefix, Label))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aliasCfg, err := reconcile.LoadAliasConfig(cfg.FieldAliasesFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load field aliases: %w", runLogPrefix, err)
	}

	network, address := cfg.EndpointNetwork()
	client := endpoint.NewClient(endpoint.ClientOpts{Network: network, Address: address})
	client.Start(ctx)
	defer client.Close()

	var source events.EventSource
	var nc *comms.Conn
	if cfg.COMMSURL != "" {
		nc, err = commsutil.Connect(commsutil.ConnectOpts{
			URL:           cfg.COMMSURL,
			Name:          commsutil.ClientName(cfg.COMMSName, "bridge"),
			WaitForServer: true,
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - config reconciliation disabled: %v", runLogPrefix, err))
		} else {
			defer nc.Drain()
			source = events.NewCommsSource(nc)
		}
	}

	b, err := New(Options{
		Caller:         client,
		Source:         source,
		Aliases:        reconcile.NewAliasTable(aliasCfg),
		UIConstraint:   cfg.UIConstraint,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.BridgeAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", runLogPrefix, cfg.BridgeAddr, err)
	}
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - %s listening on %s", runLogPrefix, Label, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", runLogPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Hijacked websocket connections are not tracked by Shutdown.
		b.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", runLogPrefix))
	return err
}
