package gateway

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

	"github.com/gin-gonic/gin"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/pkg/commsutil"
	"github.com/substrate-ai/relay/pkg/endpoint"
	"github.com/substrate-ai/relay/pkg/events"
)

const runLogPrefix = "gateway:run"

// Run starts the gateway process and blocks until ctx ends or a shutdown
// signal arrives. A missing command endpoint is not fatal: requests fail
// with ENDPOINT_UNAVAILABLE while the client reconnects.
func Run(ctx context.Context, cfg *config.Config) error {
	cfg.SetupLogging()
	if err := cfg.ValidateForGateway(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting %s", runLogPrefix, Label))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefixes, err := cfg.AllowedPrefixes()
	if err != nil {
		return err
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
			Name:          commsutil.ClientName(cfg.COMMSName, "gateway"),
			WaitForServer: true,
		})
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - event streams disabled: %v", runLogPrefix, err))
		} else {
			defer nc.Drain()
			source = events.NewCommsSource(nc)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	gw, err := New(Options{
		Caller:             client,
		Source:             source,
		AllowedPrefixes:    prefixes,
		AuthToken:          cfg.GatewayAuthToken,
		RateLimit:          cfg.GatewayRateLimit,
		RateBurst:          cfg.GatewayRateBurst,
		ProtocolConstraint: cfg.ProtocolConstraint,
		RequestTimeout:     cfg.RequestTimeout,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	ln, err := net.Listen("tcp", cfg.GatewayAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", runLogPrefix, cfg.GatewayAddr, err)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the process, not only with their caller.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	slog.Info(fmt.Sprintf("%s - Shutdown complete", runLogPrefix))
	return err
}
