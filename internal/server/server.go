// Package server runs the agent host ("Command Server"): config store,
// agent controller, local command endpoint, COMMS fan-out and HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/substrate-ai/relay/internal/config"
	"github.com/substrate-ai/relay/pkg/agent"
	"github.com/substrate-ai/relay/pkg/commsutil"
	"github.com/substrate-ai/relay/pkg/db"
	"github.com/substrate-ai/relay/pkg/dispatcher"
	"github.com/substrate-ai/relay/pkg/endpoint"
	"github.com/substrate-ai/relay/pkg/events"
)

const logPrefix = "server:server"

// Label is the stable process label of the agent host.
const Label = "Command Server"

// Server is the agent host orchestrator.
type Server struct {
	cfg      *config.Config
	ns       *commsserver.Server
	nc       *comms.Conn
	pool     *pgxpool.Pool
	ctrl     *agent.Controller
	endpoint *endpoint.Server
	commsSub *comms.Subscription

	httpLn     net.Listener
	httpServer *http.Server
	transport  *transportWatch
	ready      atomic.Bool
	started    time.Time
}

// Run starts the agent host, blocks until ctx ends or a shutdown signal
// arrives, then cleans up.
func Run(ctx context.Context, cfg *config.Config) error {
	cfg.SetupLogging()
	slog.Info(fmt.Sprintf("%s - Starting %s", logPrefix, Label))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Serve(ctx)
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// New wires every component and opens the listeners. Nothing is served
// until Serve is called.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.ValidateForAgent(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		started:   time.Now(),
		transport: newTransportWatch(cfg.TransportFailureLimit, cfg.TransportFailureWindow),
	}

	if err := s.connectComms(); err != nil {
		s.Close()
		return nil, err
	}

	store, err := s.openStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if s.nc != nil {
		publisher = events.NewCommsPublisher(s.nc)
	}
	ctrl, err := agent.NewController(ctx, store, publisher)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%s - failed to create agent controller: %w", logPrefix, err)
	}
	s.ctrl = ctrl

	network, address := cfg.EndpointNetwork()
	s.endpoint = endpoint.NewServer(dispatcher.NewDispatcher(ctrl), endpoint.ServerOpts{
		Network:            network,
		Address:            address,
		OnTransportFailure: s.transport.record,
	})
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
			s.Close()
			return nil, fmt.Errorf("%s - failed to create socket dir: %w", logPrefix, err)
		}
	}
	if err := s.endpoint.Listen(); err != nil {
		s.Close()
		return nil, err
	}

	if s.nc != nil {
		sub, err := s.endpoint.ServeComms(ctx, s.nc, commsutil.SubjectAgentCommand)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.commsSub = sub
	}

	httpLn, err := net.Listen("tcp", cfg.HTTPListenAddr())
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%s - failed to listen for HTTP on %s: %w", logPrefix, cfg.HTTPListenAddr(), err)
	}
	s.httpLn = httpLn
	s.httpServer = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) connectComms() error {
	if s.cfg.COMMSURL == "" {
		slog.Warn(fmt.Sprintf("%s - COMMS_URL empty; events stay local", logPrefix))
		return nil
	}
	if s.cfg.COMMSEmbedded {
		host, port, err := hostPort(s.cfg.COMMSURL)
		if err != nil {
			return err
		}
		ns, err := commsutil.StartEmbedded(host, port)
		if err != nil {
			return fmt.Errorf("%s - failed to start embedded COMMS: %w", logPrefix, err)
		}
		s.ns = ns
	}
	nc, err := commsutil.Connect(commsutil.ConnectOpts{
		URL:           s.cfg.COMMSURL,
		Name:          commsutil.ClientName(s.cfg.COMMSName, "agent"),
		WaitForServer: true,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc
	return nil
}

func (s *Server) openStore(ctx context.Context) (agent.Store, error) {
	if s.cfg.DatabaseURL == "" {
		slog.Info(fmt.Sprintf("%s - Using file config store %s", logPrefix, s.cfg.ConfigFile))
		return agent.NewFileStore(s.cfg.ConfigFile), nil
	}

	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.ResolveMigrations(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return db.NewConfigRepository(pool), nil
}

// Serve runs the endpoint, the HTTP server and the inbox drain until ctx
// ends or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.endpoint.Serve(gctx)
	})
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, s.httpLn.Addr()))
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
		return nil
	})
	g.Go(func() error {
		s.drainInbox(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.transport.tripped:
			s.ready.Store(false)
			return fmt.Errorf("%s - %w", logPrefix, ErrTransportFailures)
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return s.endpoint.Close()
	})

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - %s is ready", logPrefix, Label))
	return g.Wait()
}

// drainInbox hands queued messages to the agent runtime. The runtime itself
// lives outside this process; the host only records the hand-off.
func (s *Server) drainInbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.ctrl.Inbox():
			slog.Info(fmt.Sprintf("%s - Handed message %s (%d chars, origin=%s) to agent runtime", logPrefix, msg.ID, len(msg.Text), msg.Origin))
		}
	}
}

// Close releases every resource. Safe to call more than once.
func (s *Server) Close() {
	if s.endpoint != nil {
		_ = s.endpoint.Close()
	}
	if s.httpLn != nil {
		_ = s.httpLn.Close()
	}
	if s.commsSub != nil {
		_ = s.commsSub.Unsubscribe()
		s.commsSub = nil
	}
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.ns != nil {
		commsutil.StopEmbedded(s.ns)
		s.ns = nil
	}
}

// Controller returns the agent controller.
func (s *Server) Controller() *agent.Controller { return s.ctrl }

// EndpointAddr returns the command endpoint address.
func (s *Server) EndpointAddr() net.Addr { return s.endpoint.Addr() }

// HTTPAddr returns the health server address.
func (s *Server) HTTPAddr() net.Addr { return s.httpLn.Addr() }

func hostPort(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("%s - invalid COMMS_URL %q: %w", logPrefix, rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 4222
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("%s - invalid COMMS_URL port %q: %w", logPrefix, p, err)
		}
	}
	return host, port, nil
}
