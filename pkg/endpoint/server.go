package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/substrate-ai/relay/pkg/channels"
	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const logPrefix = "endpoint:server"

// Handler executes an authorized request.
type Handler interface {
	Dispatch(ctx context.Context, req *dispatcher.Request, progress dispatcher.ProgressFunc) *dispatcher.Response
}

// ServerOpts configures a Server.
type ServerOpts struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a socket path for unix or host:port for tcp.
	Address string
	// Registry gates every request. Nil uses channels.Default().
	Registry *channels.Registry
	// OnTransportFailure is called when a connection is dropped for a
	// transport error. It may be nil.
	OnTransportFailure func(remote string, err error)
}

// Stats counts endpoint activity since start.
type Stats struct {
	Connections       int64 `json:"connections"`
	Active            int64 `json:"active"`
	Requests          int64 `json:"requests"`
	Denied            int64 `json:"denied"`
	TransportFailures int64 `json:"transportFailures"`
}

// Server is the local command endpoint. Frames on one connection execute
// strictly in arrival order; separate connections are served concurrently.
type Server struct {
	handler  Handler
	opts     ServerOpts
	registry *channels.Registry

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}

	connections       atomic.Int64
	active            atomic.Int64
	requests          atomic.Int64
	denied            atomic.Int64
	transportFailures atomic.Int64
}

// NewServer creates a Server for handler.
func NewServer(handler Handler, opts ServerOpts) *Server {
	if opts.Network == "" {
		opts.Network = "unix"
	}
	reg := opts.Registry
	if reg == nil {
		reg = channels.Default()
	}
	return &Server{
		handler:  handler,
		opts:     opts,
		registry: reg,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Listen opens the socket. A stale unix socket left by a dead process is
// removed; one that still accepts connections is an error.
func (s *Server) Listen() error {
	if s.opts.Network == "unix" {
		if err := clearStaleSocket(s.opts.Address); err != nil {
			return err
		}
	}

	ln, err := net.Listen(s.opts.Network, s.opts.Address)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s %s: %w", logPrefix, s.opts.Network, s.opts.Address, err)
	}
	if s.opts.Network == "unix" {
		if err := os.Chmod(s.opts.Address, 0o600); err != nil {
			ln.Close()
			return fmt.Errorf("%s - failed to restrict socket permissions: %w", logPrefix, err)
		}
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - Command endpoint listening on %s %s", logPrefix, s.opts.Network, ln.Addr()))
	return nil
}

func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%s - socket %s is already in use", logPrefix, path)
	}
	slog.Warn(fmt.Sprintf("%s - removing stale socket %s", logPrefix, path))
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s - failed to remove stale socket: %w", logPrefix, err)
	}
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx ends or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("%s - Serve called before Listen", logPrefix)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%s - accept failed: %w", logPrefix, err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.connections.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Close stops accepting, drops every connection and waits for in-flight
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.opts.Network == "unix" {
		_ = os.Remove(s.opts.Address)
	}
	slog.Info(fmt.Sprintf("%s - Command endpoint closed", logPrefix))
	return err
}

// Stats returns the endpoint counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:       s.connections.Load(),
		Active:            s.active.Load(),
		Requests:          s.requests.Load(),
		Denied:            s.denied.Load(),
		TransportFailures: s.transportFailures.Load(),
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	s.active.Add(1)
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.active.Add(-1)
		s.wg.Done()
	}()
	slog.Debug(fmt.Sprintf("%s - connection opened from %q", logPrefix, remote))

	dec := NewFrameDecoder(conn)
	enc := NewFrameEncoder(conn)

	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || s.isClosed() {
				slog.Debug(fmt.Sprintf("%s - connection from %q closed", logPrefix, remote))
				return
			}
			s.transportFailure(remote, err)
			return
		}
		if frame.Kind != KindRequest {
			s.transportFailure(remote, fmt.Errorf("unexpected %s frame from caller", frame.Kind))
			return
		}

		progress := func(payload json.RawMessage) {
			if !frame.Request.ExpectReply || frame.Request.ID == "" {
				return
			}
			p := &Frame{Kind: KindProgress, Progress: &dispatcher.Progress{ID: frame.Request.ID, Payload: payload}}
			if err := enc.Encode(p); err != nil {
				slog.Debug(fmt.Sprintf("%s - failed to write progress for %s: %v", logPrefix, frame.Request.ID, err))
			}
		}

		resp := s.Process(ctx, frame.Request, progress)
		if resp == nil {
			continue
		}
		if err := enc.Encode(&Frame{Kind: KindReply, Reply: resp}); err != nil {
			s.transportFailure(remote, fmt.Errorf("write reply %s: %w", resp.ID, err))
			return
		}
	}
}

// Process authorizes and executes one request, returning the reply to send
// or nil for fire-and-forget requests. Denied requests never reach the handler.
func (s *Server) Process(ctx context.Context, req *dispatcher.Request, progress dispatcher.ProgressFunc) *dispatcher.Response {
	s.requests.Add(1)

	domain, err := channels.ParseTrustDomain(req.Origin)
	if err != nil {
		s.denied.Add(1)
		slog.Warn(fmt.Sprintf("%s - rejecting %s with unknown origin %q", logPrefix, req.Channel, req.Origin))
		if !req.ExpectReply {
			return nil
		}
		return dispatcher.Fail(req.ID, dispatcher.CodeInvalidRequest, fmt.Sprintf("unknown origin %q", req.Origin))
	}

	dir := channels.Send
	if req.ExpectReply {
		dir = channels.Invoke
	}
	if err := s.registry.Check(req.Channel, dir, domain); err != nil {
		s.denied.Add(1)
		slog.Warn(fmt.Sprintf("%s - denied: %v", logPrefix, err))
		if !req.ExpectReply {
			return nil
		}
		return dispatcher.Fail(req.ID, dispatcher.CodeChannelDenied, err.Error())
	}

	if req.ExpectReply && req.ID == "" {
		return dispatcher.Fail("", dispatcher.CodeInvalidRequest, "invoke requires a correlation id")
	}

	resp := s.handler.Dispatch(ctx, req, progress)
	if !req.ExpectReply {
		if resp != nil && !resp.Ok {
			slog.Warn(fmt.Sprintf("%s - fire-and-forget %s failed: %v", logPrefix, req.Channel, resp.Error))
		}
		return nil
	}
	return resp
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) transportFailure(remote string, err error) {
	s.transportFailures.Add(1)
	slog.Warn(fmt.Sprintf("%s - transport failure on %q: %v", logPrefix, remote, err))
	if s.opts.OnTransportFailure != nil {
		s.opts.OnTransportFailure(remote, err)
	}
}
