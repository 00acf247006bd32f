// File: server/server.go
// Package server implements the connection registry and the dispatcher that
// drains the completion port on a fixed pool of workers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/connection"
	"github.com/momentics/hioload-tcp/control"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

// ErrAlreadyRunning is returned by a second Start.
var ErrAlreadyRunning = errors.New("server already running")

type state int32

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateRunning:
		return "running"
	default:
		return "stopped"
	}
}

// Server owns the completion port, the dispatcher workers and the map of
// registered connections.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	reg      prometheus.Registerer
	metrics  *control.Metrics
	vars     *control.DebugVars
	defaults *control.Store[connection.Options]
	chunks   *pool.ChunkPool
	port     reactor.Port

	lifeMu  sync.Mutex
	state   atomic.Int32
	workers errgroup.Group
	running atomic.Int32

	// mu guards registration and removal only; dispatch never takes it.
	// A socket being registered is reserved in conns with a nil connection.
	mu    sync.Mutex
	conns map[net.Conn]*connection.Connection
	keys  map[*connection.Connection]net.Conn
}

// NewServer creates the completion port for cfg.Backend and the registry.
// Workers start with Start.
func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		log:    zerolog.Nop(),
		vars:   control.NewDebugVars(),
		conns:  make(map[net.Conn]*connection.Connection),
		keys:   make(map[*connection.Connection]net.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.chunks == nil {
		s.chunks = pool.Default()
	}
	s.defaults = control.NewStore(cfg.Connection, connection.Options.Validate)

	metrics, err := control.NewMetrics(s.reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	s.metrics = metrics

	if s.port == nil {
		port, err := reactor.New(cfg.Backend)
		if err != nil {
			return nil, fmt.Errorf("completion port: %w", err)
		}
		s.port = port
	}

	control.RegisterPlatformVars(s.vars)
	s.vars.RegisterVar("server.state", func() any { return state(s.state.Load()).String() })
	s.vars.RegisterVar("server.workers", func() any { return cfg.workers() })
	s.vars.RegisterVar("server.workers_running", func() any { return int(s.running.Load()) })
	s.vars.RegisterVar("server.backend", func() any { return cfg.Backend.String() })
	s.vars.RegisterVar("server.connections", func() any {
		conns := s.Connections()
		out := make([]connection.Stats, 0, len(conns))
		for _, c := range conns {
			out = append(out, c.Stats())
		}
		return out
	})
	s.vars.RegisterVar("pool.chunks", func() any { return s.chunks.Stats() })
	return s, nil
}

// Start spawns the dispatcher workers.
func (s *Server) Start() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	switch state(s.state.Load()) {
	case stateRunning:
		return ErrAlreadyRunning
	case stateStopped:
		return api.ErrServerClosed
	}
	n := s.cfg.workers()
	for i := 0; i < n; i++ {
		id := i
		s.workers.Go(func() error { return s.work(id) })
	}
	s.state.Store(int32(stateRunning))
	s.log.Info().Int("workers", n).Stringer("backend", s.cfg.Backend).Msg("server started")
	return nil
}

// Register binds conn to the completion port and issues its first receive.
// On failure nothing is retained: a connection that was bound is closed, while
// a socket that could not be bound stays owned by the caller. Registering a
// socket twice fails without touching the live registration or its sink.
func (s *Server) Register(conn net.Conn, sink api.FrameSink, opts connection.Options) (*connection.Connection, error) {
	if conn == nil || !reflect.TypeOf(conn).Comparable() {
		return nil, s.registrationFailed(fmt.Errorf("conn %T: %w", conn, api.ErrInvalidArgument))
	}

	s.mu.Lock()
	if state(s.state.Load()) == stateStopped {
		s.mu.Unlock()
		return nil, s.registrationFailed(api.ErrServerClosed)
	}
	if _, dup := s.conns[conn]; dup {
		s.mu.Unlock()
		return nil, s.registrationFailed(fmt.Errorf("socket %v: %w", conn.RemoteAddr(), api.ErrAlreadyExists))
	}
	s.conns[conn] = nil
	s.mu.Unlock()

	c, err := connection.New(s.port, sink, opts,
		connection.WithLogger(s.log),
		connection.WithChunkPool(s.chunks),
		connection.WithPauseHook(s.metrics.Paused))
	if err != nil {
		s.unreserve(conn)
		return nil, s.registrationFailed(err)
	}

	// Shutdown may have run while the connection was built; it sets the
	// stopped state under mu, so this check orders the insert against its clear.
	s.mu.Lock()
	if state(s.state.Load()) == stateStopped {
		if prev, ok := s.conns[conn]; ok && prev == nil {
			delete(s.conns, conn)
		}
		s.mu.Unlock()
		return nil, s.registrationFailed(api.ErrServerClosed)
	}
	s.conns[conn] = c
	s.keys[c] = conn
	s.mu.Unlock()

	if err := c.Bind(conn); err != nil {
		s.forget(c)
		return nil, s.registrationFailed(s.stoppedCause(fmt.Errorf("bind: %w", err)))
	}
	if err := c.Start(); err != nil {
		s.forget(c)
		err = multierr.Append(err, c.Close())
		return nil, s.registrationFailed(s.stoppedCause(fmt.Errorf("initial receive: %w", err)))
	}
	s.metrics.Registered(true)
	s.log.Debug().Uint64("conn", c.ID()).Stringer("remote", c.RemoteAddr()).Msg("registered")
	return c, nil
}

// Accept registers conn with the current default options.
func (s *Server) Accept(conn net.Conn, sink api.FrameSink) (*connection.Connection, error) {
	return s.Register(conn, sink, s.defaults.Load())
}

// Defaults exposes the hot-reloadable default connection options.
func (s *Server) Defaults() *control.Store[connection.Options] { return s.defaults }

// Serve accepts sockets from l and registers them until ctx is cancelled or
// the listener fails. newSink may be nil for sink-less connections. Serve
// ends the listener when ctx is done and returns nil in that case.
func (s *Server) Serve(ctx context.Context, l api.Listener, newSink func(net.Conn) api.FrameSink) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.EndListen()
		case <-done:
		}
	}()

	for {
		conn, err := l.WaitAccept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var sink api.FrameSink
		if newSink != nil {
			sink = newSink(conn)
		}
		if _, err := s.Accept(conn, sink); err != nil {
			s.log.Warn().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("accept rejected")
			_ = conn.Close()
			if errors.Is(err, api.ErrServerClosed) {
				return err
			}
		}
	}
}

// Remove takes c out of the registry and closes it. cause is nil for a local
// close. The sink's OnClose, if any, runs once with cause. Removing a
// connection that is not registered is a no-op.
func (s *Server) Remove(c *connection.Connection, cause error) error {
	if !s.forget(c) {
		return nil
	}
	return s.closeConn(c, cause, removalReason(cause))
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Connections returns the registered connections.
func (s *Server) Connections() []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*connection.Connection, 0, len(s.keys))
	for c := range s.keys {
		out = append(out, c)
	}
	return out
}

// Snapshot evaluates the debug vars.
func (s *Server) Snapshot() map[string]any {
	return s.vars.DumpState()
}

// Vars returns the var registry so callers can add their own.
func (s *Server) Vars() *control.DebugVars { return s.vars }

// Shutdown stops the workers with one stop sentinel each, waits for them,
// closes every connection and releases the completion port. Calls after a
// completed shutdown are no-ops. Shutdown must not be called from a sink
// callback.
func (s *Server) Shutdown() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	prev := state(s.state.Swap(int32(stateStopped)))
	s.mu.Unlock()
	if prev == stateStopped {
		return nil
	}

	var err error
	if prev == stateRunning {
		for i := 0; i < s.cfg.workers(); i++ {
			err = multierr.Append(err, s.port.Post(reactor.Completion{}))
		}
		err = multierr.Append(err, s.workers.Wait())
	}

	s.mu.Lock()
	conns := make([]*connection.Connection, 0, len(s.keys))
	for c := range s.keys {
		conns = append(conns, c)
	}
	clear(s.conns)
	clear(s.keys)
	s.mu.Unlock()
	for _, c := range conns {
		err = multierr.Append(err, s.closeConn(c, api.ErrServerClosed, "shutdown"))
	}

	err = multierr.Append(err, s.port.Close())
	s.log.Info().Err(err).Int("closed", len(conns)).Msg("server stopped")
	return err
}

func (s *Server) forget(c *connection.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[c]
	if !ok {
		return false
	}
	delete(s.keys, c)
	delete(s.conns, key)
	return true
}

// unreserve drops a reservation whose connection was never built.
func (s *Server) unreserve(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[conn]; ok && c == nil {
		delete(s.conns, conn)
	}
}

// stoppedCause marks a registration that lost the race with Shutdown.
func (s *Server) stoppedCause(err error) error {
	if state(s.state.Load()) == stateStopped {
		return fmt.Errorf("%w: %w", api.ErrServerClosed, err)
	}
	return err
}

func (s *Server) closeConn(c *connection.Connection, cause error, reason string) error {
	err := c.Close()
	s.metrics.Removed(reason)
	if obs, ok := c.Sink().(api.CloseObserver); ok {
		obs.OnClose(cause)
	}
	s.log.Debug().Uint64("conn", c.ID()).Str("reason", reason).AnErr("cause", cause).Msg("removed")
	return err
}

func (s *Server) registrationFailed(err error) error {
	s.metrics.Registered(false)
	return fmt.Errorf("%w: %w", api.ErrRegistrationFailure, err)
}

func removalReason(cause error) string {
	if cause == nil {
		return "local"
	}
	return api.CodeOf(cause).String()
}
