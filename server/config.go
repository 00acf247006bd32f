// File: server/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/connection"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

// Config holds all server-side configuration parameters.
type Config struct {
	Workers    int                // dispatcher workers; 0 = runtime.NumCPU()
	Backend    reactor.Backend    // completion port implementation
	PinWorkers bool               // lock each worker to a thread pinned to one CPU
	Connection connection.Options // defaults used by Accept and Serve
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:    runtime.NumCPU(),
		Backend:    reactor.BackendPortable,
		PinWorkers: false,
		Connection: connection.DefaultOptions(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers %d: %w", c.Workers, api.ErrInvalidArgument)
	}
	return c.Connection.Validate()
}

func (c *Config) workers() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the server logger. Connections log through child loggers.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithRegisterer registers the server metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.reg = reg }
}

// WithChunkPool sets the pool receive chunks come from.
func WithChunkPool(p *pool.ChunkPool) Option {
	return func(s *Server) { s.chunks = p }
}

// WithPort uses an existing completion port instead of creating one for
// Config.Backend. The server takes ownership of it.
func WithPort(p reactor.Port) Option {
	return func(s *Server) { s.port = p }
}
