// File: connection/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/pool"
)

// Options is the explicit per-connection configuration given at registration.
type Options struct {
	// SendBufferCapacity is the send ring size in bytes.
	SendBufferCapacity int `json:"send_buffer_capacity"`
	// RecvBufferCapacity is the receive ring size in bytes.
	RecvBufferCapacity int `json:"recv_buffer_capacity"`
	// RecvChunkSize is the size of one receive operation; it must be smaller
	// than RecvBufferCapacity.
	RecvChunkSize int `json:"recv_chunk_size"`
	// RecvPipelineDepth is the number of receives kept outstanding. Zero means 1.
	RecvPipelineDepth int `json:"recv_pipeline_depth"`
}

// DefaultOptions returns 1 MiB rings with 64 KiB receive chunks and no
// receive pipelining.
func DefaultOptions() Options {
	return Options{
		SendBufferCapacity: 1 << 20,
		RecvBufferCapacity: 1 << 20,
		RecvChunkSize:      64 << 10,
		RecvPipelineDepth:  1,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	switch {
	case o.SendBufferCapacity <= 0:
		return fmt.Errorf("send buffer capacity %d: %w", o.SendBufferCapacity, api.ErrInvalidArgument)
	case o.RecvBufferCapacity <= 0:
		return fmt.Errorf("recv buffer capacity %d: %w", o.RecvBufferCapacity, api.ErrInvalidArgument)
	case o.RecvChunkSize <= 0 || o.RecvChunkSize >= o.RecvBufferCapacity:
		return fmt.Errorf("recv chunk size %d must be in (0, %d): %w",
			o.RecvChunkSize, o.RecvBufferCapacity, api.ErrInvalidArgument)
	case o.RecvPipelineDepth < 0:
		return fmt.Errorf("recv pipeline depth %d: %w", o.RecvPipelineDepth, api.ErrInvalidArgument)
	}
	return nil
}

func (o Options) depth() int {
	if o.RecvPipelineDepth == 0 {
		return 1
	}
	return o.RecvPipelineDepth
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the parent logger; the connection adds its id.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// WithPauseHook sets a function called each time the receive pump enters
// backpressure. It runs under the receive lock and must not block.
func WithPauseHook(fn func()) Option {
	return func(c *Connection) { c.onPause = fn }
}

// WithChunkPool sets the pool receive chunks come from.
func WithChunkPool(p *pool.ChunkPool) Option {
	return func(c *Connection) {
		if p != nil {
			c.chunks = p
		}
	}
}
