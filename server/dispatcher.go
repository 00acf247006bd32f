// File: server/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dispatcher workers. Each worker blocks on the shared completion port and
// runs the pump of whichever connection the completion belongs to; any worker
// may service any connection. A worker leaves its loop on the stop sentinel.

package server

import (
	"errors"
	"runtime"

	"github.com/momentics/hioload-tcp/affinity"
	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/connection"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/reactor"
)

func (s *Server) work(id int) error {
	s.running.Add(1)
	defer s.running.Add(-1)
	log := s.log.With().Int("worker", id).Logger()
	if s.cfg.PinWorkers {
		cpu, err := affinity.PinWorker(id)
		defer runtime.UnlockOSThread()
		if err != nil {
			log.Warn().Err(err).Int("cpu", cpu).Msg("worker not pinned")
		} else {
			log.Debug().Int("cpu", cpu).Msg("worker pinned")
		}
	}

	for {
		comp, err := s.port.Wait()
		if err != nil {
			if errors.Is(err, api.ErrPortClosed) {
				return nil
			}
			log.Error().Err(err).Msg("completion wait failed")
			return err
		}
		if comp.IsStop() {
			log.Debug().Msg("worker stopped")
			return nil
		}
		s.dispatch(comp)
	}
}

// dispatch routes one completion to its connection's pump. The connection
// travels in the completion context, so no registry lookup is needed.
func (s *Server) dispatch(comp reactor.Completion) {
	c, ok := comp.Ctx.(*connection.Connection)
	if !ok || comp.Op == nil {
		s.log.Warn().Type("ctx", comp.Ctx).Msg("completion without connection")
		return
	}
	op := comp.Op
	var err error
	if op.Dir == pending.Send {
		err = c.OnSendComplete(op)
	} else {
		err = c.OnReceiveComplete(op)
	}
	if !op.IsWake() {
		s.metrics.Completion(op.Dir.String(), op.N())
	}
	s.handleResult(c, err)
}

func (s *Server) handleResult(c *connection.Connection, err error) {
	switch {
	case err == nil:
	case errors.Is(err, api.ErrConnectionClosed):
		// Late completion for a connection already torn down.
	case errors.Is(err, api.ErrCapacityExceeded):
		// Backpressure; the pause transition is counted by the connection hook.
	case errors.Is(err, api.ErrPeerClosed):
		s.log.Debug().Uint64("conn", c.ID()).Msg("peer closed")
		_ = s.Remove(c, api.ErrPeerClosed)
	default:
		s.log.Error().Err(err).Uint64("conn", c.ID()).Str("code", api.CodeOf(err).String()).Msg("connection failed")
		_ = s.Remove(c, err)
	}
}
