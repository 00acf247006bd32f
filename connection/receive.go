// File: connection/receive.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"fmt"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/reactor"
)

// Start issues the first receive operations. Registration calls it once after
// Bind; an error here means the connection never became live.
func (c *Connection) Start() error {
	c.recvMu.Lock()
	if c.closed.Load() {
		c.recvMu.Unlock()
		return api.ErrConnectionClosed
	}
	return c.refill()
}

// Resume restarts a receive pump paused by backpressure once the application
// can take more data. It is safe to call from FrameSink.OnReceive and is a
// no-op while a wake-up is already pending.
func (c *Connection) Resume() error {
	if c.closed.Load() {
		return api.ErrConnectionClosed
	}
	if !c.recvWake.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.port.Post(reactor.Completion{Ctx: c, Op: pending.NewWake(pending.Recv)}); err != nil {
		c.recvWake.Store(false)
		return fmt.Errorf("%w: post receive wake-up: %w", api.ErrIssueFailure, err)
	}
	return nil
}

// Paused reports whether the receive pump is stopped by backpressure.
func (c *Connection) Paused() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.paused
}

// OnReceiveComplete runs the receive pump for a completed receive or a
// receive wake-up.
//
// Completions may arrive in any order; only the contiguous completed prefix
// of the ledger is retired, so the sink sees bytes in network order. A
// retired payload that does not fit the ring stays in the ledger until the
// sink drains enough. The result is nil, api.ErrCapacityExceeded when the
// pump paused, api.ErrPeerClosed after the peer shut down and all earlier
// data was delivered, or a fatal error.
func (c *Connection) OnReceiveComplete(op *pending.Operation) error {
	c.recvMu.Lock()
	if c.closed.Load() {
		defer c.recvMu.Unlock()
		return lateCompletion(op)
	}
	if op.IsWake() {
		c.recvWake.Store(false)
	} else if err := op.Err(); err != nil {
		c.recvMu.Unlock()
		return fmt.Errorf("%w: recv seq %d: %w", api.ErrCompletionFailure, op.Seq, err)
	}

	for {
		retired, err := c.retireRecvs()
		if err != nil {
			c.recvMu.Unlock()
			return err
		}
		delivered := c.deliver()
		if !retired && !delivered {
			break
		}
		c.unpause()
	}

	if c.peerClosed {
		if c.recvBuf.Readable() > 0 {
			return c.pause()
		}
		c.recvMu.Unlock()
		c.log.Debug().Msg("peer closed")
		return api.ErrPeerClosed
	}
	return c.refill()
}

// retireRecvs moves the contiguous completed prefix of the ledger into the
// receive ring. Caller holds recvMu.
func (c *Connection) retireRecvs() (bool, error) {
	retired := false
	for c.recvLedger.ContiguousCompleted() > 0 {
		op, _ := c.recvLedger.PeekOldest()
		if err := op.Err(); err != nil {
			return retired, fmt.Errorf("%w: recv seq %d: %w", api.ErrCompletionFailure, op.Seq, err)
		}
		n := op.N()
		if n == 0 {
			c.peerClosed = true
			c.recvLedger.RemoveOldest()
			op.Free()
			retired = true
			continue
		}
		if c.peerClosed {
			// Data after an orderly shutdown cannot exist on a stream socket.
			c.recvLedger.RemoveOldest()
			op.Free()
			continue
		}
		if c.recvBuf.Free() < n {
			c.log.Debug().Uint64("seq", op.Seq).Int("bytes", n).Msg("receive ring full, retirement deferred")
			break
		}
		c.recvBuf.Write(op.Payload())
		c.recvLedger.RemoveOldest()
		op.Free()
		c.stats.bytesReceived.Add(int64(n))
		retired = true
	}
	return retired, nil
}

// deliver hands readable bytes to the sink one contiguous segment at a time
// and frees what it accepts. Without a sink the bytes are discarded. Caller
// holds recvMu.
func (c *Connection) deliver() bool {
	moved := false
	for c.recvBuf.Readable() > 0 {
		head, _ := c.recvBuf.ReadableSpan()
		if c.sink != nil && !c.sink.OnReceive(head) {
			break
		}
		c.recvBuf.Read(nil, len(head))
		c.recvBuf.Release(len(head))
		c.stats.bytesDelivered.Add(int64(len(head)))
		moved = true
	}
	return moved
}

// refill issues receives while the pipeline depth and the ring's free space
// allow, then releases recvMu. Caller holds recvMu.
func (c *Connection) refill() error {
	chunk := c.opts.RecvChunkSize
	var batch []*pending.Operation
	for c.recvLedger.Count() < c.opts.depth() && c.recvBuf.Free() >= chunk*(c.recvLedger.Count()+1) {
		op := pending.NewOwned(c.recvSeq, pending.Recv, c.chunks.Get(chunk), c.chunks.Put)
		c.recvSeq++
		c.recvLedger.Add(op)
		batch = append(batch, op)
	}
	if len(batch) == 0 {
		if c.inFlight() == 0 {
			return c.pause()
		}
		c.recvMu.Unlock()
		return nil
	}
	c.unpause()
	c.recvIssue.Lock()
	c.recvMu.Unlock()
	err := c.issue(batch, c.port.Recv)
	c.recvIssue.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("receive issue failed")
	}
	return err
}

// pause records backpressure and releases recvMu. Only the transition into
// the paused state is counted. Caller holds recvMu.
func (c *Connection) pause() error {
	if !c.paused {
		c.paused = true
		c.stats.pauses.Add(1)
		if c.onPause != nil {
			c.onPause()
		}
		c.log.Warn().
			Int("readable", c.recvBuf.Readable()).
			Int("free", c.recvBuf.Free()).
			Int("pending", c.recvLedger.Count()).
			Msg("receive paused")
	}
	c.recvMu.Unlock()
	return api.ErrCapacityExceeded
}

// unpause leaves the paused state after progress. Caller holds recvMu.
func (c *Connection) unpause() {
	if c.paused {
		c.paused = false
		c.log.Debug().Msg("receive resumed")
	}
}

// inFlight counts receives the port still owns. Caller holds recvMu.
func (c *Connection) inFlight() int {
	n := 0
	c.recvLedger.Ascend(func(op *pending.Operation) bool {
		if !op.Done() {
			n++
		}
		return true
	})
	return n
}
