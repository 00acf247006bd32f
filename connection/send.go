// File: connection/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"fmt"
	"io"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/reactor"
)

// Send queues as much of p as the send ring can hold and returns the count.
// A short count comes with api.ErrBufferFull; the caller retries the rest
// later. Send never blocks on the network: when the pump is idle it posts a
// wake-up so the bytes are issued from a dispatcher worker.
func (c *Connection) Send(p []byte) (int, error) {
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return 0, api.ErrConnectionClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.sendMu.Unlock()
		return 0, err
	}
	n := c.sendBuf.Write(p)
	kick := n > 0 && c.sendLedger.Count() == 0 && !c.kickPending
	if kick {
		c.kickPending = true
	}
	c.sendMu.Unlock()
	c.stats.bytesQueued.Add(int64(n))

	if kick {
		if err := c.port.Post(reactor.Completion{Ctx: c, Op: pending.NewWake(pending.Send)}); err != nil {
			c.sendMu.Lock()
			c.kickPending = false
			c.sendMu.Unlock()
			return n, fmt.Errorf("%w: post send wake-up: %w", api.ErrIssueFailure, err)
		}
	}
	if n < len(p) {
		return n, api.ErrBufferFull
	}
	return n, nil
}

// SendFree returns the number of bytes Send can accept right now.
func (c *Connection) SendFree() int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendBuf.Free()
}

// OnSendComplete runs the send pump for a completed send or send wake-up.
// Confirmed spans are retired in sequence order and released; then every
// readable byte is planned into new sends and issued.
func (c *Connection) OnSendComplete(op *pending.Operation) error {
	c.sendMu.Lock()
	if c.closed.Load() {
		c.sendMu.Unlock()
		return lateCompletion(op)
	}
	if op.IsWake() {
		c.kickPending = false
	} else if err := op.Err(); err != nil && c.sendErr == nil {
		c.sendErr = fmt.Errorf("%w: send seq %d: %w", api.ErrCompletionFailure, op.Seq, err)
	}
	if err := c.retireSends(); err != nil {
		c.sendErr = err
		c.sendMu.Unlock()
		return err
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.sendMu.Unlock()
		return err
	}

	batch := c.planSends()
	if len(batch) == 0 {
		c.sendMu.Unlock()
		return nil
	}
	c.sendIssue.Lock()
	c.sendMu.Unlock()
	err := c.issue(batch, c.port.Send)
	c.sendIssue.Unlock()
	if err != nil {
		c.sendMu.Lock()
		c.sendErr = err
		c.sendMu.Unlock()
		c.log.Error().Err(err).Msg("send issue failed")
		return err
	}
	return nil
}

// retireSends removes the contiguous prefix of confirmed sends and returns
// their bytes to the ring. Caller holds sendMu.
func (c *Connection) retireSends() error {
	for k := c.sendLedger.ContiguousCompleted(); k > 0; k-- {
		op, _ := c.sendLedger.RemoveOldest()
		if err := op.Err(); err != nil {
			return fmt.Errorf("%w: send seq %d: %w", api.ErrCompletionFailure, op.Seq, err)
		}
		if op.N() != len(op.Buf) {
			return fmt.Errorf("%w: send seq %d: %d of %d bytes: %w",
				api.ErrCompletionFailure, op.Seq, op.N(), len(op.Buf), io.ErrShortWrite)
		}
		if c.observer != nil {
			c.observer.OnSend(op.Buf)
		}
		c.sendBuf.Release(len(op.Buf))
		c.stats.bytesSent.Add(int64(len(op.Buf)))
		c.log.Debug().Uint64("seq", op.Seq).Int("bytes", len(op.Buf)).Msg("send retired")
		op.Free()
	}
	return nil
}

// planSends turns every readable segment of the send ring into a borrowed
// send operation. Caller holds sendMu.
func (c *Connection) planSends() []*pending.Operation {
	var batch []*pending.Operation
	for c.sendBuf.Readable() > 0 {
		head, _ := c.sendBuf.ReadableSpan()
		op := pending.NewBorrowed(c.sendSeq, pending.Send, head)
		c.sendSeq++
		c.sendLedger.Add(op)
		c.sendBuf.Read(nil, len(head))
		batch = append(batch, op)
	}
	return batch
}

// issue hands planned operations to the port in order. Caller holds the
// direction's issue mutex.
func (c *Connection) issue(batch []*pending.Operation, start func(reactor.Handle, *pending.Operation) error) error {
	for _, op := range batch {
		if err := start(c.handle, op); err != nil {
			if c.closed.Load() {
				return api.ErrConnectionClosed
			}
			return api.Wrap(api.ErrCodeIssueFailure, err, fmt.Sprintf("issue %v seq %d", op.Dir, op.Seq)).
				WithContext("seq", op.Seq).
				WithContext("direction", op.Dir.String())
		}
		if op.Dir == pending.Send {
			c.stats.sendsIssued.Add(1)
		} else {
			c.stats.recvsIssued.Add(1)
		}
	}
	return nil
}
