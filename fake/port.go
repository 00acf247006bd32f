// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake completion port for testing. Operations are recorded when issued and
// only complete when the test says so, in whatever order the test chooses.
// Completions land on a real reactor.Queue that the test drains with Next.

package fake

import (
	"fmt"
	"net"
	"sync"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/reactor"
)

// Port is a fake implementation of reactor.Port.
type Port struct {
	mu       sync.Mutex
	queue    *reactor.Queue
	sends    []*pending.Operation
	recvs    []*pending.Operation
	sendCtx  []any
	recvCtx  []any
	wire     []byte
	sendErr  error
	recvErr  error
	assocErr error
}

// Handle is the fake port binding of one socket.
type Handle struct {
	port   *Port
	Ctx    any
	Conn   net.Conn
	closed bool
}

// NewPort creates a fake port with an empty completion queue.
func NewPort() *Port {
	return &Port{queue: reactor.NewQueue()}
}

// Associate implements reactor.Port. conn may be nil.
func (p *Port) Associate(conn net.Conn, ctx any) (reactor.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assocErr != nil {
		return nil, p.assocErr
	}
	return &Handle{port: p, Ctx: ctx, Conn: conn}, nil
}

// Send records op and captures its bytes on the fake wire.
func (p *Port) Send(h reactor.Handle, op *pending.Operation) error {
	fh, err := p.handle(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	if fh.closed {
		return api.ErrConnectionClosed
	}
	p.wire = append(p.wire, op.Buf...)
	p.sends = append(p.sends, op)
	p.sendCtx = append(p.sendCtx, fh.Ctx)
	return nil
}

// Recv records op.
func (p *Port) Recv(h reactor.Handle, op *pending.Operation) error {
	fh, err := p.handle(h)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recvErr != nil {
		return p.recvErr
	}
	if fh.closed {
		return api.ErrConnectionClosed
	}
	p.recvs = append(p.recvs, op)
	p.recvCtx = append(p.recvCtx, fh.Ctx)
	return nil
}

// Post implements reactor.Port.
func (p *Port) Post(c reactor.Completion) error { return p.queue.Post(c) }

// Wait implements reactor.Port.
func (p *Port) Wait() (reactor.Completion, error) { return p.queue.Wait() }

// Close implements reactor.Port.
func (p *Port) Close() error { return p.queue.Close() }

// Next returns the oldest queued completion without blocking.
func (p *Port) Next() (reactor.Completion, bool) { return p.queue.TryWait() }

// SetSendError makes every following Send fail with err; nil clears it.
func (p *Port) SetSendError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// SetRecvError makes every following Recv fail with err; nil clears it.
func (p *Port) SetRecvError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvErr = err
}

// SetAssociateError makes every following Associate fail with err.
func (p *Port) SetAssociateError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assocErr = err
}

// PendingSends returns the issued, not yet completed sends in issue order.
func (p *Port) PendingSends() []*pending.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pending.Operation(nil), p.sends...)
}

// PendingRecvs returns the issued, not yet completed receives in issue order.
func (p *Port) PendingRecvs() []*pending.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pending.Operation(nil), p.recvs...)
}

// Wire returns a copy of every byte handed to Send so far, in issue order.
func (p *Port) Wire() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.wire...)
}

// CompleteSend completes the i-th pending send in full.
func (p *Port) CompleteSend(i int) *pending.Operation {
	return p.finishSend(i, -1, nil)
}

// FailSend completes the i-th pending send with err.
func (p *Port) FailSend(i int, err error) *pending.Operation {
	return p.finishSend(i, 0, err)
}

// DeliverRecv copies data into the i-th pending receive and completes it.
// Data beyond the receive buffer is dropped.
func (p *Port) DeliverRecv(i int, data []byte) *pending.Operation {
	return p.finishRecv(i, func(op *pending.Operation) { op.Complete(copy(op.Buf, data), nil) })
}

// CloseRecv completes the i-th pending receive with zero bytes, the peer
// shutdown signal.
func (p *Port) CloseRecv(i int) *pending.Operation {
	return p.finishRecv(i, func(op *pending.Operation) { op.Complete(0, nil) })
}

// FailRecv completes the i-th pending receive with err.
func (p *Port) FailRecv(i int, err error) *pending.Operation {
	return p.finishRecv(i, func(op *pending.Operation) { op.Complete(0, err) })
}

func (p *Port) finishSend(i, n int, err error) *pending.Operation {
	p.mu.Lock()
	op, ctx := p.sends[i], p.sendCtx[i]
	p.sends = append(p.sends[:i], p.sends[i+1:]...)
	p.sendCtx = append(p.sendCtx[:i], p.sendCtx[i+1:]...)
	p.mu.Unlock()
	if n < 0 {
		n = len(op.Buf)
	}
	op.Complete(n, err)
	_ = p.queue.Post(reactor.Completion{Ctx: ctx, Op: op})
	return op
}

func (p *Port) finishRecv(i int, complete func(*pending.Operation)) *pending.Operation {
	p.mu.Lock()
	op, ctx := p.recvs[i], p.recvCtx[i]
	p.recvs = append(p.recvs[:i], p.recvs[i+1:]...)
	p.recvCtx = append(p.recvCtx[:i], p.recvCtx[i+1:]...)
	p.mu.Unlock()
	complete(op)
	_ = p.queue.Post(reactor.Completion{Ctx: ctx, Op: op})
	return op
}

func (p *Port) handle(h reactor.Handle) (*Handle, error) {
	fh, ok := h.(*Handle)
	if !ok || fh.port != p {
		return nil, fmt.Errorf("foreign handle %T: %w", h, api.ErrInvalidArgument)
	}
	return fh, nil
}

// Close marks the handle closed. Pending operations stay recorded so tests
// can still complete them as late completions.
func (h *Handle) Close() error {
	h.port.mu.Lock()
	defer h.port.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.port.mu.Lock()
	defer h.port.mu.Unlock()
	return h.closed
}
