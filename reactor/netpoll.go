// File: reactor/netpoll.go
// Author: momentics <momentics@gmail.com>
//
// Portable port. Every handle owns two lanes, one per direction. A lane is a
// FIFO of queued operations served by a drainer goroutine that exists only
// while the lane is non-empty; the blocking net.Conn call parks in the Go
// netpoller and the outcome is posted to the completion queue.

package reactor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
)

// NetPort is the portable Port implementation.
type NetPort struct {
	cq     completionQueue
	closed atomic.Bool

	mu      sync.Mutex
	handles map[*netHandle]struct{}
}

// NewNetPort creates a portable port with an in-process completion queue.
func NewNetPort() *NetPort {
	return newNetPortOn(NewQueue())
}

func newNetPortOn(cq completionQueue) *NetPort {
	return &NetPort{cq: cq, handles: make(map[*netHandle]struct{})}
}

type netHandle struct {
	port   *NetPort
	conn   net.Conn
	ctx    any
	send   lane
	recv   lane
	closed atomic.Bool
	once   sync.Once
}

type lane struct {
	mu      sync.Mutex
	ops     *queue.Queue
	running bool
}

// Associate binds conn to the port.
func (p *NetPort) Associate(conn net.Conn, ctx any) (Handle, error) {
	if conn == nil {
		return nil, fmt.Errorf("associate nil conn: %w", api.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, api.ErrPortClosed
	}
	h := &netHandle{port: p, conn: conn, ctx: ctx}
	h.send.ops = queue.New()
	h.recv.ops = queue.New()
	p.handles[h] = struct{}{}
	return h, nil
}

// Send queues op on the handle's send lane.
func (p *NetPort) Send(h Handle, op *pending.Operation) error {
	nh, err := p.handle(h)
	if err != nil {
		return err
	}
	return nh.push(&nh.send, op, nh.write)
}

// Recv queues op on the handle's receive lane.
func (p *NetPort) Recv(h Handle, op *pending.Operation) error {
	nh, err := p.handle(h)
	if err != nil {
		return err
	}
	return nh.push(&nh.recv, op, nh.read)
}

// Post enqueues a completion.
func (p *NetPort) Post(c Completion) error { return p.cq.Post(c) }

// Wait blocks for the next completion.
func (p *NetPort) Wait() (Completion, error) { return p.cq.Wait() }

// Close closes every associated handle and the completion queue.
func (p *NetPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	handles := make([]*netHandle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	var err error
	for _, h := range handles {
		if cerr := h.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return multierr.Append(err, p.cq.Close())
}

func (p *NetPort) handle(h Handle) (*netHandle, error) {
	nh, ok := h.(*netHandle)
	if !ok || nh.port != p {
		return nil, fmt.Errorf("foreign handle %T: %w", h, api.ErrInvalidArgument)
	}
	return nh, nil
}

func (h *netHandle) push(l *lane, op *pending.Operation, do func([]byte) (int, error)) error {
	if op == nil {
		return fmt.Errorf("nil operation: %w", api.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if h.closed.Load() {
		return api.ErrConnectionClosed
	}
	l.ops.Add(op)
	if !l.running {
		l.running = true
		go h.drain(l, do)
	}
	return nil
}

func (h *netHandle) drain(l *lane, do func([]byte) (int, error)) {
	for {
		l.mu.Lock()
		if l.ops.Length() == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		op := l.ops.Remove().(*pending.Operation)
		l.mu.Unlock()

		if h.closed.Load() {
			op.Complete(0, api.ErrConnectionClosed)
		} else {
			n, err := do(op.Buf)
			op.Complete(n, err)
		}
		// A closed port drops the completion; the owner is being torn down.
		_ = h.port.cq.Post(Completion{Ctx: h.ctx, Op: op})
	}
}

func (h *netHandle) write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return h.conn.Write(b)
}

func (h *netHandle) read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := h.conn.Read(b)
	if n > 0 {
		// Any error repeats on the next read.
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, nil
	}
	if err == nil {
		// 0, nil is not EOF.
		err = io.ErrNoProgress
	}
	return 0, err
}

// Close closes the socket. Queued operations complete with an error.
func (h *netHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.closed.Store(true)
		err = h.conn.Close()
		h.port.mu.Lock()
		delete(h.port.handles, h)
		h.port.mu.Unlock()
	})
	return err
}
