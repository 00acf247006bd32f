//go:build linux
// +build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
//
// Native Linux proactor on top of edge-triggered epoll(7). Associate takes the
// socket away from the Go runtime by duplicating its descriptor; the port then
// performs non-blocking I/O itself whenever the descriptor becomes ready and
// posts completions to the shared queue.

package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
)

const epollBatch = 128

type epollPort struct {
	epfd   int
	evfd   int
	cq     *Queue
	closed atomic.Bool
	done   chan struct{}

	mu      sync.Mutex
	handles map[int]*epollHandle
}

type epollHandle struct {
	port *epollPort
	fd   int
	ctx  any

	mu      sync.Mutex
	sends   *queue.Queue
	recvs   *queue.Queue
	sendOff int // bytes of the head send already written
	closed  bool
}

func newNativePort() (Port, error) {
	return newEpollPort()
}

func newEpollPort() (*epollPort, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(evfd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, evfd, &ev); err != nil {
		_ = unix.Close(evfd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	p := &epollPort{
		epfd:    epfd,
		evfd:    evfd,
		cq:      NewQueue(),
		done:    make(chan struct{}),
		handles: make(map[int]*epollHandle),
	}
	go p.poll()
	return p, nil
}

func (p *epollPort) Associate(conn net.Conn, ctx any) (Handle, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%T has no raw descriptor: %w", conn, api.ErrNotSupported)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(raw uintptr) { fd, dupErr = unix.Dup(int(raw)) }); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if dupErr != nil {
		return nil, fmt.Errorf("dup: %w", dupErr)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	h := &epollHandle{port: p, fd: fd, ctx: ctx, sends: queue.New(), recvs: queue.New()}
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		_ = unix.Close(fd)
		return nil, api.ErrPortClosed
	}
	p.handles[fd] = h
	p.mu.Unlock()

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.mu.Lock()
		delete(p.handles, fd)
		p.mu.Unlock()
		_ = unix.Close(fd)
		return nil, fmt.Errorf("epoll ctl add: %w", err)
	}
	// The duplicate owns the socket from here on.
	_ = conn.Close()
	return h, nil
}

func (p *epollPort) Send(h Handle, op *pending.Operation) error {
	eh, err := p.handle(h, op)
	if err != nil {
		return err
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.closed {
		return api.ErrConnectionClosed
	}
	eh.sends.Add(op)
	eh.flushSends()
	return nil
}

func (p *epollPort) Recv(h Handle, op *pending.Operation) error {
	eh, err := p.handle(h, op)
	if err != nil {
		return err
	}
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.closed {
		return api.ErrConnectionClosed
	}
	eh.recvs.Add(op)
	eh.flushRecvs()
	return nil
}

func (p *epollPort) Post(c Completion) error { return p.cq.Post(c) }

func (p *epollPort) Wait() (Completion, error) { return p.cq.Wait() }

func (p *epollPort) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	one := [8]byte{1}
	if _, err := unix.Write(p.evfd, one[:]); err == nil {
		<-p.done
	}

	p.mu.Lock()
	handles := make([]*epollHandle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	var err error
	for _, h := range handles {
		err = multierr.Append(err, h.Close())
	}
	err = multierr.Append(err, unix.Close(p.epfd))
	err = multierr.Append(err, unix.Close(p.evfd))
	return multierr.Append(err, p.cq.Close())
}

func (p *epollPort) handle(h Handle, op *pending.Operation) (*epollHandle, error) {
	eh, ok := h.(*epollHandle)
	if !ok || eh.port != p {
		return nil, fmt.Errorf("foreign handle %T: %w", h, api.ErrInvalidArgument)
	}
	if op == nil {
		return nil, fmt.Errorf("nil operation: %w", api.ErrInvalidArgument)
	}
	return eh, nil
}

func (p *epollPort) poll() {
	defer close(p.done)
	events := make([]unix.EpollEvent, epollBatch)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.evfd {
				var buf [8]byte
				_, _ = unix.Read(p.evfd, buf[:])
				if p.closed.Load() {
					return
				}
				continue
			}
			p.mu.Lock()
			h := p.handles[fd]
			p.mu.Unlock()
			if h != nil {
				h.ready(events[i].Events)
			}
		}
	}
}

func (h *epollHandle) ready(events uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		h.flushRecvs()
	}
	if events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		h.flushSends()
	}
}

// flushSends writes queued sends in order until the socket would block.
// Caller holds h.mu.
func (h *epollHandle) flushSends() {
	for h.sends.Length() > 0 {
		op := h.sends.Peek().(*pending.Operation)
		if h.sendOff < len(op.Buf) {
			n, err := unix.SendmsgN(h.fd, op.Buf[h.sendOff:], nil, nil, unix.MSG_NOSIGNAL)
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN:
				return
			case err != nil:
				h.finish(h.sends, op, h.sendOff, err)
				h.sendOff = 0
				continue
			}
			h.sendOff += n
			if h.sendOff < len(op.Buf) {
				continue
			}
		}
		h.finish(h.sends, op, h.sendOff, nil)
		h.sendOff = 0
	}
}

// flushRecvs satisfies queued receives in order until the socket would block.
// Caller holds h.mu.
func (h *epollHandle) flushRecvs() {
	for h.recvs.Length() > 0 {
		op := h.recvs.Peek().(*pending.Operation)
		if len(op.Buf) == 0 {
			h.finish(h.recvs, op, 0, api.ErrInvalidArgument)
			continue
		}
		n, err := unix.Read(h.fd, op.Buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			h.finish(h.recvs, op, 0, err)
			continue
		}
		h.finish(h.recvs, op, n, nil)
	}
}

func (h *epollHandle) finish(q *queue.Queue, op *pending.Operation, n int, err error) {
	q.Remove()
	op.Complete(n, err)
	_ = h.port.cq.Post(Completion{Ctx: h.ctx, Op: op})
}

func (h *epollHandle) abort(q *queue.Queue) {
	for q.Length() > 0 {
		h.finish(q, q.Peek().(*pending.Operation), 0, api.ErrConnectionClosed)
	}
}

// Close unregisters and closes the descriptor. Queued operations complete with
// api.ErrConnectionClosed.
func (h *epollHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	p := h.port
	p.mu.Lock()
	if p.handles[h.fd] == h {
		delete(p.handles, h.fd)
	}
	p.mu.Unlock()
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
	err := unix.Close(h.fd)
	h.abort(h.sends)
	h.abort(h.recvs)
	return err
}
