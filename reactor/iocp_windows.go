//go:build windows
// +build windows

// File: reactor/iocp_windows.go
// Author: momentics <momentics@gmail.com>
//
// Native Windows backend. Sockets created by the Go runtime are already bound
// to the runtime's own completion port and cannot be re-associated, so the
// native port keeps the portable socket lanes and routes every completion
// through a dedicated I/O completion port that the dispatcher workers block on.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"

	"github.com/momentics/hioload-tcp/api"
)

// iocpQueue is a completion queue backed by PostQueuedCompletionStatus.
// The completion key carries an id into the in-flight table; key 0 is reserved.
type iocpQueue struct {
	port     windows.Handle
	next     atomic.Uint64
	inflight sync.Map // uint64 -> Completion
	closed   atomic.Bool
}

func newNativePort() (Port, error) {
	q, err := newIOCPQueue()
	if err != nil {
		return nil, err
	}
	return newNetPortOn(q), nil
}

func newIOCPQueue() (*iocpQueue, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	return &iocpQueue{port: port}, nil
}

func (q *iocpQueue) Post(c Completion) error {
	if q.closed.Load() {
		return api.ErrPortClosed
	}
	id := q.next.Add(1)
	q.inflight.Store(id, c)
	if err := windows.PostQueuedCompletionStatus(q.port, 0, uintptr(id), nil); err != nil {
		q.inflight.Delete(id)
		if q.closed.Load() {
			return api.ErrPortClosed
		}
		return fmt.Errorf("iocp post: %w", err)
	}
	return nil
}

func (q *iocpQueue) Wait() (Completion, error) {
	for {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(q.port, &qty, &key, &ov, windows.INFINITE)
		if err != nil {
			if q.closed.Load() {
				return Completion{}, api.ErrPortClosed
			}
			return Completion{}, fmt.Errorf("iocp wait: %w", err)
		}
		v, ok := q.inflight.LoadAndDelete(uint64(key))
		if !ok {
			continue
		}
		return v.(Completion), nil
	}
}

// Close closes the port handle; blocked waiters return api.ErrPortClosed.
func (q *iocpQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return windows.CloseHandle(q.port)
}
