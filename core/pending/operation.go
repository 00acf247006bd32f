// File: core/pending/operation.go
// Package pending tracks outstanding asynchronous operations per connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pending

import (
	"sync/atomic"
)

// Direction of an operation.
type Direction uint8

const (
	Send Direction = iota
	Recv
)

func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

// Ownership tells who owns the memory behind Operation.Buf.
type Ownership uint8

const (
	// Borrowed memory aliases a connection ring buffer. It stays valid until the
	// operation is retired and the matching bytes are released.
	Borrowed Ownership = iota
	// Owned memory is a chunk handed back to its pool by Free.
	Owned
)

// Operation is one issued asynchronous send or receive.
//
// The backend that performs the I/O records the outcome with Complete before it
// posts the completion; pumps read it with Done/N/Err under the connection lock.
type Operation struct {
	Seq       uint64
	Dir       Direction
	Buf       []byte
	Ownership Ownership

	wake    bool
	release func([]byte)

	claimed atomic.Bool
	done    atomic.Bool
	n       atomic.Int64
	err     atomic.Pointer[error]
}

// NewBorrowed creates an operation over ring memory.
func NewBorrowed(seq uint64, dir Direction, buf []byte) *Operation {
	return &Operation{Seq: seq, Dir: dir, Buf: buf, Ownership: Borrowed}
}

// NewOwned creates an operation over a pooled chunk; release is called by Free.
func NewOwned(seq uint64, dir Direction, buf []byte, release func([]byte)) *Operation {
	return &Operation{Seq: seq, Dir: dir, Buf: buf, Ownership: Owned, release: release}
}

// NewWake creates a zero-length operation used only to re-enter a pump on a
// dispatcher worker. Wake operations never enter a ledger.
func NewWake(dir Direction) *Operation {
	return &Operation{Dir: dir, wake: true}
}

// IsWake reports whether op is a wake-up trigger.
func (op *Operation) IsWake() bool { return op.wake }

// Complete records the outcome. Only the first call has an effect.
func (op *Operation) Complete(n int, err error) bool {
	if !op.claimed.CompareAndSwap(false, true) {
		return false
	}
	op.n.Store(int64(n))
	if err != nil {
		op.err.Store(&err)
	}
	op.done.Store(true)
	return true
}

// Done reports whether the backend finished the operation.
func (op *Operation) Done() bool { return op.done.Load() }

// N returns the transferred byte count once Done.
func (op *Operation) N() int { return int(op.n.Load()) }

// Err returns the I/O error recorded by Complete, if any.
func (op *Operation) Err() error {
	if p := op.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Payload returns the transferred part of Buf.
func (op *Operation) Payload() []byte {
	n := op.N()
	if n > len(op.Buf) {
		n = len(op.Buf)
	}
	return op.Buf[:n]
}

// Free hands an owned chunk back to its pool and detaches Buf. Borrowed memory
// is only detached.
func (op *Operation) Free() {
	if op.Ownership == Owned && op.release != nil && op.Buf != nil {
		op.release(op.Buf)
	}
	op.Buf = nil
	op.release = nil
}
