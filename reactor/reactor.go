// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral completion port interface. A port accepts asynchronous send
// and receive operations for associated sockets and reports each finished
// operation as a Completion on one shared queue that dispatcher workers drain.

package reactor

import (
	"fmt"
	"net"
	"strings"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
)

// Handle is the port-side binding of one socket.
type Handle interface {
	// Close unbinds the socket and closes it. Operations still queued on the
	// handle complete with an error.
	Close() error
}

// Completion is one entry of the completion queue. Ctx is the value given to
// Associate for the socket the operation ran on.
type Completion struct {
	Ctx any
	Op  *pending.Operation
}

// IsStop reports whether c is the stop sentinel (the zero Completion).
func (c Completion) IsStop() bool { return c.Ctx == nil && c.Op == nil }

// Port is a completion port.
type Port interface {
	// Associate binds conn to the port. Completions for operations issued on
	// the returned handle carry ctx. The port may take over the socket.
	Associate(conn net.Conn, ctx any) (Handle, error)

	// Send queues op for transmission of op.Buf. Operations on one handle are
	// performed in the order they were queued.
	Send(h Handle, op *pending.Operation) error

	// Recv queues op to receive into op.Buf. A completed receive of zero bytes
	// signals an orderly peer shutdown.
	Recv(h Handle, op *pending.Operation) error

	// Post enqueues a completion directly; used for wake-ups and stop sentinels.
	Post(c Completion) error

	// Wait blocks until a completion is available.
	Wait() (Completion, error)

	// Close releases the port. Wait returns api.ErrPortClosed afterwards.
	Close() error
}

// completionQueue is the queue part of a port.
type completionQueue interface {
	Post(c Completion) error
	Wait() (Completion, error)
	Close() error
}

// Backend selects a port implementation.
type Backend uint8

const (
	// BackendPortable drives sockets through the Go runtime netpoller.
	BackendPortable Backend = iota
	// BackendNative uses the platform proactor: epoll on Linux, an IOCP
	// completion queue on Windows.
	BackendNative
)

func (b Backend) String() string {
	switch b {
	case BackendPortable:
		return "portable"
	case BackendNative:
		return "native"
	default:
		return fmt.Sprintf("backend(%d)", uint8(b))
	}
}

// ParseBackend maps a backend name to its value.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "portable":
		return BackendPortable, nil
	case "native":
		return BackendNative, nil
	}
	return 0, fmt.Errorf("backend %q: %w", s, api.ErrInvalidArgument)
}

// New creates a port for the given backend.
func New(b Backend) (Port, error) {
	switch b {
	case BackendPortable:
		return NewNetPort(), nil
	case BackendNative:
		return newNativePort()
	}
	return nil, fmt.Errorf("backend %v: %w", b, api.ErrInvalidArgument)
}
