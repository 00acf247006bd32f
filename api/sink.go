// File: api/sink.go
// Package api defines the consumer side of a connection's byte stream.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// FrameSink consumes reassembled received bytes in network order.
//
// OnReceive is called zero or more times per receive pump cycle, each time with
// one contiguous span. The span aliases connection memory and must not be
// retained after the call returns. Returning false leaves the span (and
// everything after it) buffered; delivery is retried on the next cycle.
type FrameSink interface {
	OnReceive(p []byte) bool
}

// SendObserver is an optional FrameSink capability. OnSend is called with every
// span whose transmission has been confirmed, right before its memory is reused.
type SendObserver interface {
	OnSend(p []byte)
}

// CloseObserver is an optional FrameSink capability invoked once when the
// connection leaves the registry. err is nil for a local close,
// ErrPeerClosed for an orderly remote shutdown, or the fatal cause.
type CloseObserver interface {
	OnClose(err error)
}

// SinkFunc adapts a plain function to FrameSink.
type SinkFunc func(p []byte) bool

// OnReceive implements FrameSink.
func (f SinkFunc) OnReceive(p []byte) bool { return f(p) }

// Sender is the write side of a connection as seen by its sink.
type Sender interface {
	// Send queues bytes for transmission; see connection.Connection.Send.
	Send(p []byte) (int, error)
	// SendFree returns the free space of the send ring.
	SendFree() int
	// Resume restarts a receive pump paused by backpressure.
	Resume() error
}

// Attacher is an optional FrameSink capability. Attach is called once with the
// owning connection before its first receive is issued.
type Attacher interface {
	Attach(s Sender)
}
