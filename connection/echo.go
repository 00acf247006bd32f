// File: connection/echo.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package connection

import (
	"sync/atomic"

	"github.com/momentics/hioload-tcp/api"
)

// Echo is a sink that sends every received byte back to the peer. A span is
// accepted only when it fits the send ring whole; otherwise the sink refuses
// it and resumes the receive pump once a send completes. The send ring must
// be at least as large as the receive ring.
type Echo struct {
	s       api.Sender
	blocked atomic.Bool
	echoed  atomic.Int64
}

// NewEcho creates an unattached echo sink.
func NewEcho() *Echo { return &Echo{} }

// Attach implements api.Attacher.
func (e *Echo) Attach(s api.Sender) { e.s = s }

// OnReceive implements api.FrameSink.
func (e *Echo) OnReceive(p []byte) bool {
	e.blocked.Store(true)
	if e.s.SendFree() < len(p) {
		return false
	}
	e.blocked.Store(false)
	n, _ := e.s.Send(p)
	e.echoed.Add(int64(n))
	return true
}

// OnSend implements api.SendObserver.
func (e *Echo) OnSend([]byte) {
	if e.blocked.CompareAndSwap(true, false) {
		_ = e.s.Resume()
	}
}

// Echoed returns the number of bytes queued back to the peer.
func (e *Echo) Echoed() int64 { return e.echoed.Load() }
