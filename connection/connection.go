// File: connection/connection.go
// Package connection implements the full duplex state of one registered socket
// and the send and receive pumps that drive it from completions.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each direction has a state mutex guarding its ring and ledger, and an issue
// mutex serializing hand-off of planned operations to the port. A pump plans
// under the state mutex, takes the issue mutex before releasing the state
// mutex, and issues outside of it, so operations reach the port in sequence
// order without holding state locks across port calls.
//
// Lock order is receive before send. Sinks may call Send and Resume from
// OnReceive, but must not call Close.

package connection

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/buffer"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

var lastID atomic.Uint64

var _ api.Sender = (*Connection)(nil)

// Connection is one socket bound to a completion port.
type Connection struct {
	id       uint64
	port     reactor.Port
	handle   reactor.Handle
	sink     api.FrameSink
	observer api.SendObserver
	opts     Options
	chunks   *pool.ChunkPool
	log      zerolog.Logger
	onPause  func()
	remote   atomic.Pointer[net.Addr]

	closed atomic.Bool

	sendMu      sync.Mutex
	sendIssue   sync.Mutex
	sendBuf     *buffer.RegionRing
	sendLedger  *pending.Ledger
	sendSeq     uint64
	kickPending bool
	sendErr     error

	recvMu     sync.Mutex
	recvIssue  sync.Mutex
	recvBuf    *buffer.RegionRing
	recvLedger *pending.Ledger
	recvSeq    uint64
	paused     bool
	peerClosed bool
	recvWake   atomic.Bool

	stats counters
}

type counters struct {
	bytesQueued    atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	bytesDelivered atomic.Int64
	sendsIssued    atomic.Int64
	recvsIssued    atomic.Int64
	pauses         atomic.Int64
}

// Stats is a point-in-time view of a connection's counters.
type Stats struct {
	ID             uint64 `json:"id"`
	Remote         string `json:"remote,omitempty"`
	BytesQueued    int64  `json:"bytes_queued"`
	BytesSent      int64  `json:"bytes_sent"`
	BytesReceived  int64  `json:"bytes_received"`
	BytesDelivered int64  `json:"bytes_delivered"`
	SendsIssued    int64  `json:"sends_issued"`
	RecvsIssued    int64  `json:"recvs_issued"`
	Pauses         int64  `json:"pauses"`
	Closed         bool   `json:"closed"`
}

// New allocates the rings and ledgers of a connection. sink may be nil, in
// which case received bytes are discarded. The connection is not bound to a
// socket until Bind.
func New(port reactor.Port, sink api.FrameSink, opts Options, options ...Option) (*Connection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	sendBuf, err := buffer.NewRegionRing(opts.SendBufferCapacity)
	if err != nil {
		return nil, err
	}
	recvBuf, err := buffer.NewRegionRing(opts.RecvBufferCapacity)
	if err != nil {
		return nil, err
	}
	c := &Connection{
		id:         lastID.Add(1),
		port:       port,
		sink:       sink,
		opts:       opts,
		chunks:     pool.Default(),
		log:        zerolog.Nop(),
		sendBuf:    sendBuf,
		sendLedger: pending.NewLedger(pending.Send),
		recvBuf:    recvBuf,
		recvLedger: pending.NewLedger(pending.Recv),
	}
	if _, ok := sink.(*Echo); ok && opts.SendBufferCapacity < opts.RecvBufferCapacity {
		return nil, fmt.Errorf("echo sink: send capacity %d below receive capacity %d: %w",
			opts.SendBufferCapacity, opts.RecvBufferCapacity, api.ErrInvalidArgument)
	}
	if obs, ok := sink.(api.SendObserver); ok {
		c.observer = obs
	}
	for _, o := range options {
		o(c)
	}
	c.log = c.log.With().Uint64("conn", c.id).Logger()
	if a, ok := sink.(api.Attacher); ok {
		a.Attach(c)
	}
	return c, nil
}

// Bind associates conn with the port. Completions for this connection carry
// the connection itself as context. Bind fails on a closed connection, so a
// concurrent Close either sees the handle or prevents it.
func (c *Connection) Bind(conn net.Conn) error {
	if conn != nil {
		addr := conn.RemoteAddr()
		c.remote.Store(&addr)
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return api.ErrConnectionClosed
	}
	h, err := c.port.Associate(conn, c)
	if err != nil {
		return err
	}
	c.handle = h
	c.log.Debug().Stringer("remote", c.RemoteAddr()).Msg("bound")
	return nil
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer address captured at Bind.
func (c *Connection) RemoteAddr() net.Addr {
	if p := c.remote.Load(); p != nil {
		return *p
	}
	return nil
}

// Sink returns the frame sink given to New.
func (c *Connection) Sink() api.FrameSink { return c.sink }

// Options returns the registration options.
func (c *Connection) Options() Options { return c.opts }

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Close tears the connection down: both ledgers are invalidated, completed
// receive chunks go back to the pool and the handle is closed. Chunks of
// operations still in flight are left to the garbage collector since the
// port may still write into them. Completions that arrive later are ignored.
func (c *Connection) Close() error {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, op := range c.recvLedger.Drain() {
		if op.Done() {
			op.Free()
		}
	}
	c.sendLedger.Drain()
	var err error
	if c.handle != nil {
		err = c.handle.Close()
	}
	c.log.Debug().Err(err).Msg("closed")
	return err
}

// Stats returns the connection counters without taking pump locks.
func (c *Connection) Stats() Stats {
	s := Stats{
		ID:             c.id,
		BytesQueued:    c.stats.bytesQueued.Load(),
		BytesSent:      c.stats.bytesSent.Load(),
		BytesReceived:  c.stats.bytesReceived.Load(),
		BytesDelivered: c.stats.bytesDelivered.Load(),
		SendsIssued:    c.stats.sendsIssued.Load(),
		RecvsIssued:    c.stats.recvsIssued.Load(),
		Pauses:         c.stats.pauses.Load(),
		Closed:         c.closed.Load(),
	}
	if addr := c.RemoteAddr(); addr != nil {
		s.Remote = addr.String()
	}
	return s
}

// lateCompletion handles a completion delivered after Close.
func lateCompletion(op *pending.Operation) error {
	if !op.IsWake() && op.Done() {
		op.Free()
	}
	return api.ErrConnectionClosed
}
