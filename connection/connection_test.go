package connection_test

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/connection"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/fake"
	"github.com/momentics/hioload-tcp/pool"
	"github.com/momentics/hioload-tcp/reactor"
)

type recorder struct {
	mu     sync.Mutex
	got    []byte
	sent   []byte
	calls  int
	refuse bool
}

func (r *recorder) OnReceive(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse {
		return false
	}
	r.calls++
	r.got = append(r.got, p...)
	return true
}

func (r *recorder) OnSend(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p...)
}

func (r *recorder) setRefuse(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refuse = v
}

func (r *recorder) received() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.got...)
}

func seq(from, to int) []byte {
	out := make([]byte, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, byte(i))
	}
	return out
}

func dispatch(comp reactor.Completion) error {
	c := comp.Ctx.(*connection.Connection)
	if comp.Op.Dir == pending.Send {
		return c.OnSendComplete(comp.Op)
	}
	return c.OnReceiveComplete(comp.Op)
}

// dispatchNext runs the pump for exactly one queued completion.
func dispatchNext(t *testing.T, port *fake.Port) error {
	t.Helper()
	comp, ok := port.Next()
	require.True(t, ok, "expected a queued completion")
	return dispatch(comp)
}

// drain dispatches every queued completion and fails on any error.
func drain(t *testing.T, port *fake.Port) {
	t.Helper()
	for {
		comp, ok := port.Next()
		if !ok {
			return
		}
		require.NoError(t, dispatch(comp))
	}
}

func open(t *testing.T, port *fake.Port, sink api.FrameSink, opts connection.Options, o ...connection.Option) *connection.Connection {
	t.Helper()
	c, err := connection.New(port, sink, opts, o...)
	require.NoError(t, err)
	require.NoError(t, c.Bind(nil))
	require.NoError(t, c.Start())
	return c
}

func smallOptions() connection.Options {
	return connection.Options{
		SendBufferCapacity: 16,
		RecvBufferCapacity: 16,
		RecvChunkSize:      8,
		RecvPipelineDepth:  1,
	}
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, connection.DefaultOptions().Validate())

	bad := smallOptions()
	bad.RecvChunkSize = bad.RecvBufferCapacity
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	bad = smallOptions()
	bad.SendBufferCapacity = 0
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	bad = smallOptions()
	bad.RecvPipelineDepth = -1
	assert.ErrorIs(t, bad.Validate(), api.ErrInvalidArgument)

	_, err := connection.New(fake.NewPort(), nil, bad)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestSendRetiresInOrderDespiteReorderedCompletions(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{}
	c := open(t, port, sink, smallOptions())

	n, err := c.Send(seq(0, 12))
	require.NoError(t, err)
	require.Equal(t, 12, n)
	require.Empty(t, port.PendingSends(), "nothing is issued from the caller")

	require.NoError(t, dispatchNext(t, port)) // wake-up
	require.Len(t, port.PendingSends(), 1)
	port.CompleteSend(0)
	require.NoError(t, dispatchNext(t, port))

	// 12..16 then 0..6 across the wrap: two sends.
	n, err = c.Send(seq(12, 22))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.NoError(t, dispatchNext(t, port))
	sends := port.PendingSends()
	require.Len(t, sends, 2)
	assert.Len(t, sends[0].Buf, 4)
	assert.Len(t, sends[1].Buf, 6)

	port.CompleteSend(1)
	require.NoError(t, dispatchNext(t, port))
	assert.Equal(t, int64(12), c.Stats().BytesSent, "later send cannot retire first")

	port.CompleteSend(0)
	require.NoError(t, dispatchNext(t, port))
	assert.Equal(t, int64(22), c.Stats().BytesSent)
	assert.Equal(t, seq(0, 22), sink.sent)
	assert.Equal(t, seq(0, 22), port.Wire())
}

func TestSendReportsBufferFull(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())

	n, err := c.Send(seq(0, 20))
	assert.ErrorIs(t, err, api.ErrBufferFull)
	assert.Equal(t, 16, n)
	assert.False(t, api.IsFatal(err))

	n, err = c.Send([]byte{1})
	assert.ErrorIs(t, err, api.ErrBufferFull)
	assert.Equal(t, 0, n)

	drain(t, port)
	port.CompleteSend(0)
	drain(t, port)
	n, err = c.Send(seq(16, 20))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestSendStreamSurvivesRandomCompletionOrder(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{}
	c := open(t, port, sink, smallOptions())

	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 700)
	rng.Read(data)

	off := 0
	for off < len(data) || len(port.PendingSends()) > 0 {
		if off < len(data) {
			end := min(off+1+rng.Intn(20), len(data))
			n, err := c.Send(data[off:end])
			if err != nil {
				require.ErrorIs(t, err, api.ErrBufferFull)
			}
			off += n
		}
		drain(t, port)
		if ps := port.PendingSends(); len(ps) > 0 {
			port.CompleteSend(rng.Intn(len(ps)))
		}
		drain(t, port)
	}
	assert.Equal(t, data, port.Wire())
	assert.Equal(t, data, sink.sent, "confirmed spans were not overwritten before release")
}

func TestSendIssueFailureIsFatal(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())
	port.SetSendError(errors.New("wsasend failed"))

	_, err := c.Send([]byte("abc"))
	require.NoError(t, err)
	err = dispatchNext(t, port)
	require.ErrorIs(t, err, api.ErrIssueFailure)
	assert.True(t, api.IsFatal(err))

	_, err = c.Send([]byte("d"))
	assert.ErrorIs(t, err, api.ErrIssueFailure)
}

func TestIssueFailureCarriesOperationContext(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())
	cause := errors.New("wsasend failed")
	port.SetSendError(cause)

	_, err := c.Send([]byte("abc"))
	require.NoError(t, err)
	err = dispatchNext(t, port)

	var se *api.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, api.ErrCodeIssueFailure, se.Code)
	assert.Equal(t, uint64(0), se.Context["seq"])
	assert.Equal(t, "send", se.Context["direction"])
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, api.ErrCodeIssueFailure, api.CodeOf(err))
}

func TestSendEmptyIsNoop(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())

	n, err := c.Send(nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.Send([]byte{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok := port.Next()
	assert.False(t, ok, "no wake-up for an empty send")
	assert.Empty(t, port.PendingSends())
	assert.Equal(t, int64(0), c.Stats().BytesQueued)
}

func TestSendCompletionErrorIsFatal(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())
	_, err := c.Send([]byte("abc"))
	require.NoError(t, err)
	drain(t, port)

	port.FailSend(0, errors.New("connection reset"))
	err = dispatchNext(t, port)
	require.ErrorIs(t, err, api.ErrCompletionFailure)
	assert.True(t, api.IsFatal(err))
}

func TestReceiveReassemblesOutOfOrderCompletions(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{}
	opts := connection.Options{
		SendBufferCapacity: 16,
		RecvBufferCapacity: 64,
		RecvChunkSize:      8,
		RecvPipelineDepth:  3,
	}
	open(t, port, sink, opts)
	recvs := port.PendingRecvs()
	require.Len(t, recvs, 3)
	for i, op := range recvs {
		assert.Equal(t, uint64(i), op.Seq)
	}

	port.DeliverRecv(1, []byte("BBBB"))
	require.NoError(t, dispatchNext(t, port))
	port.DeliverRecv(1, []byte("CC")) // seq 2
	require.NoError(t, dispatchNext(t, port))
	assert.Zero(t, sink.calls, "no delivery before the lowest sequence completes")
	assert.Empty(t, port.PendingRecvs()[1:])

	port.DeliverRecv(0, []byte("AAAAAAA"))
	require.NoError(t, dispatchNext(t, port))
	assert.Equal(t, "AAAAAAABBBBCC", string(sink.received()))
	assert.Len(t, port.PendingRecvs(), 3, "pipeline refilled")
}

func TestReceiveBackpressurePausesWithoutLoss(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{refuse: true}
	c := open(t, port, sink, smallOptions())

	port.DeliverRecv(0, seq(0, 8))
	require.NoError(t, dispatchNext(t, port))
	require.Len(t, port.PendingRecvs(), 1, "room for one more chunk")

	port.DeliverRecv(0, seq(8, 16))
	err := dispatchNext(t, port)
	require.ErrorIs(t, err, api.ErrCapacityExceeded)
	assert.False(t, api.IsFatal(err))
	assert.True(t, c.Paused())
	assert.Empty(t, port.PendingRecvs(), "no receive admitted while the ring is full")
	assert.Equal(t, int64(1), c.Stats().Pauses)

	sink.setRefuse(false)
	require.NoError(t, c.Resume())
	require.NoError(t, c.Resume(), "second resume coalesces")
	require.NoError(t, dispatchNext(t, port))
	_, ok := port.Next()
	assert.False(t, ok)

	assert.Equal(t, seq(0, 16), sink.received())
	assert.False(t, c.Paused())
	assert.Len(t, port.PendingRecvs(), 1)
}

func TestPauseCountsTransitionsOnly(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{refuse: true}
	hooks := 0
	c := open(t, port, sink, smallOptions(), connection.WithPauseHook(func() { hooks++ }))

	port.DeliverRecv(0, seq(0, 8))
	require.NoError(t, dispatchNext(t, port))
	port.DeliverRecv(0, seq(8, 16))
	require.ErrorIs(t, dispatchNext(t, port), api.ErrCapacityExceeded)

	// Wake-ups that make no progress keep the pump paused without recounting.
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Resume())
		require.ErrorIs(t, dispatchNext(t, port), api.ErrCapacityExceeded)
		assert.True(t, c.Paused())
	}
	assert.Equal(t, int64(1), c.Stats().Pauses)
	assert.Equal(t, 1, hooks)

	sink.setRefuse(false)
	require.NoError(t, c.Resume())
	require.NoError(t, dispatchNext(t, port))
	assert.False(t, c.Paused())
	assert.Equal(t, seq(0, 16), sink.received())

	// A second stall is a second transition.
	sink.setRefuse(true)
	port.DeliverRecv(0, seq(0, 8))
	require.NoError(t, dispatchNext(t, port))
	port.DeliverRecv(0, seq(8, 16))
	require.ErrorIs(t, dispatchNext(t, port), api.ErrCapacityExceeded)
	assert.Equal(t, int64(2), c.Stats().Pauses)
	assert.Equal(t, 2, hooks)
}

func TestReceivePeerClose(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{}
	open(t, port, sink, smallOptions())

	port.DeliverRecv(0, []byte("hi"))
	require.NoError(t, dispatchNext(t, port))
	port.CloseRecv(0)
	err := dispatchNext(t, port)
	require.ErrorIs(t, err, api.ErrPeerClosed)
	assert.False(t, api.IsFatal(err))
	assert.True(t, api.IsTerminal(err))
	assert.Equal(t, "hi", string(sink.received()))
}

func TestReceivePeerCloseWaitsForBufferedData(t *testing.T) {
	port := fake.NewPort()
	sink := &recorder{refuse: true}
	c := open(t, port, sink, smallOptions())

	port.DeliverRecv(0, []byte("tail"))
	require.NoError(t, dispatchNext(t, port))
	port.CloseRecv(0)
	require.ErrorIs(t, dispatchNext(t, port), api.ErrCapacityExceeded)

	sink.setRefuse(false)
	require.NoError(t, c.Resume())
	require.ErrorIs(t, dispatchNext(t, port), api.ErrPeerClosed)
	assert.Equal(t, "tail", string(sink.received()))
}

func TestReceiveWithoutSinkDiscards(t *testing.T) {
	port := fake.NewPort()
	c := open(t, port, nil, smallOptions())

	for i := 0; i < 5; i++ {
		port.DeliverRecv(0, seq(0, 8))
		require.NoError(t, dispatchNext(t, port))
	}
	st := c.Stats()
	assert.Equal(t, int64(40), st.BytesReceived)
	assert.Equal(t, int64(40), st.BytesDelivered)
	assert.Len(t, port.PendingRecvs(), 1)
}

func TestReceiveCompletionErrorIsFatal(t *testing.T) {
	port := fake.NewPort()
	open(t, port, &recorder{}, smallOptions())

	port.FailRecv(0, errors.New("connection reset by peer"))
	err := dispatchNext(t, port)
	require.ErrorIs(t, err, api.ErrCompletionFailure)
	assert.True(t, api.IsFatal(err))
}

func TestStartFailsWhenReceiveCannotBeIssued(t *testing.T) {
	port := fake.NewPort()
	port.SetRecvError(errors.New("wsarecv failed"))
	c, err := connection.New(port, nil, smallOptions())
	require.NoError(t, err)
	require.NoError(t, c.Bind(nil))
	assert.ErrorIs(t, c.Start(), api.ErrIssueFailure)
}

func TestCloseIgnoresLateCompletions(t *testing.T) {
	port := fake.NewPort()
	chunks := pool.NewChunkPool()
	sink := &recorder{}
	c := open(t, port, sink, smallOptions(), connection.WithChunkPool(chunks))

	_, err := c.Send([]byte("x"))
	require.NoError(t, err)
	drain(t, port)
	require.Len(t, port.PendingSends(), 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())

	port.CompleteSend(0)
	assert.ErrorIs(t, dispatchNext(t, port), api.ErrConnectionClosed)
	port.DeliverRecv(0, []byte("late"))
	assert.ErrorIs(t, dispatchNext(t, port), api.ErrConnectionClosed)
	assert.Empty(t, sink.received())
	assert.Equal(t, int64(1), chunks.Stats().TotalPut, "late chunk returned to its pool")

	_, err = c.Send([]byte("y"))
	assert.ErrorIs(t, err, api.ErrConnectionClosed)
	assert.ErrorIs(t, c.Resume(), api.ErrConnectionClosed)
}

func TestBindCapturesRemoteAndRefusesClosed(t *testing.T) {
	port := fake.NewPort()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c, err := connection.New(port, nil, smallOptions())
	require.NoError(t, err)
	require.NoError(t, c.Bind(a))
	assert.Equal(t, a.RemoteAddr(), c.RemoteAddr())
	assert.Equal(t, a.RemoteAddr().String(), c.Stats().Remote)

	closed, err := connection.New(port, nil, smallOptions())
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	assert.ErrorIs(t, closed.Bind(b), api.ErrConnectionClosed)
}

func TestEchoRejectsSendRingSmallerThanReceiveRing(t *testing.T) {
	opts := smallOptions()
	opts.SendBufferCapacity = opts.RecvBufferCapacity - 1
	_, err := connection.New(fake.NewPort(), connection.NewEcho(), opts)
	require.ErrorIs(t, err, api.ErrInvalidArgument)

	opts.SendBufferCapacity = opts.RecvBufferCapacity
	_, err = connection.New(fake.NewPort(), connection.NewEcho(), opts)
	require.NoError(t, err)
}

func TestEchoWaitsForSendRoom(t *testing.T) {
	port := fake.NewPort()
	echo := connection.NewEcho()
	c := open(t, port, echo, smallOptions())

	port.DeliverRecv(0, seq(0, 8))
	drain(t, port)
	require.Len(t, port.PendingSends(), 1)

	// Queued behind the outstanding send.
	port.DeliverRecv(0, seq(8, 16))
	drain(t, port)
	assert.Equal(t, int64(16), echo.Echoed())
	assert.Equal(t, 0, c.SendFree())

	// No room: the sink refuses and the bytes stay buffered.
	port.DeliverRecv(0, seq(16, 20))
	drain(t, port)
	assert.Equal(t, int64(16), echo.Echoed())

	// The confirmed send resumes the receive pump, which echoes the rest.
	port.CompleteSend(0)
	drain(t, port)
	assert.Equal(t, int64(20), echo.Echoed())

	for len(port.PendingSends()) > 0 {
		port.CompleteSend(0)
		drain(t, port)
	}
	assert.Equal(t, seq(0, 20), port.Wire())
}
