package reactor_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/core/pending"
	"github.com/momentics/hioload-tcp/reactor"
)

// tcpPair returns the accepted and dialed ends of a loopback connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	t.Cleanup(func() { client.Close() })
	return server, client
}

func waitCompletion(t *testing.T, p reactor.Port) reactor.Completion {
	t.Helper()
	got := make(chan reactor.Completion, 1)
	errc := make(chan error, 1)
	go func() {
		c, err := p.Wait()
		if err != nil {
			errc <- err
			return
		}
		got <- c
	}()
	select {
	case c := <-got:
		return c
	case err := <-errc:
		t.Fatalf("wait: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion within 5s")
	}
	return reactor.Completion{}
}

func openPort(t *testing.T, b reactor.Backend) reactor.Port {
	t.Helper()
	p, err := reactor.New(b)
	if errors.Is(err, api.ErrNotSupported) {
		t.Skipf("%v backend not supported here", b)
	}
	require.NoError(t, err)
	return p
}

func TestPortRoundTrip(t *testing.T) {
	for _, b := range []reactor.Backend{reactor.BackendPortable, reactor.BackendNative} {
		t.Run(b.String(), func(t *testing.T) {
			p := openPort(t, b)
			server, client := tcpPair(t)

			h, err := p.Associate(server, "srv")
			require.NoError(t, err)

			// Receive.
			rop := pending.NewBorrowed(0, pending.Recv, make([]byte, 16))
			require.NoError(t, p.Recv(h, rop))
			_, err = client.Write([]byte("hello"))
			require.NoError(t, err)
			c := waitCompletion(t, p)
			assert.Equal(t, "srv", c.Ctx)
			require.Same(t, rop, c.Op)
			require.True(t, rop.Done())
			require.NoError(t, rop.Err())
			assert.Equal(t, "hello", string(rop.Payload()))

			// Sends reach the wire in queue order.
			words := []string{"a", "bb", "ccc"}
			for i, w := range words {
				require.NoError(t, p.Send(h, pending.NewBorrowed(uint64(i), pending.Send, []byte(w))))
			}
			for i := range words {
				c := waitCompletion(t, p)
				require.NoError(t, c.Op.Err())
				assert.Equal(t, uint64(i), c.Op.Seq)
				assert.Equal(t, len(words[i]), c.Op.N())
			}
			buf := make([]byte, 6)
			_, err = io.ReadFull(client, buf)
			require.NoError(t, err)
			assert.Equal(t, "abbccc", string(buf))

			// Posted wake-ups come back untouched.
			wake := pending.NewWake(pending.Send)
			require.NoError(t, p.Post(reactor.Completion{Ctx: "srv", Op: wake}))
			c = waitCompletion(t, p)
			assert.Same(t, wake, c.Op)

			// Orderly peer shutdown is a zero-byte receive.
			require.NoError(t, client.Close())
			eof := pending.NewBorrowed(1, pending.Recv, make([]byte, 16))
			require.NoError(t, p.Recv(h, eof))
			c = waitCompletion(t, p)
			require.Same(t, eof, c.Op)
			assert.NoError(t, eof.Err())
			assert.Equal(t, 0, eof.N())

			require.NoError(t, h.Close())
			assert.ErrorIs(t, p.Recv(h, pending.NewBorrowed(2, pending.Recv, make([]byte, 4))), api.ErrConnectionClosed)

			require.NoError(t, p.Close())
			_, err = p.Wait()
			assert.ErrorIs(t, err, api.ErrPortClosed)
		})
	}
}

func TestPortRejectsForeignHandle(t *testing.T) {
	a := reactor.NewNetPort()
	b := reactor.NewNetPort()
	defer a.Close()
	defer b.Close()

	server, _ := tcpPair(t)
	h, err := a.Associate(server, nil)
	require.NoError(t, err)
	err = b.Send(h, pending.NewBorrowed(0, pending.Send, []byte("x")))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestPortCloseFailsQueuedReceive(t *testing.T) {
	p := reactor.NewNetPort()
	defer p.Close()
	server, _ := tcpPair(t)

	h, err := p.Associate(server, 7)
	require.NoError(t, err)
	op := pending.NewBorrowed(0, pending.Recv, make([]byte, 8))
	require.NoError(t, p.Recv(h, op))
	require.NoError(t, h.Close())

	c := waitCompletion(t, p)
	assert.Same(t, op, c.Op)
	assert.Error(t, op.Err())
}
