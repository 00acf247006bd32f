package tcp_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/transport/tcp"
)

func TestListenerAcceptsAndEnds(t *testing.T) {
	l := tcp.NewListener(tcp.ListenerConfig{Host: "127.0.0.1"})
	require.NoError(t, l.BeginListen(0))
	require.ErrorIs(t, l.BeginListen(0), api.ErrAlreadyExists)
	port := l.Port()
	require.NotZero(t, port)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.WaitAccept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	client, err := tcp.Connect(context.Background(), fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	require.NotNil(t, server)
	defer server.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, l.EndListen())
	require.NoError(t, l.EndListen())
	assert.Nil(t, l.Addr())
	_, err = l.WaitAccept()
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestEndListenUnblocksWaitAccept(t *testing.T) {
	l := tcp.NewListener(tcp.ListenerConfig{Host: "127.0.0.1"})
	require.NoError(t, l.BeginListen(0))

	errc := make(chan error, 1)
	go func() {
		_, err := l.WaitAccept()
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.EndListen())

	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitAccept did not return")
	}
}

func TestBeginListenRejectsBadPort(t *testing.T) {
	l := tcp.NewListener(tcp.ListenerConfig{})
	assert.ErrorIs(t, l.BeginListen(70000), api.ErrInvalidArgument)
}
