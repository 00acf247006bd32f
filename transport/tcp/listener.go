// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/momentics/hioload-tcp/api"
)

// ListenerConfig holds configuration for the TCP listener.
type ListenerConfig struct {
	Host      string        // bind host; empty binds every IPv4 address
	Network   string        // "tcp4" (default), "tcp6" or "tcp"
	KeepAlive time.Duration // keep-alive period for accepted sockets; 0 keeps the Go default, <0 disables
}

// Listener is a blocking acceptor implementing api.Listener.
type Listener struct {
	cfg ListenerConfig

	mu sync.Mutex
	ln net.Listener
}

var _ api.Listener = (*Listener)(nil)

// NewListener creates an idle listener; call BeginListen to open it.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Network == "" {
		cfg.Network = "tcp4"
	}
	return &Listener{cfg: cfg}
}

// BeginListen binds and listens on port. Port 0 picks an ephemeral port; see Addr.
func (l *Listener) BeginListen(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("tcp listen port %d: %w", port, api.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return fmt.Errorf("tcp listen: %w", api.ErrAlreadyExists)
	}
	lc := net.ListenConfig{KeepAlive: l.cfg.KeepAlive}
	ln, err := lc.Listen(context.Background(), l.cfg.Network, net.JoinHostPort(l.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("tcp listen failed: %w", err)
	}
	l.ln = ln
	return nil
}

// EndListen closes the listening socket. Blocked WaitAccept calls return.
func (l *Listener) EndListen() error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// WaitAccept blocks until a client connects.
func (l *Listener) WaitAccept() (net.Conn, error) {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return nil, fmt.Errorf("tcp accept: %w", net.ErrClosed)
	}
	return ln.Accept()
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Port returns the bound port, or 0 when not listening.
func (l *Listener) Port() int {
	if a, ok := l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Connect dials addr ("host:port") with a timeout.
func Connect(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp connect %s: %w", addr, err)
	}
	return conn, nil
}
