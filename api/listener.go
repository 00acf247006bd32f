// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// Listener accepts raw TCP sockets that are then handed to the registry.
type Listener interface {
	BeginListen(port int) error
	EndListen() error
	// WaitAccept blocks until a socket is accepted or the listener ends.
	WaitAccept() (net.Conn, error)
}
