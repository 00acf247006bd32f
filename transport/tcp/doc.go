// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides the listening and dialing endpoints that feed sockets
// to the connection registry.
package tcp
