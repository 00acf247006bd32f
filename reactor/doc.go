// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the completion port abstraction and its backends:
// a portable port driven by the Go netpoller, a native epoll proactor on Linux,
// and an IOCP-backed completion queue on Windows.
package reactor
