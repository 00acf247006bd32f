//go:build !linux && !windows
// +build !linux,!windows

// File: reactor/native_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub native backend for unsupported platforms.

package reactor

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-tcp/api"
)

func newNativePort() (Port, error) {
	return nil, fmt.Errorf("reactor: native backend on %s: %w", runtime.GOOS, api.ErrNotSupported)
}
