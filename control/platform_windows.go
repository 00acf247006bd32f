//go:build windows
// +build windows

// control/platform_windows.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"runtime"
)

// RegisterPlatformVars adds host vars.
func RegisterPlatformVars(dp *DebugVars) {
	dp.RegisterVar("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterVar("platform.native_backend", func() any {
		return "iocp"
	})
}
