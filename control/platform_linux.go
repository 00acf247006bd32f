//go:build linux
// +build linux

// control/platform_linux.go
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
		return "epoll"
	})
}
