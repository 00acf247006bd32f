//go:build !linux && !windows
// +build !linux,!windows

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformVars adds host vars.
func RegisterPlatformVars(dp *DebugVars) {
	dp.RegisterVar("platform.cpus", func() any {
		return runtime.NumCPU()
	})
}
