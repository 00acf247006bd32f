// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are
// located in affinity_linux.go, affinity_windows.go and affinity_stub.go.

package affinity

import (
	"fmt"
	"runtime"

	"github.com/momentics/hioload-tcp/api"
)

// SetAffinity pins the current OS thread to a logical CPU. The caller must
// hold the thread with runtime.LockOSThread for the pin to be meaningful.
func SetAffinity(cpuID int) error {
	if cpuID < 0 || cpuID >= runtime.NumCPU() {
		return fmt.Errorf("affinity: cpu %d of %d: %w", cpuID, runtime.NumCPU(), api.ErrInvalidArgument)
	}
	return setAffinityPlatform(cpuID)
}

// PinWorker locks the calling goroutine to its OS thread and pins that thread
// to CPU worker mod NumCPU. It returns the chosen CPU. The thread stays locked
// even if pinning fails.
func PinWorker(worker int) (int, error) {
	runtime.LockOSThread()
	cpu := worker % runtime.NumCPU()
	return cpu, SetAffinity(cpu)
}
