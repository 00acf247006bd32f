// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named debug vars for runtime inspection.

package control

import "sync"

// DebugVars holds registered var functions.
type DebugVars struct {
	mu   sync.RWMutex
	vars map[string]func() any
}

// NewDebugVars creates a var registry.
func NewDebugVars() *DebugVars {
	return &DebugVars{
		vars: make(map[string]func() any),
	}
}

// RegisterVar inserts or replaces a named var.
func (dp *DebugVars) RegisterVar(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.vars[name] = fn
}

// DumpState evaluates every var. Vars are evaluated outside the registry lock.
func (dp *DebugVars) DumpState() map[string]any {
	dp.mu.RLock()
	vars := make(map[string]func() any, len(dp.vars))
	for k, fn := range dp.vars {
		vars[k] = fn
	}
	dp.mu.RUnlock()

	out := make(map[string]any, len(vars))
	for k, fn := range vars {
		out[k] = fn()
	}
	return out
}
