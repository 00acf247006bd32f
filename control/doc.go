// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime control layer of the connection engine:
//   - typed configuration snapshots with reload listeners (Store)
//   - Prometheus metrics (Metrics)
//   - named debug vars (DebugVars)
package control
