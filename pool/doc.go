// Package pool
// Author: momentics <momentics@gmail.com>
//
// Chunk recycling for receive operations that own their memory.
// See chunkpool.go.
package pool
