// File: pool/chunkpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ChunkPool recycles fixed-size receive chunks. One sync.Pool is kept per chunk
// size; pools are created lazily with a double-checked lookup so the hot path
// only takes a read lock.

package pool

import (
	"sync"
	"sync/atomic"
)

// ChunkPool hands out and recycles byte chunks of exact sizes.
type ChunkPool struct {
	mu      sync.RWMutex
	classes map[int]*sync.Pool

	totalAlloc atomic.Int64
	totalGet   atomic.Int64
	totalPut   atomic.Int64
}

// Stats aggregates chunk allocation and reuse counters.
type Stats struct {
	TotalAlloc int64 // chunks allocated from the heap
	TotalGet   int64
	TotalPut   int64
	InUse      int64
}

// NewChunkPool creates an empty pool.
func NewChunkPool() *ChunkPool {
	return &ChunkPool{classes: make(map[int]*sync.Pool)}
}

// Get returns a chunk of exactly size bytes. Contents are unspecified.
func (p *ChunkPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.totalGet.Add(1)
	bp := p.class(size).Get().(*[]byte)
	return *bp
}

// Put recycles a chunk obtained from Get. Chunks of foreign sizes are dropped.
func (p *ChunkPool) Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	p.mu.RLock()
	sp, ok := p.classes[cap(b)]
	p.mu.RUnlock()
	if !ok {
		return
	}
	p.totalPut.Add(1)
	b = b[:cap(b)]
	sp.Put(&b)
}

// Stats returns allocation counters.
func (p *ChunkPool) Stats() Stats {
	get, put := p.totalGet.Load(), p.totalPut.Load()
	return Stats{
		TotalAlloc: p.totalAlloc.Load(),
		TotalGet:   get,
		TotalPut:   put,
		InUse:      get - put,
	}
}

func (p *ChunkPool) class(size int) *sync.Pool {
	p.mu.RLock()
	sp, ok := p.classes[size]
	p.mu.RUnlock()
	if ok {
		return sp
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := p.classes[size]; ok {
		return sp
	}
	sp = &sync.Pool{New: func() any {
		p.totalAlloc.Add(1)
		b := make([]byte, size)
		return &b
	}}
	p.classes[size] = sp
	return sp
}

var (
	defaultOnce sync.Once
	defaultPool *ChunkPool
)

// Default returns the process-wide chunk pool shared by connections that are
// not given their own.
func Default() *ChunkPool {
	defaultOnce.Do(func() {
		defaultPool = NewChunkPool()
	})
	return defaultPool
}
