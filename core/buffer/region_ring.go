// File: core/buffer/region_ring.go
// Package buffer implements the region-tracking byte ring used by connections.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RegionRing is a fixed capacity circular byte buffer split into three live
// regions that follow each other around the ring:
//
//	free -> readable -> locked -> free ...
//
// Write fills free space (free -> readable). Read hands bytes to an in-flight
// operation (readable -> locked) without requiring a copy. Release returns
// confirmed bytes to the free region (locked -> free). Write never touches the
// locked region, so a locked span stays valid until it is released.

package buffer

import (
	"fmt"

	"github.com/momentics/hioload-tcp/api"
)

// RegionRing is not safe for concurrent use; callers hold their own lock.
type RegionRing struct {
	buf      []byte
	writeAt  int // first free byte
	readAt   int // first readable byte
	lockedAt int // first locked byte
	readable int
	locked   int
}

// NewRegionRing allocates a ring of the given capacity.
func NewRegionRing(capacity int) (*RegionRing, error) {
	r := &RegionRing{}
	if err := r.Reinitialize(capacity); err != nil {
		return nil, err
	}
	return r, nil
}

// Reinitialize allocates fresh backing storage and resets every cursor.
func (r *RegionRing) Reinitialize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("region ring capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	r.buf = make([]byte, capacity)
	r.Clear()
	return nil
}

// Clear drops readable and locked data. Spans previously handed out must no
// longer be in use.
func (r *RegionRing) Clear() {
	r.writeAt, r.readAt, r.lockedAt = 0, 0, 0
	r.readable, r.locked = 0, 0
}

// Cap returns the ring capacity in bytes.
func (r *RegionRing) Cap() int { return len(r.buf) }

// Readable returns the number of written bytes not yet read out.
func (r *RegionRing) Readable() int { return r.readable }

// Locked returns the number of bytes read out but not yet released.
func (r *RegionRing) Locked() int { return r.locked }

// Free returns the number of bytes Write can accept.
func (r *RegionRing) Free() int { return len(r.buf) - r.readable - r.locked }

// Write copies min(len(p), Free()) bytes into the free region and returns the
// count. A short count signals exhaustion, it is not an error.
func (r *RegionRing) Write(p []byte) int {
	n := min(len(p), r.Free())
	if n == 0 {
		return 0
	}
	head, tail := r.span(r.writeAt, n)
	copy(head, p)
	copy(tail, p[len(head):n])
	r.writeAt = r.advance(r.writeAt, n)
	r.readable += n
	return n
}

// Read moves min(count, Readable()) bytes from the readable region into the
// locked region. When dst is non-nil the bytes are also copied into it and
// count is capped to len(dst).
func (r *RegionRing) Read(dst []byte, count int) int {
	if dst != nil {
		count = min(count, len(dst))
	}
	n := min(count, r.readable)
	if n <= 0 {
		return 0
	}
	if dst != nil {
		head, tail := r.span(r.readAt, n)
		copy(dst, head)
		copy(dst[len(head):], tail)
	}
	r.readAt = r.advance(r.readAt, n)
	r.readable -= n
	r.locked += n
	return n
}

// Release returns min(count, Locked()) bytes of the locked region to free space.
func (r *RegionRing) Release(count int) int {
	n := min(count, r.locked)
	if n <= 0 {
		return 0
	}
	r.lockedAt = r.advance(r.lockedAt, n)
	r.locked -= n
	return n
}

// ReadableSpan returns the readable region as up to two slices aliasing the
// ring: the part before the wrap point and the part after it.
func (r *RegionRing) ReadableSpan() (head, tail []byte) {
	return r.span(r.readAt, r.readable)
}

// WritableSpan returns the free region as up to two slices.
func (r *RegionRing) WritableSpan() (head, tail []byte) {
	return r.span(r.writeAt, r.Free())
}

// LockedSpan returns the locked region as up to two slices.
func (r *RegionRing) LockedSpan() (head, tail []byte) {
	return r.span(r.lockedAt, r.locked)
}

func (r *RegionRing) span(at, n int) (head, tail []byte) {
	if n <= 0 {
		return nil, nil
	}
	if at+n <= len(r.buf) {
		return r.buf[at : at+n : at+n], nil
	}
	first := len(r.buf) - at
	return r.buf[at:len(r.buf):len(r.buf)], r.buf[: n-first : n-first]
}

func (r *RegionRing) advance(at, n int) int {
	at += n
	if at >= len(r.buf) {
		at -= len(r.buf)
	}
	return at
}
