// File: core/pending/ledger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ledger is the ordered registry of outstanding operations for one direction
// of one connection. Entries are kept sorted by sequence number, so the oldest
// entry is always at the front and iteration is ascending.

package pending

import "sort"

// Ledger is not safe for concurrent use; the owning connection serializes access.
type Ledger struct {
	dir Direction
	ops []*Operation
}

// NewLedger creates an empty ledger for one direction.
func NewLedger(dir Direction) *Ledger {
	return &Ledger{dir: dir}
}

// Direction returns the direction this ledger tracks.
func (l *Ledger) Direction() Direction { return l.dir }

// Add registers op under op.Seq. It fails if the sequence number is already
// outstanding, or if op is a wake operation.
func (l *Ledger) Add(op *Operation) bool {
	if op == nil || op.wake {
		return false
	}
	i, found := l.search(op.Seq)
	if found {
		return false
	}
	if i == len(l.ops) {
		l.ops = append(l.ops, op)
		return true
	}
	l.ops = append(l.ops, nil)
	copy(l.ops[i+1:], l.ops[i:])
	l.ops[i] = op
	return true
}

// PeekOldest returns the entry with the lowest sequence number.
func (l *Ledger) PeekOldest() (*Operation, bool) {
	if len(l.ops) == 0 {
		return nil, false
	}
	return l.ops[0], true
}

// Peek returns the entry registered under seq.
func (l *Ledger) Peek(seq uint64) (*Operation, bool) {
	i, found := l.search(seq)
	if !found {
		return nil, false
	}
	return l.ops[i], true
}

// RemoveOldest removes and returns the entry with the lowest sequence number.
func (l *Ledger) RemoveOldest() (*Operation, bool) {
	if len(l.ops) == 0 {
		return nil, false
	}
	return l.removeAt(0), true
}

// Remove removes and returns the entry registered under seq.
func (l *Ledger) Remove(seq uint64) (*Operation, bool) {
	i, found := l.search(seq)
	if !found {
		return nil, false
	}
	return l.removeAt(i), true
}

// Count returns the number of outstanding entries.
func (l *Ledger) Count() int { return len(l.ops) }

// Ascend calls fn for each entry in ascending sequence order until fn returns false.
func (l *Ledger) Ascend(fn func(op *Operation) bool) {
	for _, op := range l.ops {
		if !fn(op) {
			return
		}
	}
}

// ContiguousCompleted counts the completed entries at the front of the ledger:
// the lowest sequence number and every consecutive successor that is already
// done. Only this prefix can be retired in order.
func (l *Ledger) ContiguousCompleted() int {
	count := 0
	var next uint64
	l.Ascend(func(op *Operation) bool {
		if count > 0 && op.Seq != next {
			return false
		}
		if !op.Done() {
			return false
		}
		count++
		next = op.Seq + 1
		return true
	})
	return count
}

// Drain removes every entry and returns them in ascending order.
func (l *Ledger) Drain() []*Operation {
	out := l.ops
	l.ops = nil
	return out
}

func (l *Ledger) search(seq uint64) (int, bool) {
	i := sort.Search(len(l.ops), func(i int) bool { return l.ops[i].Seq >= seq })
	return i, i < len(l.ops) && l.ops[i].Seq == seq
}

func (l *Ledger) removeAt(i int) *Operation {
	op := l.ops[i]
	copy(l.ops[i:], l.ops[i+1:])
	l.ops[len(l.ops)-1] = nil
	l.ops = l.ops[:len(l.ops)-1]
	return op
}
