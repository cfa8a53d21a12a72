package pagestate

import (
	"iter"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Tracker answers "which blocks in this address space have ever been
// shared" in O(runs) rather than O(blocks), needed once an address
// space has millions of blocks. Grounded on
// orchestrator/internal/sandbox/block.Tracker, simplified to the one
// question vmcore's introspection helpers (IsPrivate/IsCopy over a
// large range) actually need: has this block index ever transitioned
// into a MaskMayBeShared state.
type Tracker struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{b: bitset.New(0)}
}

// MarkShared records that block index idx has been shared.
func (t *Tracker) MarkShared(idx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.Set(uint(idx))
}

// WasShared reports whether block index idx was ever marked shared.
func (t *Tracker) WasShared(idx uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.b.Test(uint(idx))
}

// AnySharedInRange reports whether any block index in [lo, hi) was
// ever marked shared.
func (t *Tracker) AnySharedInRange(lo, hi uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	next, ok := t.b.NextSet(uint(lo))
	return ok && uint64(next) < hi
}

// Indices iterates every block index ever marked shared, in order.
func (t *Tracker) Indices() iter.Seq[uint64] {
	t.mu.RLock()
	snapshot := t.b.Clone()
	t.mu.RUnlock()

	return func(yield func(uint64) bool) {
		for idx, ok := snapshot.NextSet(0); ok; idx, ok = snapshot.NextSet(idx + 1) {
			if !yield(uint64(idx)) {
				return
			}
		}
	}
}
