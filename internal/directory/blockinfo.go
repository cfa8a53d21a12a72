// Package directory implements the block directory: a sparse map from
// block index to the mapping object backing that block, mutated only
// through atomic compare-and-swap so that readers never need a lock to
// find out whether a block is free, reserved, or committed.
package directory

import (
	"sync/atomic"

	"github.com/pagevm/vmcore/internal/sysmem"
)

// Mapping words. A BlockInfo's word is one of:
//
//	wordFree     (0)  no reservation has ever touched this block.
//	wordReserved (-1) reserved but not yet backed by a mapping object.
//	>= fdBias          a real handle; word - fdBias is the handle's fd.
const (
	wordFree     int64 = 0
	wordReserved int64 = -1
	fdBias       int64 = 2
)

func encodeFD(fd int) int64 { return int64(fd) + fdBias }
func decodeFD(word int64) int { return int(word - fdBias) }

// BlockInfo is one block's atomically-mutated mapping word. It carries
// no mutex: every transition is a single CompareAndSwap, and a reader
// that loses a race simply retries against the new value.
type BlockInfo struct {
	word int64
}

// Load returns the current mapping word.
func (b *BlockInfo) Load() int64 { return atomic.LoadInt64(&b.word) }

// CompareAndSwap attempts old -> new, reporting whether it won.
func (b *BlockInfo) CompareAndSwap(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&b.word, old, new)
}

// Swap unconditionally installs new and returns the word it replaced.
func (b *BlockInfo) Swap(new int64) int64 {
	return atomic.SwapInt64(&b.word, new)
}

// IsFree reports whether the block has never been reserved.
func (b *BlockInfo) IsFree() bool { return b.Load() == wordFree }

// IsReserved reports whether the block is reserved but not yet
// carrying a mapping object.
func (b *BlockInfo) IsReserved() bool { return b.Load() == wordReserved }

// Handle returns the mapping object this block is backed by, if any.
func (b *BlockInfo) Handle() (sysmem.Handle, bool) {
	w := b.Load()
	if w < fdBias {
		return sysmem.Handle{}, false
	}
	return sysmem.HandleFromFD(decodeFD(w)), true
}

// MarkReserved transitions a free block to reserved. It fails if the
// block is no longer free.
func (b *BlockInfo) MarkReserved() bool {
	return b.CompareAndSwap(wordFree, wordReserved)
}

// MarkFree transitions a reserved (not yet committed) block back to
// free.
func (b *BlockInfo) MarkFree() bool {
	return b.CompareAndSwap(wordReserved, wordFree)
}

// Install attaches h to a reserved block, making it committed. It
// fails if the block was not in the reserved state.
func (b *BlockInfo) Install(h sysmem.Handle) bool {
	return b.CompareAndSwap(wordReserved, encodeFD(h.FD()))
}

// Clear releases a committed block back to reserved, returning the
// handle it held so the caller can close it.
func (b *BlockInfo) Clear() (sysmem.Handle, bool) {
	for {
		w := b.Load()
		if w < fdBias {
			return sysmem.Handle{}, false
		}
		if b.CompareAndSwap(w, wordReserved) {
			return sysmem.HandleFromFD(decodeFD(w)), true
		}
	}
}
