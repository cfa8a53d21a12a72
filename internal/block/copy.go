package block

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/pagestate"
	"github.com/pagevm/vmcore/internal/sysmem"
)

// CopyOptions controls how Copy transplants a block, or CopyInto
// blends a sub-range of one block into another.
type CopyOptions struct {
	// Move, if true, detaches the source from its current address
	// once the destination is wired up: the source address is
	// released rather than left pointing at a shared copy.
	Move bool
	// ReadOnly requests the destination start out read-only
	// regardless of the source's current access.
	ReadOnly bool
	// Tracker records which block indices have ever been shared, for
	// O(runs) "is this range private" queries elsewhere. May be nil.
	Tracker *pagestate.Tracker
	// DestBlockIndex is the destination block's directory index,
	// passed through to Tracker.MarkShared when sharing occurs.
	DestBlockIndex uint64
}

// Copy transplants the whole of src onto a fresh Block at destAddr,
// named destName if a brand-new mapping object needs to be created.
// It shares the source's mapping object copy-on-write, or for a
// move, takes over its only live view, never copying a byte: a
// whole-block transplant can always be rewired this way, since
// nothing about sharing an entire mapping object depends on what the
// destination previously held. The returned Block is always newly
// attached at destAddr and replaces whatever the caller's directory
// entry held before; src is left mapped unless opts.Move asked for
// it to be released.
//
// A caller that only wants to transplant part of a block's bytes,
// without disturbing whatever else that block's destination already
// holds, uses CopyInto instead: Copy's contract of installing a brand
// new Block over the destination's directory entry is only correct
// when the whole block is in play.
func Copy(s sysmem.Shim, src *Block, destAddr uintptr, destName string, opts CopyOptions) (*Block, error) {
	dst, err := rewire(s, src, destAddr, opts)
	if err != nil {
		return nil, fmt.Errorf("block: copy: %w", err)
	}

	if opts.Move {
		// rewire already unmapped the source's view; only the
		// address-range reservation remains to be released.
		if err := s.Release(src.addr, src.size); err != nil {
			return dst, fmt.Errorf("block: copy: release source: %w", err)
		}
	}
	return dst, nil
}

// rewire shares or transfers the whole source block onto destAddr
// without copying any bytes.
func rewire(s sysmem.Shim, src *Block, destAddr uintptr, opts CopyOptions) (*Block, error) {
	if opts.Move {
		// Only one view of the mapping object will exist afterward,
		// at destAddr, so no duplicate is needed: the source's
		// handle is reused directly and ownership transfers to dst.
		if err := src.shim.UnmapView(src.addr, src.size); err != nil {
			return nil, fmt.Errorf("unmap source view: %w", err)
		}
		dst, err := attach(s, src.handle, destAddr, src.size, src.pageSize, src.owned, true)
		if err != nil {
			return nil, err
		}
		src.owned = false
		copyStateInto(dst.state, src.state, 0, 0, src.state.Len(), opts.ReadOnly)
		if err := applyProtection(s, dst); err != nil {
			return nil, err
		}
		return dst, nil
	}

	// dst's view must start private: it is about to read src's
	// current content, via the same mapping object, but must never
	// see (or contribute) a write made through either side afterward.
	// Scoped closes the duplicated handle if attaching the private view
	// fails, so the dup never outlives the Block it was meant to back.
	var dst *Block
	err := sysmem.Scoped(s,
		func() (sysmem.Handle, error) { return s.Duplicate(src.handle) },
		func(h sysmem.Handle) error {
			d, aerr := attachPrivate(s, h, destAddr, src.size, src.pageSize, true)
			if aerr != nil {
				return aerr
			}
			dst = d
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("share: %w", err)
	}
	// src was the mapping object's sole view until now, so it was
	// MAP_SHARED; remapping it private freezes its divergence point
	// at exactly this moment, alongside dst's.
	if err := src.remapPrivate(); err != nil {
		return nil, err
	}

	copyStateInto(dst.state, src.state, 0, 0, src.state.Len(), opts.ReadOnly)
	markShared(dst.state, src.state)
	if err := applyProtection(s, dst); err != nil {
		return nil, err
	}
	if err := applyProtection(s, src); err != nil {
		return nil, err
	}
	if opts.Tracker != nil {
		opts.Tracker.MarkShared(opts.DestBlockIndex)
	}
	return dst, nil
}

// CopyInto blends [srcOff, srcOff+size) of src into [destOff,
// destOff+size) of dst in place: it commits only the destination
// pages the range touches and byte-copies into them, leaving
// everything else dst already holds untouched. Used for a sub-block
// copy, where dst is an existing block that may have other data
// committed elsewhere in it; Copy's whole-block rewire would discard
// that data by replacing dst's directory entry outright.
//
// Runs are processed in address order, unless dst's range starts at
// a higher address than src's, in which case the order is
// reversed so that an earlier run's write can never land on a later
// run's still-unread source bytes.
func CopyInto(dst, src *Block, destOff, srcOff, size uintptr, readOnly bool) error {
	lo, hi := src.pageRange(srcOff, size)
	runs := src.state.CoalesceRuns(lo, hi)

	if dst.addr+destOff > src.addr+srcOff {
		for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
			runs[i], runs[j] = runs[j], runs[i]
		}
	}

	for _, r := range runs {
		if !r.State.IsAccessible() {
			continue
		}
		runOff := destOff + (uintptr(r.Lo)*src.pageSize - srcOff)
		runSize := uintptr(r.Hi-r.Lo) * src.pageSize

		// Commit writable first: the bytes cannot be copied into a
		// read-only page, so read-only access is applied afterward.
		if err := dst.Commit(runOff, runSize, false); err != nil {
			return fmt.Errorf("block: copy-into: commit destination run: %w", err)
		}

		srcBytes := sysmem.ByteSlice(src.addr+uintptr(r.Lo)*src.pageSize, runSize)
		dstBytes := sysmem.ByteSlice(dst.addr+runOff, runSize)
		copy(dstBytes, srcBytes)

		if readOnly {
			if err := dst.ChangeProtection(runOff, runSize, true); err != nil {
				return fmt.Errorf("block: copy-into: protect destination run: %w", err)
			}
		}
	}
	return nil
}

// copyStateInto copies the state of src's pages [srcLo, srcHi) into
// dst starting at dstLo, optionally forcing the destination read-only.
func copyStateInto(dst, src *pagestate.Vector, dstLo, srcLo, srcHi int, readOnly bool) {
	for i := srcLo; i < srcHi; i++ {
		s := src.Get(i)
		if readOnly {
			s = s.ChangeAccess(true)
		}
		dst.Set(dstLo+(i-srcLo), s)
	}
}

// markShared flips every accessible page of both vectors to its
// shared counterpart, since both now view the same mapping object.
func markShared(a, b *pagestate.Vector) {
	for _, v := range []*pagestate.Vector{a, b} {
		for i := 0; i < v.Len(); i++ {
			s := v.Get(i)
			switch s {
			case pagestate.RWMappedPrivate:
				v.Set(i, pagestate.RWMappedShared)
			case pagestate.ROMappedPrivate:
				v.Set(i, pagestate.ROMappedShared)
			}
		}
	}
}

// applyProtection walks b's state in coalesced runs and issues one
// mprotect per run so the OS's page protection matches b.state after
// a rewire changed it out from under the hardware.
func applyProtection(s sysmem.Shim, b *Block) error {
	for _, r := range b.state.CoalesceRuns(0, b.state.Len()) {
		addr := b.addr + uintptr(r.Lo)*b.pageSize
		length := uintptr(r.Hi-r.Lo) * b.pageSize
		prot, marked := protFor(r.State)
		if err := s.Protect(addr, length, prot, marked); err != nil {
			return fmt.Errorf("apply protection: %w", err)
		}
	}
	return nil
}
