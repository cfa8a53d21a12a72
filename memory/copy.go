package memory

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/addrspace"
	"github.com/pagevm/vmcore/internal/sysmem"
)

// Copy transplants size bytes from src onto dst, sharing the
// underlying storage copy-on-write wherever the block-level machinery
// allows it and falling back to a physical byte copy otherwise. If
// dst is zero a fresh destination is reserved first; a nonzero dst is
// never reserved here, with or without FlagAllocate. flags accepts
// ReadOnly, FlagDecommit, FlagRelease, FlagAllocate, Exactly.
//
// FlagRelease implies FlagDecommit: the source range is torn down once
// the destination is wired up, matching Move semantics at the block
// layer. A source block the copy covers entirely has its reservation
// released; a source block covered only in part has the copied pages
// decommitted and keeps its reservation. FlagDecommit without
// FlagRelease only frees the source's storage, leaving its reservation
// live.
func Copy(dst, src, size uintptr, flags Flags) (uintptr, error) {
	f, err := facade()
	if err != nil {
		return 0, err
	}
	if !flags.allowed(ReadOnly | FlagDecommit | FlagRelease | FlagAllocate | Exactly) {
		return 0, fmt.Errorf("%w: copy", sysmem.ErrInvFlag)
	}

	blockSize := f.space.BlockSize()
	pageSize := f.space.PageSize()
	size = roundUp(size, pageSize)

	// dst == 0 needs an address the OS has never handed out, which only
	// Reserve can supply. A nonzero dst given alongside FlagAllocate is
	// already backed by a block the caller reserved earlier (or one
	// this very call's own move vacates as it goes); addrspace.Copy
	// promotes those on demand, so no explicit Reserve is needed here.
	// Reserve only ever hands out block-granular ranges, so the fresh
	// reservation is rounded up to a full block even though the copy
	// itself may touch only part of it.
	needsFreshDest := dst == 0
	var reserveSize uintptr
	if needsFreshDest {
		hint := dst
		if !flags.Has(Exactly) {
			hint = roundDown(hint, blockSize)
		}
		reserveSize = roundUp(size, blockSize)
		addr, err := f.space.Reserve(hint, reserveSize)
		if err != nil {
			return exactlyOrErr(flags, err)
		}
		dst = addr
	}

	opts := addrspace.CopyOptions{
		Move:     flags.Has(FlagRelease),
		ReadOnly: flags.Has(ReadOnly),
	}
	if err := f.space.Copy(src, dst, size, opts); err != nil {
		if needsFreshDest {
			_ = f.space.Release(dst, reserveSize)
		}
		return exactlyOrErr(flags, err)
	}

	if flags.Has(FlagDecommit) && !flags.Has(FlagRelease) {
		if err := f.space.Decommit(src, size); err != nil {
			return dst, fmt.Errorf("memory: copy: decommit source: %w", err)
		}
	}
	return dst, nil
}
