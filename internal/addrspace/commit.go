package addrspace

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/block"
	"github.com/pagevm/vmcore/internal/sysmem"
)

// ensureBlock returns the live Block for the block containing addr,
// creating its mapping object and installing it in the directory on
// first touch if the block is reserved but not yet committed.
// Installing a block's first handle is collapsed across concurrent
// callers by the directory's own leaf-install singleflight plus this
// address space's mutex around the handle CAS.
func (a *AddressSpace) ensureBlock(addr uintptr) (*block.Block, error) {
	if b, ok, err := a.blockAt(addr); err != nil {
		return nil, err
	} else if ok {
		return b, nil
	}

	idx := a.dir.Index(addr)
	info, err := a.dir.Block(addr)
	if err != nil {
		return nil, fmt.Errorf("directory lookup: %w", err)
	}
	if info.IsFree() {
		return nil, fmt.Errorf("%w: address %#x was never reserved", sysmem.ErrBadParam, addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.blocks[idx]; ok {
		return b, nil
	}
	if h, ok := info.Handle(); ok {
		b, err := block.Attach(a.shim, h, a.dir.Address(idx), a.blockSize, a.pageSize)
		if err != nil {
			return nil, err
		}
		a.blocks[idx] = a.wireBlock(b)
		return b, nil
	}

	b, err := block.Map(a.shim, a.mappingName(), a.dir.Address(idx), a.blockSize, a.pageSize)
	if err != nil {
		return nil, fmt.Errorf("map new block: %w", err)
	}
	if !info.Install(b.Handle()) {
		_ = b.Unmap()
		return nil, fmt.Errorf("%w: block at %#x was concurrently installed", sysmem.ErrInternal, addr)
	}
	a.blocks[idx] = a.wireBlock(b)
	return b, nil
}

// Commit makes [addr, addr+size) accessible, creating backing
// mapping objects for any block touched for the first time. size
// must be a multiple of PageSize.
func (a *AddressSpace) Commit(addr, size uintptr, readOnly bool) error {
	return a.forEachBlock(addr, size, func(blockAddr, rel, runSize uintptr) error {
		b, err := a.ensureBlock(blockAddr)
		if err != nil {
			return fmt.Errorf("addrspace: commit: %w", err)
		}
		if err := b.Commit(rel, runSize, readOnly); err != nil {
			return fmt.Errorf("addrspace: commit: %w", err)
		}
		return nil
	})
}

// Decommit releases the backing storage of [addr, addr+size). Blocks
// that were never committed are left untouched. A block left with no
// accessible page anywhere after decommitting is unmapped and its
// directory entry returned to reserved, rather than kept mapped and
// permanently inaccessible.
func (a *AddressSpace) Decommit(addr, size uintptr) error {
	return a.forEachBlock(addr, size, func(blockAddr, rel, runSize uintptr) error {
		b, ok, err := a.blockAt(blockAddr)
		if err != nil {
			return fmt.Errorf("addrspace: decommit: %w", err)
		}
		if !ok {
			return nil
		}
		if err := a.decommitBlockRange(blockAddr, b, rel, runSize); err != nil {
			return fmt.Errorf("addrspace: decommit: %w", err)
		}
		return nil
	})
}

// decommitBlockRange decommits [rel, rel+size) of the block at
// blockAddr and, if that leaves no page anywhere in the block
// accessible, unmaps it and returns its directory entry to the
// reserved sentinel rather than keeping an empty mapping alive.
func (a *AddressSpace) decommitBlockRange(blockAddr uintptr, b *block.Block, rel, size uintptr) error {
	if err := b.Decommit(rel, size); err != nil {
		return err
	}
	if b.AnyAccessible() {
		return nil
	}
	return a.unmapAndRetire(blockAddr)
}

// ChangeProtection flips [addr, addr+size) between read-only and
// read-write, leaving uncommitted pages untouched.
func (a *AddressSpace) ChangeProtection(addr, size uintptr, readOnly bool) error {
	return a.forEachBlock(addr, size, func(blockAddr, rel, runSize uintptr) error {
		b, ok, err := a.blockAt(blockAddr)
		if err != nil {
			return fmt.Errorf("addrspace: change-protection: %w", err)
		}
		if !ok {
			return nil
		}
		if err := b.ChangeProtection(rel, runSize, readOnly); err != nil {
			return fmt.Errorf("addrspace: change-protection: %w", err)
		}
		return nil
	})
}

// CheckCommitted reports whether every page in [addr, addr+size) is
// committed.
func (a *AddressSpace) CheckCommitted(addr, size uintptr) (bool, error) {
	committed := true
	err := a.forEachBlock(addr, size, func(blockAddr, rel, runSize uintptr) error {
		b, ok, err := a.blockAt(blockAddr)
		if err != nil {
			return err
		}
		if !ok || !b.CheckCommitted(rel, runSize) {
			committed = false
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("addrspace: check-committed: %w", err)
	}
	return committed, nil
}
