package addrspace

import "fmt"

// Release tears down [addr, addr+size) entirely: any committed pages
// are decommitted, any live block mapping is unmapped and its
// handle closed, and the underlying reservation is returned to the
// OS. size must be a multiple of BlockSize.
func (a *AddressSpace) Release(addr, size uintptr) error {
	if size%a.blockSize != 0 {
		return fmt.Errorf("addrspace: release: size %#x not a multiple of block size %#x", size, a.blockSize)
	}

	for cur := addr; cur < addr+size; cur += a.blockSize {
		if err := a.releaseBlock(cur); err != nil {
			return fmt.Errorf("addrspace: release: block at %#x: %w", cur, err)
		}
	}

	if err := a.shim.Release(addr, size); err != nil {
		return fmt.Errorf("addrspace: release: %w", err)
	}
	return nil
}

func (a *AddressSpace) releaseBlock(blockAddr uintptr) error {
	if err := a.unmapAndRetire(blockAddr); err != nil {
		return err
	}
	if info, ok := a.dir.AllocatedBlock(blockAddr); ok {
		info.MarkFree()
	}
	return nil
}

// unmapAndRetire drops the live Block (if any) at blockAddr, unmaps
// its view, and clears the directory entry back to reserved,
// closing the handle it held if nothing had already mapped it.
// Leaves the block reserved rather than free: callers that mean to
// give the address range back to the OS entirely still need to mark
// it free (releaseBlock) or call Release.
func (a *AddressSpace) unmapAndRetire(blockAddr uintptr) error {
	idx := a.dir.Index(blockAddr)

	a.mu.Lock()
	b, live := a.blocks[idx]
	delete(a.blocks, idx)
	a.mu.Unlock()

	if live {
		if err := b.Unmap(); err != nil {
			return err
		}
		// Unmapping the view also dropped the address range; reserve it
		// again so the block stays reserved at the OS level too.
		if _, err := a.shim.Reserve(blockAddr, a.blockSize); err != nil {
			return err
		}
	}

	info, ok := a.dir.AllocatedBlock(blockAddr)
	if !ok {
		return nil
	}
	h, had := info.Clear()
	if had && !live {
		// The directory held a handle but no Block was ever attached
		// to it (no view was ever mapped), so nothing has closed it
		// yet.
		if err := a.shim.CloseHandle(h); err != nil {
			return err
		}
	}
	return nil
}
