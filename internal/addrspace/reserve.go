package addrspace

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/sysmem"
)

// Reserve carves out [returned, returned+size) of address space
// without committing any storage to it. size must be a multiple of
// BlockSize. If hint is non-zero, Reserve requires that exact address.
func (a *AddressSpace) Reserve(hint, size uintptr) (uintptr, error) {
	if size%a.blockSize != 0 {
		return 0, fmt.Errorf("%w: reserve: size %#x not a multiple of block size %#x", sysmem.ErrBadParam, size, a.blockSize)
	}

	var got uintptr
	err := sysmem.Retry(func() error {
		addr, rerr := a.shim.Reserve(hint, size)
		if rerr != nil {
			return rerr
		}
		got = addr
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("addrspace: reserve: %w", err)
	}

	for cur := got; cur < got+size; cur += a.blockSize {
		info, ierr := a.dir.Block(cur)
		if ierr != nil {
			return 0, fmt.Errorf("addrspace: reserve: directory install: %w", ierr)
		}
		if !info.MarkReserved() {
			return 0, fmt.Errorf("%w: reserve: block at %#x already in use", sysmem.ErrInternal, cur)
		}
	}
	return got, nil
}
