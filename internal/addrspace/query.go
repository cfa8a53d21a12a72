package addrspace

import "github.com/pagevm/vmcore/internal/pagestate"

// RegionInfo describes one page-aligned query result.
type RegionInfo struct {
	Addr      uintptr
	Size      uintptr
	State     pagestate.State
	Reserved  bool
	Committed bool
}

// Query reports the state of the page at addr: whether its block is
// currently reserved, and if committed, its page state. It does not
// install anything in the directory.
func (a *AddressSpace) Query(addr uintptr) RegionInfo {
	info, ok := a.dir.AllocatedBlock(addr)
	if !ok || info.IsFree() {
		return RegionInfo{Addr: addr, Size: a.pageSize, Reserved: false}
	}

	out := RegionInfo{Addr: addr, Size: a.pageSize, Reserved: true}
	if info.IsReserved() {
		return out
	}

	b, live, err := a.blockAt(addr - addr%a.blockSize)
	if err != nil || !live {
		return out
	}

	pageIdx := int((addr % a.blockSize) / a.pageSize)
	out.Committed = true
	out.State = b.State().Get(pageIdx)
	return out
}

// IsCopy reports whether the block containing addr is currently
// sharing storage with another address's view of the same mapping
// object, tracked in O(runs) via the address space's shared-block
// tracker rather than asking the OS.
func (a *AddressSpace) IsCopy(addr uintptr) bool {
	return a.tracker.WasShared(a.dir.Index(addr))
}
