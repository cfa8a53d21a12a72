package memory

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/pagestate"
)

// Capability bits returned by Query.
const (
	CapAccessCheck       uint32 = 1 << 0
	CapHardwareProtection uint32 = 1 << 1
	CapCopyOnWrite        uint32 = 1 << 2
	CapSpaceReservation    uint32 = 1 << 3
)

// SpaceInfo answers the address-space-wide questions Query exposes:
// the addressable range, the two granularities, and which
// capabilities this build of vmcore provides.
type SpaceInfo struct {
	Begin, End         uintptr
	PageSize           uintptr
	AllocationGranularity uintptr
	Capabilities       uint32
}

// Query returns the address-space-wide constants external callers
// need: addressable range, page size, allocation granularity, and a
// capability bit-set. p is accepted for symmetry with the per-address
// queries below but is currently unused: every SpaceInfo field is
// process-wide, not address-dependent.
func Query(p uintptr) (SpaceInfo, error) {
	f, err := facade()
	if err != nil {
		return SpaceInfo{}, err
	}
	begin, end := f.space.AddressRange()
	return SpaceInfo{
		Begin:                 begin,
		End:                   end,
		PageSize:              f.space.PageSize(),
		AllocationGranularity: f.space.BlockSize(),
		Capabilities:          CapAccessCheck | CapHardwareProtection | CapCopyOnWrite | CapSpaceReservation,
	}, nil
}

// IsReadable reports whether every page in [addr, addr+size) is
// committed with at least read access.
func IsReadable(addr, size uintptr) (bool, error) {
	return checkEveryPage(addr, size, func(s pagestate.State) bool {
		return s.IsAccessible()
	})
}

// IsWritable reports whether every page in [addr, addr+size) is
// committed read-write.
func IsWritable(addr, size uintptr) (bool, error) {
	return checkEveryPage(addr, size, func(s pagestate.State) bool {
		return s.IsAccessible() && !s.IsReadOnly()
	})
}

// IsPrivate reports whether every page in [addr, addr+size) is
// committed and has never been shared.
func IsPrivate(addr, size uintptr) (bool, error) {
	return checkEveryPage(addr, size, func(s pagestate.State) bool {
		return s.IsAccessible() && !s.IsShared() && !s.IsUnmapped()
	})
}

func checkEveryPage(addr, size uintptr, accept func(pagestate.State) bool) (bool, error) {
	f, err := facade()
	if err != nil {
		return false, err
	}
	pageSize := f.space.PageSize()
	for cur := addr; cur < addr+size; cur += pageSize {
		info := f.space.Query(cur)
		if !info.Committed || !accept(info.State) {
			return false, nil
		}
	}
	return true, nil
}

// IsCopy reports whether [dst, dst+size) and [src, src+size) are
// fully committed, share backing mappings block for block, and carry
// no unmapped page on either side.
func IsCopy(dst, src, size uintptr) (bool, error) {
	f, err := facade()
	if err != nil {
		return false, err
	}
	blockSize := f.space.BlockSize()
	if dst%blockSize != src%blockSize {
		return false, fmt.Errorf("memory: is-copy: dst and src are not offset-aligned to the same block boundary")
	}

	readable, err := IsReadable(dst, size)
	if err != nil || !readable {
		return false, err
	}
	if readable, err := IsReadable(src, size); err != nil || !readable {
		return false, err
	}

	for cur := uintptr(0); cur < size; cur += blockSize {
		if !f.space.IsCopy(dst + cur) {
			return false, nil
		}
	}
	return true, nil
}

// FaultTrace returns the most recent page-state transitions recorded
// across every block this process has touched, oldest first. Empty
// unless VMCORE_EVENT_TRACING was set at Initialize.
func FaultTrace() ([]pagestate.Event, error) {
	f, err := facade()
	if err != nil {
		return nil, err
	}
	return f.space.FaultTrace(), nil
}
