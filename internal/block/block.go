// Package block implements the per-block state machine: the unit of
// mapping, commitment and copy-on-write sharing that sits directly
// above a single directory entry. A Block owns one mapping object and
// the page-state vector describing every page of the range it
// currently occupies.
package block

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/pagestate"
	"github.com/pagevm/vmcore/internal/sysmem"
)

// Block is one allocated region of address space, mapped at Addr and
// backed by a single mapping object. Its pages individually track
// commit state, access, and whether they may be sharing storage with
// another Block's view of the same mapping object.
type Block struct {
	shim sysmem.Shim

	addr     uintptr
	size     uintptr
	pageSize uintptr

	handle sysmem.Handle
	owned  bool // true if Unmap should close handle

	state *pagestate.Vector
}

// numPages returns how many pageSize-sized pages fit in size.
func numPages(size, pageSize uintptr) int {
	return int((size + pageSize - 1) / pageSize)
}

// Map installs a fresh block at addr, backed by a newly created
// mapping object of size bytes, with every page initially
// NotCommitted and inaccessible. The caller is responsible for having
// reserved [addr, addr+size) beforehand (via addrspace.Reserve); Map
// itself only creates the mapping object and views it over the
// existing reservation.
func Map(s sysmem.Shim, name string, addr, size, pageSize uintptr) (*Block, error) {
	h, err := s.CreateFileMapping(name, int64(size))
	if err != nil {
		return nil, fmt.Errorf("block: map: create mapping object: %w", err)
	}

	// Shared: this is the mapping object's first and, for now, only
	// view. Writes land in the mapping object itself, so a later
	// share sees everything written before the share happened.
	b, err := attach(s, h, addr, size, pageSize, true, true)
	if err != nil {
		_ = s.CloseHandle(h)
		return nil, err
	}
	return b, nil
}

// Attach wires an existing, already-created mapping object h to a
// Block at addr without taking ownership of h: Unmap will not close
// it. Used when a Block is constructed around a handle that the
// directory (not this Block) owns, reattaching the sole view of it.
// Unlike Map, the mapping object may already carry real data and
// protection from an earlier attach in this or another process (the
// second process to open a shared directory, or a second
// AddressSpace rebuilt over the same directory), so Attach re-derives
// every page's logical state from the OS's own protection bits rather
// than leaving the freshly allocated vector at its all-NotCommitted
// default.
func Attach(s sysmem.Shim, h sysmem.Handle, addr, size, pageSize uintptr) (*Block, error) {
	b, err := attach(s, h, addr, size, pageSize, false, true)
	if err != nil {
		return nil, err
	}
	if err := b.deriveStateFromOS(); err != nil {
		return nil, fmt.Errorf("block: attach: %w", err)
	}
	return b, nil
}

// deriveStateFromOS reconstructs b's page-state vector from the OS's
// own protection bits via QueryRegions, the Linux analog of querying
// VirtualQueryEx on every page of the block. Without this, a Block
// recreated over an already-committed mapping object would read back
// as if every page were NotCommitted, even though the mapping and its
// data are intact.
func (b *Block) deriveStateFromOS() error {
	regions, err := b.shim.QueryRegions(b.addr, b.size)
	if err != nil {
		return fmt.Errorf("derive state from os: %w", err)
	}
	for _, r := range regions {
		lo := int((r.Begin - b.addr) / b.pageSize)
		hi := int((r.End - b.addr + b.pageSize - 1) / b.pageSize)
		if hi > b.state.Len() {
			hi = b.state.Len()
		}
		if lo >= hi {
			continue
		}
		b.state.ApplyRun(lo, hi, stateFromRegion(r))
	}
	return nil
}

// stateFromRegion maps one OS-reported protection region back to a
// page state. PROT_NONE with no PROT_EXEC marking collapses
// NotCommitted and Decommitted into the same observable: Linux has no
// third bit distinguishing "never committed" from "committed then
// decommitted" the way Windows' MEM_RESERVE vs MEM_COMMIT states do,
// and the two behave identically (inaccessible, Commit required)
// everywhere but diagnostic display.
func stateFromRegion(r sysmem.RegionProt) pagestate.State {
	switch {
	case !r.Readable && !r.Writable:
		return pagestate.NotCommitted
	case r.Writable && r.Marked:
		return pagestate.RWMappedShared
	case r.Writable:
		return pagestate.RWMappedPrivate
	case r.Marked:
		return pagestate.ROMappedShared
	default:
		return pagestate.ROMappedPrivate
	}
}

// attachPrivate installs a fresh, private, copy-on-write view of h:
// the dup'd handle obtained for rewire's share path, which must
// diverge from h's other views on its very first write rather than
// landing writes back in the shared mapping object.
func attachPrivate(s sysmem.Shim, h sysmem.Handle, addr, size, pageSize uintptr, owned bool) (*Block, error) {
	return attach(s, h, addr, size, pageSize, owned, false)
}

func attach(s sysmem.Shim, h sysmem.Handle, addr, size, pageSize uintptr, owned, shared bool) (*Block, error) {
	if err := sysmem.Retry(func() error {
		return s.MapView(h, addr, int64(size), sysmem.ProtNone, shared)
	}); err != nil {
		return nil, fmt.Errorf("block: attach: map view: %w", err)
	}
	return &Block{
		shim:     s,
		addr:     addr,
		size:     size,
		pageSize: pageSize,
		handle:   h,
		owned:    owned,
		state:    pagestate.NewVector(numPages(size, pageSize)),
	}, nil
}

// remapPrivate converts b's existing view from MAP_SHARED to
// MAP_PRIVATE in place, capturing the mapping object's current
// content as this view's copy-on-write baseline. Used on the source
// side of a share, at the moment it stops being the sole viewer.
func (b *Block) remapPrivate() error {
	if err := sysmem.Retry(func() error {
		return b.shim.MapView(b.handle, b.addr, int64(b.size), sysmem.ProtNone, false)
	}); err != nil {
		return fmt.Errorf("block: remap private: %w", err)
	}
	return nil
}

// Addr returns the address this block is mapped at.
func (b *Block) Addr() uintptr { return b.addr }

// Size returns the size in bytes of this block.
func (b *Block) Size() uintptr { return b.size }

// Handle returns the mapping object backing this block.
func (b *Block) Handle() sysmem.Handle { return b.handle }

// State exposes the block's page-state vector for callers (the
// directory's BlockInfo, the addrspace package) that need to inspect
// or snapshot it directly.
func (b *Block) State() *pagestate.Vector { return b.state }

func (b *Block) pageRange(off, size uintptr) (lo, hi int) {
	lo = int(off / b.pageSize)
	hi = int((off + size + b.pageSize - 1) / b.pageSize)
	if hi > b.state.Len() {
		hi = b.state.Len()
	}
	return lo, hi
}

// CheckCommitted reports whether every page in [off, off+size) within
// this block is in an accessible (non-NotCommitted, non-Decommitted)
// state.
func (b *Block) CheckCommitted(off, size uintptr) bool {
	lo, hi := b.pageRange(off, size)
	for _, r := range b.state.CoalesceRuns(lo, hi) {
		if !r.State.IsAccessible() {
			return false
		}
	}
	return true
}

// protFor derives the (access, marked) pair the OS-visible protection
// bits must carry for a page to read back as target. marked reuses
// PROT_EXEC, a bit this module never needs for its real meaning,
// purely to tell a page whose block has been shared at least once
// apart from one that never has, mirroring the original Windows
// implementation's use of "execute" protection for the same purpose.
func protFor(target pagestate.State) (prot sysmem.Prot, marked bool) {
	switch target {
	case pagestate.RWMappedPrivate:
		return sysmem.ProtReadWrite, false
	case pagestate.RWMappedShared, pagestate.RWUnmapped:
		return sysmem.ProtReadWrite, true
	case pagestate.ROMappedPrivate:
		return sysmem.ProtRead, false
	case pagestate.ROMappedShared, pagestate.ROUnmapped:
		return sysmem.ProtRead, true
	default:
		return sysmem.ProtNone, false
	}
}

// Commit makes [off, off+size) accessible with the requested
// protection, transitioning every page there out of NotCommitted or
// Decommitted. Pages already committed are left untouched aside from
// the protection requested.
func (b *Block) Commit(off, size uintptr, readOnly bool) error {
	lo, hi := b.pageRange(off, size)
	target := pagestate.RWMappedPrivate
	if readOnly {
		target = pagestate.ROMappedPrivate
	}
	prot, marked := protFor(target)

	addr := b.addr + uintptr(lo)*b.pageSize
	length := uintptr(hi-lo) * b.pageSize
	if err := b.shim.Protect(addr, length, prot, marked); err != nil {
		return fmt.Errorf("block: commit: %w", err)
	}
	b.state.ApplyRun(lo, hi, target)
	return nil
}

// Decommit releases the backing storage of [off, off+size) and marks
// those pages Decommitted: any further access requires Commit again.
func (b *Block) Decommit(off, size uintptr) error {
	lo, hi := b.pageRange(off, size)
	addr := b.addr + uintptr(lo)*b.pageSize
	length := uintptr(hi-lo) * b.pageSize

	if err := b.shim.Protect(addr, length, sysmem.ProtNone, false); err != nil {
		return fmt.Errorf("block: decommit: protect: %w", err)
	}
	if err := b.shim.DiscardPrivate(addr, length); err != nil {
		return fmt.Errorf("block: decommit: discard: %w", err)
	}
	b.state.ApplyRun(lo, hi, pagestate.Decommitted)
	return nil
}

// ChangeProtection flips the access of every page in [off, off+size)
// between read-only and read-write, preserving each page's
// private/shared/unmapped character. It coalesces the run so that
// one mprotect call covers each maximal span of pages that already
// share a state, instead of one call per page.
func (b *Block) ChangeProtection(off, size uintptr, readOnly bool) error {
	lo, hi := b.pageRange(off, size)
	for _, r := range b.state.CoalesceRuns(lo, hi) {
		if !r.State.IsAccessible() {
			continue
		}
		next := r.State.ChangeAccess(readOnly)
		if next == r.State {
			continue
		}
		prot, marked := protFor(next)
		addr := b.addr + uintptr(r.Lo)*b.pageSize
		length := uintptr(r.Hi-r.Lo) * b.pageSize
		if err := b.shim.Protect(addr, length, prot, marked); err != nil {
			return fmt.Errorf("block: change-protection: %w", err)
		}
		b.state.ApplyRun(r.Lo, r.Hi, next)
	}
	return nil
}

// AnyAccessible reports whether any page anywhere in the block is
// currently accessible. Decommit uses this, after decommitting the
// range a caller asked for, to decide whether the block has become
// entirely empty and its mapping can be retired rather than left
// mapped and inaccessible.
func (b *Block) AnyAccessible() bool {
	return b.state.HasOutside(0, 0, pagestate.MaskAccess)
}

// IsCopy reports whether this block views the same mapping object as
// original, as a block produced by a copy-on-write share does. A block
// that only received bytes through CopyInto from a block with its own
// mapping object reports false.
func (b *Block) IsCopy(s sysmem.Shim, original sysmem.Handle) (bool, error) {
	same, err := s.CompareHandles(b.handle, original)
	if err != nil {
		return false, fmt.Errorf("block: is-copy: %w", err)
	}
	return same, nil
}

// Unmap removes this block's view and, if this Block owns its
// mapping object, closes it.
func (b *Block) Unmap() error {
	if err := b.shim.UnmapView(b.addr, b.size); err != nil {
		return fmt.Errorf("block: unmap: %w", err)
	}
	if b.owned {
		if err := b.shim.CloseHandle(b.handle); err != nil {
			return fmt.Errorf("block: unmap: close handle: %w", err)
		}
	}
	return nil
}
