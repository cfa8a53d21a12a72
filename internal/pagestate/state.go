// Package pagestate implements the eight-value per-page state and the
// per-block Vector that records it. The block package maps each state
// onto host page-protection bits (PROT_EXEC marks a shared page), so
// the OS's protection on a page recovers its state except that
// NotCommitted and Decommitted read back alike, as do each Shared
// state and its Unmapped counterpart.
package pagestate

// State is one page's logical state within a mapped block.
type State uint8

const (
	// NotCommitted means the block was never shared and this page was
	// never committed.
	NotCommitted State = 1 << iota
	// Decommitted means the page was committed then decommitted: no
	// access, backing storage released.
	Decommitted
	// RWMappedPrivate means read-write, block never shared.
	RWMappedPrivate
	// RWMappedShared means read-write, block was shared at least once
	// (copy-on-write is in effect for this page).
	RWMappedShared
	// RWUnmapped means the page was privately written and is no longer
	// backed by its original mapping.
	RWUnmapped
	// ROMappedPrivate means read-only, never shared.
	ROMappedPrivate
	// ROMappedShared means read-only, was shared.
	ROMappedShared
	// ROUnmapped means read-only, was privately written then
	// write-protected.
	ROUnmapped
)

// Derived masks.
const (
	MaskRW          = RWMappedPrivate | RWMappedShared | RWUnmapped
	MaskRO          = ROMappedPrivate | ROMappedShared | ROUnmapped
	MaskAccess      = MaskRW | MaskRO
	MaskUnmapped    = RWUnmapped | ROUnmapped
	MaskMapped      = MaskAccess &^ MaskUnmapped
	MaskMayBeShared = RWMappedShared | ROMappedShared | MaskUnmapped | Decommitted
)

// IsAccessible reports whether s permits any access at all.
func (s State) IsAccessible() bool { return s&MaskAccess != 0 }

// IsReadOnly reports whether s is one of the RO states.
func (s State) IsReadOnly() bool { return s&MaskRO != 0 }

// IsShared reports whether s indicates the page may currently be
// sharing backing storage with another mapping of the same handle.
func (s State) IsShared() bool { return s == RWMappedShared || s == ROMappedShared }

// IsUnmapped reports whether s is one of the two "privately written,
// no longer backed by the mapping" states.
func (s State) IsUnmapped() bool { return s&MaskUnmapped != 0 }

// toReadOnly maps a read-write state to its read-only counterpart,
// preserving the shared/private/unmapped distinction.
func (s State) toReadOnly() State {
	switch s {
	case RWMappedPrivate:
		return ROMappedPrivate
	case RWMappedShared:
		return ROMappedShared
	case RWUnmapped:
		return ROUnmapped
	default:
		return s
	}
}

// toReadWrite is the inverse of toReadOnly.
func (s State) toReadWrite() State {
	switch s {
	case ROMappedPrivate:
		return RWMappedPrivate
	case ROMappedShared:
		return RWMappedShared
	case ROUnmapped:
		return RWUnmapped
	default:
		return s
	}
}

// ChangeAccess translates s into the destination set matching
// readOnly, preserving which of private/shared/unmapped it was.
func (s State) ChangeAccess(readOnly bool) State {
	if readOnly {
		return s.toReadOnly()
	}
	return s.toReadWrite()
}

// String names a state for diagnostics.
func (s State) String() string {
	switch s {
	case NotCommitted:
		return "not-committed"
	case Decommitted:
		return "decommitted"
	case RWMappedPrivate:
		return "rw-private"
	case RWMappedShared:
		return "rw-shared"
	case RWUnmapped:
		return "rw-unmapped"
	case ROMappedPrivate:
		return "ro-private"
	case ROMappedShared:
		return "ro-shared"
	case ROUnmapped:
		return "ro-unmapped"
	default:
		return "mixed"
	}
}
