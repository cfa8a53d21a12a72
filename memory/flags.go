package memory

// Flags is a bit-set of request modifiers shared across the facade's
// public calls. Each call documents which subset it accepts; passing
// a bit outside that subset is ErrInvFlag.
type Flags uint32

const (
	// Reserved requests Allocate reserve address space without
	// committing it.
	Reserved Flags = 1 << iota
	// Exactly turns a would-be ErrNoMemory into a nil/zero return
	// instead of an error, and for Allocate also disables rounding
	// the requested destination address down to granularity.
	Exactly
	// ZeroInit documents that freshly committed pages read as zero.
	// Every path already guarantees this (mappings are sparse,
	// file-backed); the flag exists for callers that want to assert
	// the guarantee explicitly rather than relying on convention.
	ZeroInit
	// ReadOnly selects read-only protection.
	ReadOnly
	// ReadWrite selects read-write protection.
	ReadWrite
	// FlagAllocate, for Copy, documents that the caller expects dst to
	// name an address with no live mapping yet. A zero dst always
	// gets a fresh reservation regardless of this flag; a nonzero dst
	// is accepted whether or not it is already live.
	FlagAllocate
	// FlagDecommit, for Copy, decommits the source sub-range once the
	// copy has completed.
	FlagDecommit
	// releaseOnly combines with FlagDecommit to form FlagRelease; it
	// carries no meaning on its own.
	releaseOnly
	// FlagRelease implies FlagDecommit and additionally releases the
	// reservation backing the affected source blocks.
	FlagRelease = FlagDecommit | releaseOnly
)

// Has reports whether every bit in want is set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Any reports whether any bit in want is set in f.
func (f Flags) Any(want Flags) bool { return f&want != 0 }

// allowed reports whether f is a subset of mask.
func (f Flags) allowed(mask Flags) bool { return f&^mask == 0 }
