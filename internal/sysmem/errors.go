// Package sysmem is the host-VM shim: a thin, retrying wrapper over the
// OS's reserve/commit/protect/map-view primitives. Nothing above this
// package is allowed to call into unix/syscall directly.
package sysmem

import "errors"

// Error kinds every higher package reports by wrapping one of these
// sentinels. Callers compare with errors.Is; every wrapped error
// carries the syscall context via fmt.Errorf("...: %w", err).
var (
	// ErrBadParam means an invalid address, size, flag, or a reference
	// to an unallocated range.
	ErrBadParam = errors.New("sysmem: invalid address, size or range")

	// ErrInvFlag means a flag bit outside the accepted subset for the call.
	ErrInvFlag = errors.New("sysmem: flag not valid for this operation")

	// ErrNoMemory means the OS refused to reserve, map, commit or
	// duplicate. Converted to a nil/zero return at the memory package
	// boundary when Exactly is set.
	ErrNoMemory = errors.New("sysmem: out of address space or memory")

	// ErrMemNotCommitted means an access landed on a decommitted page.
	// vmcore itself never raises this from Go code (there is no SEH-style
	// translation of SIGSEGV here); it exists so callers that wrap
	// hardware fault delivery can report consistently.
	ErrMemNotCommitted = errors.New("sysmem: access to a decommitted page")

	// ErrNoPermission means a write landed on a read-only page.
	ErrNoPermission = errors.New("sysmem: write to a read-only page")

	// ErrInternal means an invariant was violated: a mapping that should
	// never be null was null, a rewire was attempted with live data
	// outside the sub-range, or a map raced and lost when it should have
	// won.
	ErrInternal = errors.New("sysmem: internal invariant violated")

	// ErrInitialize means directory/address-space setup failed at startup.
	ErrInitialize = errors.New("sysmem: failed to initialize")
)
