package sysmem

import "fmt"

// Prot is a protection selector, independent of the host's PROT_* bit
// layout so that callers never import golang.org/x/sys/unix directly.
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
)

// Handle is an OS handle to a file-mapping object: on Linux, a memfd. A
// zero Handle is invalid. Handle is intentionally a small value type so
// it can be stored in a BlockInfo's atomic mapping word (see
// internal/directory) without indirection.
type Handle struct {
	fd   int
	name string
}

// Valid reports whether h refers to an open file-mapping object.
func (h Handle) Valid() bool { return h.fd > 0 }

// FD returns the raw file descriptor. Only the directory and block
// packages should need this; it exists so BlockInfo can pack/unpack a
// Handle into its mapping word.
func (h Handle) FD() int { return h.fd }

// Name returns the name the handle was created with (for diagnostics
// and for the "<prefix>.mmap.<pid-hex>" cross-process lookup).
func (h Handle) Name() string { return h.name }

func handleFromFD(fd int, name string) Handle {
	return Handle{fd: fd, name: name}
}

// HandleFromFD reconstructs a Handle around a raw file descriptor that
// was previously unpacked from a directory mapping word. name is
// empty: the directory does not persist handle names, only fds.
func HandleFromFD(fd int) Handle {
	return Handle{fd: fd}
}

// RegionProt is one maximal span of address space the OS reports as
// sharing the same protection, as returned by QueryRegions. A gap
// between two regions, or before the first or after the last, means
// no VMA covers that range at all (never mapped, or already
// unmapped).
type RegionProt struct {
	Begin, End                 uintptr
	Readable, Writable, Marked bool
}

// Shim is the capability layer every other package in vmcore is built
// on. It has exactly one production implementation (linuxShim) selected
// by build tag; tests may substitute a fake.
type Shim interface {
	// Reserve installs a PROT_NONE, MAP_ANON|MAP_NORESERVE mapping of
	// size bytes. If hint != 0 the mapping is placed at exactly hint
	// (MAP_FIXED_NOREPLACE); Reserve returns ErrNoMemory if that address
	// is unavailable. If hint == 0 the OS chooses the address.
	Reserve(hint uintptr, size uintptr) (uintptr, error)

	// Release unmaps a previously reserved or mapped range.
	Release(addr, size uintptr) error

	// CreateFileMapping creates a new, sparse, page-file-backed mapping
	// object of size bytes, named for cross-process lookup.
	CreateFileMapping(name string, size int64) (Handle, error)

	// OpenFileMapping opens an existing named mapping object in the
	// current process (used when re-attaching to an object whose name
	// is known but whose fd was lost, e.g. across a directory leaf
	// rebuild).
	OpenFileMapping(name string) (Handle, error)

	// MapView maps size bytes of h at addr (MAP_FIXED) with the given
	// protection. shared selects MAP_SHARED, where writes land in the
	// mapping object itself and are visible to every other view of it;
	// the alternative, MAP_PRIVATE, gives this view its own
	// copy-on-write divergence point, so a write here never reaches h
	// or any other mapping of it. A block's first view is shared, so
	// that writes made before it is ever copied land in the mapping
	// object where a later share can see them; both sides of a share
	// are then remapped private at the moment they diverge.
	MapView(h Handle, addr uintptr, size int64, prot Prot, shared bool) error

	// UnmapView removes a view previously installed by MapView or
	// Reserve.
	UnmapView(addr, size uintptr) error

	// Protect changes the protection of an already-mapped range.
	// marked ORs in a protection bit that carries no access meaning of
	// its own (PROT_EXEC on Linux) but lets a page's logical state be
	// told apart later purely by re-querying the OS: marked distinguishes
	// a page that has been shared at least once from one that never has,
	// the same way the original Windows implementation used "execute"
	// protection for that purpose.
	Protect(addr, size uintptr, prot Prot, marked bool) error

	// QueryRegions reports the OS's own view of the protection
	// currently in force over [addr, addr+size), coalesced into
	// maximal same-protection regions the way /proc/self/maps already
	// comes coalesced. A Block reattaching to a mapping it did not
	// create (a second process opening the same directory) uses this
	// to recover each page's logical state from the OS rather than
	// starting blind.
	QueryRegions(addr, size uintptr) ([]RegionProt, error)

	// DiscardPrivate hints to the OS that private, written pages in
	// [addr, addr+size) may be dropped and re-derived from the backing
	// mapping (MADV_DONTNEED semantics).
	DiscardPrivate(addr, size uintptr) error

	// Duplicate returns a new Handle referring to the same mapping
	// object as h, usable cross-process once passed via OpenForeign.
	Duplicate(h Handle) (Handle, error)

	// CompareHandles reports whether a and b name the same mapping
	// object.
	CompareHandles(a, b Handle) (bool, error)

	// CloseHandle closes h. It does not unmap any view.
	CloseHandle(h Handle) error

	// OpenForeign opens fd in the address space of process pid and
	// returns a local Handle that duplicates it.
	OpenForeign(pid int, fd int) (Handle, error)

	// Query returns an owning process's address-space bounds.
	Query() (begin, end uintptr)

	// Size returns the current size in bytes of a mapping object.
	Size(h Handle) (int64, error)
}

// transientError wraps an error that a caller's retry loop should
// treat as "try again after yielding": the operation failed because
// of a narrow race with another thread, not because it is invalid.
type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func isTransient(err error) bool {
	var t *transientError
	return err != nil && asTransient(err, &t)
}

func asTransient(err error, target **transientError) bool {
	for err != nil {
		if t, ok := err.(*transientError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ByteSlice constructs a []byte view of length size over the memory
// at addr, without copying. Used by callers that mapped a view via
// MapView and now need to read or write through it directly.
func ByteSlice(addr uintptr, size uintptr) []byte {
	return byteSlice(addr, size)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sysmem: %s: %w", op, err)
}
