package addrspace

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/directory"
)

// SupervisedDirectory is a read-only view of another address space's
// directory, reconstructed from an ExportDirectory snapshot. It only
// answers "is this block reserved / committed", not per-page state:
// a supervisor that needs finer detail reads the committed bytes
// themselves through the accompanying ProcessView.
type SupervisedDirectory struct {
	snap      *directory.Snapshot
	base      uintptr
	blockSize uintptr
}

// BlockIndex converts an address in the supervised process into a
// block index, assuming both processes agree on base and block size.
func (d *SupervisedDirectory) BlockIndex(addr uintptr) uint64 {
	return uint64((addr - d.base) / d.blockSize)
}

// IsCommitted reports whether the block at idx had a mapping object
// installed at export time.
func (d *SupervisedDirectory) IsCommitted(idx uint64) bool {
	return d.snap.IsCommitted(idx)
}

func attachSnapshot(a *AddressSpace, pid, fd int) (*SupervisedDirectory, error) {
	snap, err := directory.Attach(a.shim, pid, fd)
	if err != nil {
		return nil, fmt.Errorf("addrspace: attach supervised directory: %w", err)
	}
	begin, _ := a.shim.Query()
	return &SupervisedDirectory{snap: snap, base: begin, blockSize: a.blockSize}, nil
}

// ExportDirectory publishes this address space's directory contents
// to a freshly created mapping object, so a supervisor process can
// reconstruct which blocks are live without tracing page faults.
// The returned handle's fd should be passed to the supervisor (e.g.
// over a Unix domain socket) alongside this process's pid.
func (a *AddressSpace) ExportDirectory() (fd int, err error) {
	h, err := a.dir.Export(a.shim, fmt.Sprintf("%s.directory", a.namePrefix))
	if err != nil {
		return 0, fmt.Errorf("addrspace: export directory: %w", err)
	}
	return h.FD(), nil
}

// AttachSupervised opens a ProcessView onto pid's memory and parses
// the directory snapshot it published at fd, letting a supervisor
// read a supervised domain's committed pages directly.
func AttachSupervised(a *AddressSpace, pid, fd int) (*ProcessView, *SupervisedDirectory, error) {
	view, err := OpenProcessView(pid)
	if err != nil {
		return nil, nil, err
	}

	snap, err := attachSnapshot(a, pid, fd)
	if err != nil {
		_ = view.Close()
		return nil, nil, err
	}
	return view, snap, nil
}
