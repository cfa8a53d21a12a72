package memory

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/addrspace"
)

// Supervisor reads and modifies a supervised protection domain's
// committed memory without tracing its page faults: ExportDirectory
// publishes the directory on the supervised side, Attach reconstructs
// a view of it plus a read-write handle onto the process's memory on
// the supervisor side. Directory introspection (IsCommitted) stays
// read-only, a point-in-time snapshot rather than a live view; see
// DESIGN.md for why genuine cross-process directory mutation is out
// of scope.
type Supervisor struct {
	view *addrspace.ProcessView
	dir  *addrspace.SupervisedDirectory
}

// ExportDirectory publishes this domain's directory contents to a
// fresh mapping object and returns its file descriptor. The caller is
// responsible for getting that fd (and this process's pid) to the
// supervisor, e.g. over a Unix domain socket.
func ExportDirectory() (fd int, err error) {
	f, err := facade()
	if err != nil {
		return 0, err
	}
	return f.space.ExportDirectory()
}

// Attach opens a Supervisor onto pid's protection domain, using fd (a
// file descriptor, valid in this process, referencing the mapping
// object pid published via ExportDirectory) to reconstruct pid's
// directory.
func Attach(pid, fd int) (*Supervisor, error) {
	f, err := facade()
	if err != nil {
		return nil, err
	}
	view, dir, err := addrspace.AttachSupervised(f.space, pid, fd)
	if err != nil {
		return nil, fmt.Errorf("memory: attach pid %d: %w", pid, err)
	}
	return &Supervisor{view: view, dir: dir}, nil
}

// Close releases the resources Attach opened.
func (s *Supervisor) Close() error {
	return s.view.Close()
}

// IsCommitted reports whether the supervised block containing addr
// had a mapping object installed at export time.
func (s *Supervisor) IsCommitted(addr uintptr) bool {
	return s.dir.IsCommitted(s.dir.BlockIndex(addr))
}

// ReadAt reads len(p) bytes of the supervised process's memory
// starting at addr, the way os.File.ReadAt does.
func (s *Supervisor) ReadAt(p []byte, addr uintptr) (int, error) {
	return s.view.ReadAt(p, int64(addr))
}

// WriteAt writes p into the supervised process's memory starting at
// addr, the way os.File.WriteAt does. addr must fall inside a range
// the supervised domain has committed read-write.
func (s *Supervisor) WriteAt(p []byte, addr uintptr) (int, error) {
	return s.view.WriteAt(p, int64(addr))
}
