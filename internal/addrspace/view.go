package addrspace

import (
	"fmt"
	"io"
	"os"
)

var _ io.ReaderAt = (*ProcessView)(nil)
var _ io.WriterAt = (*ProcessView)(nil)
var _ io.Closer = (*ProcessView)(nil)

// ProcessView reads and writes another process's memory through
// /proc/<pid>/mem, for a supervisor attached to a supervised domain's
// address space. Addresses are absolute: the two processes agree on
// block layout because both built their directories with the same
// base and granularity. Grounded on uffd/memory.View's NewView,
// opened O_RDWR rather than read-only since a supervisor modifying a
// supervised domain's committed pages is exactly the capability
// spec.md's cross-process interface calls for.
type ProcessView struct {
	pid int
	mem *os.File
}

// OpenProcessView opens process pid's memory for reading and writing.
func OpenProcessView(pid int) (*ProcessView, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("addrspace: open process %d memory: %w", pid, err)
	}
	return &ProcessView{pid: pid, mem: f}, nil
}

// ReadAt reads len(p) bytes from addr in the target process's address
// space. Reading an unmapped or decommitted page surfaces the same
// I/O error /proc/<pid>/mem itself reports.
func (v *ProcessView) ReadAt(p []byte, addr int64) (int, error) {
	n, err := v.mem.ReadAt(p, addr)
	if err != nil {
		return n, fmt.Errorf("addrspace: read process %d memory at %#x: %w", v.pid, addr, err)
	}
	return n, nil
}

// WriteAt writes p into the target process's address space at addr.
// The range must already be committed read-write in the supervised
// domain; /proc/<pid>/mem rejects a write to an unmapped or read-only
// page the same way it would reject an out-of-range read.
func (v *ProcessView) WriteAt(p []byte, addr int64) (int, error) {
	n, err := v.mem.WriteAt(p, addr)
	if err != nil {
		return n, fmt.Errorf("addrspace: write process %d memory at %#x: %w", v.pid, addr, err)
	}
	return n, nil
}

// Close releases the underlying /proc/<pid>/mem file descriptor.
func (v *ProcessView) Close() error {
	return v.mem.Close()
}
