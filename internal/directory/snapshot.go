package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/pagevm/vmcore/internal/sysmem"
)

// entrySize is the wire size of one (index, word) pair in a snapshot.
const entrySize = 16

// Export serializes every touched block's (index, word) pair into a
// freshly created mapping object named name, so that a supervisor
// process holding this process's pid can read it back via Attach.
// Free blocks that were never reserved are omitted; a supervisor
// that finds no entry for an index treats it as free.
func (d *Directory) Export(s sysmem.Shim, name string) (sysmem.Handle, error) {
	pairs := d.dump()

	size := int64(len(pairs)) * entrySize
	h, err := s.CreateFileMapping(name, size)
	if err != nil {
		return sysmem.Handle{}, fmt.Errorf("directory: create snapshot mapping: %w", err)
	}

	buf := make([]byte, size)
	for i, p := range pairs {
		off := i * entrySize
		binary.LittleEndian.PutUint64(buf[off:], p.idx)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(p.word))
	}

	if len(buf) > 0 {
		if err := writeAll(s, h, buf); err != nil {
			_ = s.CloseHandle(h)
			return sysmem.Handle{}, err
		}
	}

	return h, nil
}

func writeAll(s sysmem.Shim, h sysmem.Handle, buf []byte) error {
	addr, err := s.Reserve(0, uintptr(len(buf)))
	if err != nil {
		return fmt.Errorf("directory: reserve scratch for snapshot: %w", err)
	}
	defer func() { _ = s.Release(addr, uintptr(len(buf))) }()

	if err := s.MapView(h, addr, int64(len(buf)), sysmem.ProtReadWrite, true); err != nil {
		return fmt.Errorf("directory: map snapshot for write: %w", err)
	}
	defer func() { _ = s.UnmapView(addr, uintptr(len(buf))) }()

	dst := sysmem.ByteSlice(addr, uintptr(len(buf)))
	copy(dst, buf)
	return nil
}

type entry struct {
	idx  uint64
	word int64
}

// dump walks every installed leaf and returns one entry per
// non-free block. It does not take a consistent point-in-time
// snapshot across leaves: a concurrent mutation may be observed or
// missed, which matches Export's use as a best-effort introspection
// aid rather than a restore point.
func (d *Directory) dump() []entry {
	var out []entry
	d.back.forEach(func(idx uint64, b *BlockInfo) {
		if w := b.Load(); w != wordFree {
			out = append(out, entry{idx: idx, word: w})
		}
	})
	return out
}

// Snapshot is a supervisor's read-only view of another process's
// directory contents, reconstructed from an Export'd mapping object.
type Snapshot struct {
	words map[uint64]int64
}

// Word returns the mapping word a foreign directory held for idx at
// export time.
func (s *Snapshot) Word(idx uint64) (int64, bool) {
	w, ok := s.words[idx]
	return w, ok
}

// IsCommitted reports whether block idx had a mapping object
// installed at export time, as opposed to being merely reserved.
func (s *Snapshot) IsCommitted(idx uint64) bool {
	w, ok := s.words[idx]
	return ok && w >= fdBias
}

// Attach opens fd in process pid (as exported by Directory.Export)
// and parses it into a Snapshot.
func Attach(s sysmem.Shim, pid, fd int) (*Snapshot, error) {
	h, err := s.OpenForeign(pid, fd)
	if err != nil {
		return nil, fmt.Errorf("directory: attach to pid %d fd %d: %w", pid, fd, err)
	}
	defer func() { _ = s.CloseHandle(h) }()

	return parseSnapshot(s, h)
}

func parseSnapshot(s sysmem.Shim, h sysmem.Handle) (*Snapshot, error) {
	size, err := s.Size(h)
	if err != nil {
		return nil, fmt.Errorf("directory: size snapshot mapping: %w", err)
	}

	snap := &Snapshot{words: map[uint64]int64{}}
	if size == 0 {
		return snap, nil
	}

	addr, err := s.Reserve(0, uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("directory: reserve scratch for snapshot: %w", err)
	}
	defer func() { _ = s.Release(addr, uintptr(size)) }()

	if err := s.MapView(h, addr, size, sysmem.ProtRead, true); err != nil {
		return nil, fmt.Errorf("directory: map snapshot for read: %w", err)
	}
	defer func() { _ = s.UnmapView(addr, uintptr(size)) }()

	buf := sysmem.ByteSlice(addr, uintptr(size))
	for off := int64(0); off+entrySize <= size; off += entrySize {
		idx := binary.LittleEndian.Uint64(buf[off:])
		word := int64(binary.LittleEndian.Uint64(buf[off+8:]))
		snap.words[idx] = word
	}
	return snap, nil
}
