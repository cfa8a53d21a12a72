//go:build linux

package sysmem

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linuxShim is the production Shim. Grounded on rsc-tmp/span's use of
// unix.Mmap/Mprotect/Madvise/Munmap over byte slices for the common
// path, and on google-gvisor/pgalloc's raw unix.Syscall6(SYS_MMAP, ...)
// for address-fixed mappings, which the unix.Mmap wrapper cannot
// express (it never takes a caller-supplied address).
type linuxShim struct {
	beginAddr uintptr
	endAddr   uintptr
}

// NewLinuxShim returns a Shim backed by mmap/mprotect/madvise/memfd_create
// whose address-space bounds are the fixed range [64KiB, 128TiB).
func NewLinuxShim() Shim {
	return &linuxShim{
		beginAddr: 1 << 16, // below the first allocation granularity is off-limits, mirroring null-page avoidance
		endAddr:   1 << 47, // canonical x86-64 user address ceiling
	}
}

func (s *linuxShim) Query() (begin, end uintptr) {
	return s.beginAddr, s.endAddr
}

func protFlags(p Prot, marked bool) int {
	flags := unix.PROT_NONE
	switch p {
	case ProtRead:
		flags = unix.PROT_READ
	case ProtReadWrite:
		flags = unix.PROT_READ | unix.PROT_WRITE
	}
	if marked {
		flags |= unix.PROT_EXEC
	}
	return flags
}

// rawMmap performs mmap with an explicit address, bypassing
// unix.Mmap's Go wrapper (which always passes addr=0 to the kernel).
// Grounded on google-gvisor/pgalloc's IMAWorkAroundForMemFile and
// yaumn-gvisor/pgalloc's chunk-mapping code.
func rawMmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	p, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		length,
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}

func (s *linuxShim) Reserve(hint uintptr, size uintptr) (uintptr, error) {
	flags := unix.MAP_ANON | unix.MAP_PRIVATE | unix.MAP_NORESERVE
	fixed := hint != 0
	if fixed {
		// NOREPLACE: fail on an address already in use instead of
		// silently replacing whatever is mapped there.
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	addr, err := rawMmap(hint, size, unix.PROT_NONE, flags, -1, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, transient(wrap("reserve", err))
		}
		return 0, wrap("reserve", fmt.Errorf("%w: %v", ErrNoMemory, err))
	}
	if fixed && addr != hint {
		// The kernel silently relocated us; undo and report failure
		// rather than return an address the caller didn't ask for.
		_ = unix.Munmap(byteSlice(addr, size))
		return 0, fmt.Errorf("%w: reserve: kernel placed mapping at %#x, wanted %#x", ErrNoMemory, addr, hint)
	}
	return addr, nil
}

func (s *linuxShim) Release(addr, size uintptr) error {
	if err := unix.Munmap(byteSlice(addr, size)); err != nil {
		return wrap("release", err)
	}
	return nil
}

func (s *linuxShim) CreateFileMapping(name string, size int64) (Handle, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return Handle{}, wrap("create-file-mapping", fmt.Errorf("%w: %v", ErrNoMemory, err))
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return Handle{}, wrap("create-file-mapping", fmt.Errorf("%w: ftruncate: %v", ErrNoMemory, err))
	}
	return handleFromFD(fd, name), nil
}

func (s *linuxShim) OpenFileMapping(name string) (Handle, error) {
	// memfds have no filesystem path to re-open by name from this
	// process alone; callers that need to re-acquire a lost fd must
	// go through OpenForeign against the owning process instead.
	return Handle{}, fmt.Errorf("%w: open-file-mapping: memfd %q is not independently reopenable", ErrBadParam, name)
}

func (s *linuxShim) MapView(h Handle, addr uintptr, size int64, prot Prot, shared bool) error {
	if !h.Valid() {
		return fmt.Errorf("%w: map-view: invalid handle", ErrBadParam)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_FIXED
	if shared {
		flags = unix.MAP_SHARED | unix.MAP_FIXED
	}
	got, err := rawMmap(addr, uintptr(size), protFlags(prot, false), flags, h.fd, 0)
	if err != nil {
		if err == unix.EAGAIN {
			return transient(wrap("map-view", err))
		}
		return wrap("map-view", fmt.Errorf("%w: %v", ErrNoMemory, err))
	}
	if got != addr {
		_ = unix.Munmap(byteSlice(got, uintptr(size)))
		return fmt.Errorf("%w: map-view: kernel placed view at %#x, wanted %#x", ErrInternal, got, addr)
	}
	return nil
}

func (s *linuxShim) UnmapView(addr, size uintptr) error {
	if err := unix.Munmap(byteSlice(addr, size)); err != nil {
		return wrap("unmap-view", err)
	}
	return nil
}

func (s *linuxShim) Protect(addr, size uintptr, prot Prot, marked bool) error {
	if err := unix.Mprotect(byteSlice(addr, size), protFlags(prot, marked)); err != nil {
		if err == unix.EAGAIN {
			return transient(wrap("protect", err))
		}
		return wrap("protect", err)
	}
	return nil
}

// QueryRegions parses /proc/self/maps for the lines overlapping
// [addr, addr+size), the Linux analog of Windows' VirtualQueryEx:
// reading back the OS's own record of what protection is actually in
// force over a range, rather than trusting any side table. Lines are
// already coalesced by the kernel into maximal same-protection VMAs,
// matching what RegionProt promises.
func (s *linuxShim) QueryRegions(addr, size uintptr) ([]RegionProt, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, wrap("query-regions", err)
	}
	defer f.Close()

	end := addr + size
	var regions []RegionProt
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var lo, hi uint64
		var perms string
		if _, err := fmt.Sscanf(line, "%x-%x %4s", &lo, &hi, &perms); err != nil {
			continue
		}
		if uintptr(hi) <= addr || uintptr(lo) >= end || len(perms) < 3 {
			continue
		}
		regions = append(regions, RegionProt{
			Begin:    maxUintptr(uintptr(lo), addr),
			End:      minUintptr(uintptr(hi), end),
			Readable: perms[0] == 'r',
			Writable: perms[1] == 'w',
			Marked:   perms[2] == 'x',
		})
	}
	if err := sc.Err(); err != nil {
		return nil, wrap("query-regions", err)
	}
	return regions, nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

func (s *linuxShim) DiscardPrivate(addr, size uintptr) error {
	if err := unix.Madvise(byteSlice(addr, size), unix.MADV_DONTNEED); err != nil {
		return wrap("discard-private", err)
	}
	return nil
}

func (s *linuxShim) Duplicate(h Handle) (Handle, error) {
	if !h.Valid() {
		return Handle{}, fmt.Errorf("%w: duplicate: invalid handle", ErrBadParam)
	}
	fd, err := unix.Dup(h.fd)
	if err != nil {
		return Handle{}, wrap("duplicate", fmt.Errorf("%w: %v", ErrNoMemory, err))
	}
	return handleFromFD(fd, h.name), nil
}

func (s *linuxShim) Size(h Handle) (int64, error) {
	if !h.Valid() {
		return 0, fmt.Errorf("%w: size: invalid handle", ErrBadParam)
	}
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return 0, wrap("size", err)
	}
	return st.Size, nil
}

func (s *linuxShim) CompareHandles(a, b Handle) (bool, error) {
	if !a.Valid() || !b.Valid() {
		return false, fmt.Errorf("%w: compare-handles: invalid handle", ErrBadParam)
	}
	var sa, sb unix.Stat_t
	if err := unix.Fstat(a.fd, &sa); err != nil {
		return false, wrap("compare-handles", err)
	}
	if err := unix.Fstat(b.fd, &sb); err != nil {
		return false, wrap("compare-handles", err)
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino, nil
}

func (s *linuxShim) CloseHandle(h Handle) error {
	if !h.Valid() {
		return nil
	}
	if err := unix.Close(h.fd); err != nil {
		return wrap("close-handle", err)
	}
	return nil
}

// OpenForeign opens the fd-th descriptor of process pid via
// /proc/<pid>/fd/<fd> and duplicates it into the local descriptor
// table. Grounded on uffd/memory.View.NewView's /proc/<pid>/mem open.
func (s *linuxShim) OpenForeign(pid int, fd int) (Handle, error) {
	path := filepath.Join("/proc", fmt.Sprint(pid), "fd", fmt.Sprint(fd))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return Handle{}, wrap("open-foreign", fmt.Errorf("%w: %v", ErrBadParam, err))
	}
	defer f.Close()

	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return Handle{}, wrap("open-foreign", fmt.Errorf("%w: %v", ErrNoMemory, err))
	}
	return handleFromFD(dup, fmt.Sprintf("foreign:%d:%d", pid, fd)), nil
}

// byteSlice constructs a []byte view of length size over the memory at
// addr, without copying, for use with the x/sys/unix functions that
// operate on byte slices (Mprotect, Madvise, Munmap). Grounded on the
// unsafe.Slice pattern used throughout the pack (e.g.
// khaaliswooden-max-go_project/mmap_windows.go,
// mewbak-unik/memory_amd64.go) for turning a raw address into a Go
// slice header.
func byteSlice(addr, size uintptr) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}
