// Package addrspace coordinates the block directory and the
// individual block state machines into address-space-wide
// reserve/commit/protect/copy operations. It is the layer a protection
// domain's memory facade talks to; everything below it works in terms
// of a single block, everything above it works in terms of whatever
// byte range the caller actually asked for.
package addrspace

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pagevm/vmcore/internal/block"
	"github.com/pagevm/vmcore/internal/directory"
	"github.com/pagevm/vmcore/internal/pagestate"
	"github.com/pagevm/vmcore/internal/sysmem"
)

// AddressSpace owns one protection domain's reservations. All of its
// methods are safe for concurrent use: the directory's BlockInfo
// words are mutated only through CAS, and the live Block cache is
// guarded by a single mutex sized for the (rare) case of two threads
// racing to install the same block's first mapping.
type AddressSpace struct {
	shim sysmem.Shim
	dir  *directory.Directory

	pageSize  uintptr
	blockSize uintptr

	namePrefix string
	seq        atomic.Uint64

	tracker  *pagestate.Tracker
	recorder *pagestate.Recorder

	mu     sync.Mutex
	blocks map[uint64]*block.Block
}

// New builds an AddressSpace over the shim's full address range,
// dividing it into blocks of blockSize bytes.
func New(s sysmem.Shim, pageSize, blockSize uintptr, namePrefix string) *AddressSpace {
	begin, end := s.Query()
	maxBlocks := uint64(end-begin) / uint64(blockSize)

	return &AddressSpace{
		shim:       s,
		dir:        directory.New(begin, blockSize, maxBlocks),
		pageSize:   pageSize,
		blockSize:  blockSize,
		namePrefix: namePrefix,
		tracker:    pagestate.NewTracker(),
		recorder:   pagestate.NewRecorder(256),
		blocks:     make(map[uint64]*block.Block),
	}
}

// SetFaultTracing turns page-state transition recording on or off.
// Disabled by default: enabling it is a debugging aid for chasing
// lock-free races during development, not something a production
// caller needs on the hot path.
func (a *AddressSpace) SetFaultTracing(enabled bool) { a.recorder.SetEnabled(enabled) }

// FaultTrace returns the most recent recorded page-state transitions
// across every block this address space has touched, oldest first.
// Empty unless SetFaultTracing(true) was called.
func (a *AddressSpace) FaultTrace() []pagestate.Event { return a.recorder.Events() }

// wireBlock attaches this address space's fault recorder to b's page-
// state vector, so every transition made through b from now on is
// visible to FaultTrace.
func (a *AddressSpace) wireBlock(b *block.Block) *block.Block {
	b.State().SetRecorder(a.recorder)
	return b
}

// PageSize returns the granularity Commit/Decommit/ChangeProtection
// operate at.
func (a *AddressSpace) PageSize() uintptr { return a.pageSize }

// BlockSize returns the granularity Reserve/Release operate at.
func (a *AddressSpace) BlockSize() uintptr { return a.blockSize }

// AddressRange returns the begin/end of the address range this
// AddressSpace was built over.
func (a *AddressSpace) AddressRange() (begin, end uintptr) { return a.shim.Query() }

func (a *AddressSpace) mappingName() string {
	return fmt.Sprintf("%s.mmap.%x.%d", a.namePrefix, os.Getpid(), a.seq.Add(1))
}

func alignedRange(addr, size, granularity uintptr) (start, end uintptr, err error) {
	if addr%granularity != 0 || size == 0 {
		return 0, 0, fmt.Errorf("%w: address %#x or size %#x not aligned to %#x", sysmem.ErrBadParam, addr, size, granularity)
	}
	return addr, addr + size, nil
}

// blockAt returns the live Block wrapper for the block containing
// addr, installing one from the directory's handle if needed but
// never creating a handle that does not already exist. ok is false
// if the block has no handle installed yet (reserved-but-uncommitted,
// or free).
func (a *AddressSpace) blockAt(addr uintptr) (*block.Block, bool, error) {
	idx := a.dir.Index(addr)

	a.mu.Lock()
	defer a.mu.Unlock()

	if b, ok := a.blocks[idx]; ok {
		return b, true, nil
	}

	info, ok := a.dir.AllocatedBlock(addr)
	if !ok {
		return nil, false, nil
	}
	h, ok := info.Handle()
	if !ok {
		return nil, false, nil
	}

	b, err := block.Attach(a.shim, h, a.dir.Address(idx), a.blockSize, a.pageSize)
	if err != nil {
		return nil, false, fmt.Errorf("addrspace: attach block %d: %w", idx, err)
	}
	a.blocks[idx] = a.wireBlock(b)
	return b, true, nil
}

// forEachBlock invokes visit once per block-aligned chunk of
// [addr, addr+size), in order.
func (a *AddressSpace) forEachBlock(addr, size uintptr, visit func(blockAddr uintptr, rel, runSize uintptr) error) error {
	start, end, err := alignedRange(addr, size, a.pageSize)
	if err != nil {
		return err
	}
	for cur := start; cur < end; {
		blockAddr := cur - cur%a.blockSize
		relOff := cur - blockAddr
		runEnd := blockAddr + a.blockSize
		if runEnd > end {
			runEnd = end
		}
		if err := visit(blockAddr, relOff, runEnd-cur); err != nil {
			return err
		}
		cur = runEnd
	}
	return nil
}
