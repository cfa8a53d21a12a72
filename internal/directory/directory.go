package directory

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/pagevm/vmcore/internal/sysmem"
)

// backing is the shape-specific storage underneath a Directory. Two
// implementations exist, selected at compile time by build tag:
// a two-level sparse array for 64-bit targets, where the address
// space is too large to allocate flat, and a flat array for 32-bit
// targets, where it comfortably fits.
type backing interface {
	// blockAt returns the BlockInfo for idx. If install is true and
	// no storage yet exists to hold that index, it is allocated;
	// otherwise ok is false for any index without storage.
	blockAt(idx uint64, install bool) (block *BlockInfo, ok bool)
	capacity() uint64
	// forEach visits every installed block's index and BlockInfo.
	// Blocks in leaves that were never installed are skipped rather
	// than visited as free, since the caller only wants non-free
	// entries.
	forEach(visit func(idx uint64, b *BlockInfo))
}

// Directory maps block index to BlockInfo across an entire address
// space. Granularity is the number of bytes a block covers; every
// address passed to Block or AllocatedBlock is divided by it to
// obtain an index.
type Directory struct {
	granularity uintptr
	base        uintptr
	back        backing
	installing  singleflight.Group
}

// New builds a Directory covering [base, base+granularity*maxBlocks).
func New(base uintptr, granularity uintptr, maxBlocks uint64) *Directory {
	return &Directory{
		granularity: granularity,
		base:        base,
		back:        newBacking(maxBlocks),
	}
}

// Index converts an address into a block index. The caller is
// responsible for ensuring addr falls within the directory's range.
func (d *Directory) Index(addr uintptr) uint64 {
	return uint64((addr - d.base) / d.granularity)
}

// Address converts a block index back into its base address.
func (d *Directory) Address(idx uint64) uintptr {
	return d.base + uintptr(idx)*d.granularity
}

// Granularity returns the number of bytes one block covers.
func (d *Directory) Granularity() uintptr { return d.granularity }

// Capacity returns the number of block slots the directory can
// address.
func (d *Directory) Capacity() uint64 { return d.back.capacity() }

// Block returns the BlockInfo for addr, installing the backing leaf
// for it if this is the first access to that region of the
// directory. Concurrent first-touches of the same leaf are collapsed
// into a single allocation via singleflight; only one goroutine pays
// for it, the rest block on its result.
func (d *Directory) Block(addr uintptr) (*BlockInfo, error) {
	idx := d.Index(addr)
	if b, ok := d.back.blockAt(idx, false); ok {
		return b, nil
	}

	key := fmt.Sprintf("%d", idx/leafSize)
	_, err, _ := d.installing.Do(key, func() (interface{}, error) {
		d.back.blockAt(idx, true)
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("directory: install leaf for index %d: %w", idx, err)
	}

	b, ok := d.back.blockAt(idx, false)
	if !ok {
		return nil, fmt.Errorf("%w: leaf install for index %d did not take", sysmem.ErrInternal, idx)
	}
	return b, nil
}

// AllocatedBlock returns the BlockInfo for addr without installing
// anything. ok is false if addr falls in a region of the directory
// that has never been touched, which in particular means the block
// there is free.
func (d *Directory) AllocatedBlock(addr uintptr) (info *BlockInfo, ok bool) {
	return d.back.blockAt(d.Index(addr), false)
}
