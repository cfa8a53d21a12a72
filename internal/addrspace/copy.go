package addrspace

import (
	"fmt"

	"github.com/pagevm/vmcore/internal/block"
)

// CopyOptions controls Copy's move/share behavior and destination
// access.
type CopyOptions struct {
	Move     bool
	ReadOnly bool
}

// copyChunk is one block-bounded slice of a Copy call. Because src
// and dest need not share the same alignment modulo BlockSize, a
// chunk ends wherever either side first reaches its own block
// boundary: runSize only ever equals a.blockSize when both srcRel
// and destRel are zero, i.e. when the chunk covers an entire block
// on both sides at once.
type copyChunk struct {
	srcBlockAddr, destBlockAddr uintptr
	srcRel, destRel             uintptr
	runSize                     uintptr
}

func (a *AddressSpace) copyChunks(srcAddr, destAddr, size uintptr) []copyChunk {
	var chunks []copyChunk
	for cur := uintptr(0); cur < size; {
		srcAbs := srcAddr + cur
		destAbs := destAddr + cur
		srcBlockAddr := srcAbs - srcAbs%a.blockSize
		destBlockAddr := destAbs - destAbs%a.blockSize
		srcRel := srcAbs - srcBlockAddr
		destRel := destAbs - destBlockAddr

		run := size - cur
		if r := a.blockSize - srcRel; r < run {
			run = r
		}
		if r := a.blockSize - destRel; r < run {
			run = r
		}

		chunks = append(chunks, copyChunk{srcBlockAddr, destBlockAddr, srcRel, destRel, run})
		cur += run
	}
	return chunks
}

// Copy transplants [srcAddr, srcAddr+size) onto [destAddr,
// destAddr+size), sharing underlying storage copy-on-write wherever a
// chunk spans a whole block on both sides, and physically blending
// bytes in place otherwise so any other data already committed
// elsewhere in a destination block survives. Both addresses and size
// must be a multiple of PageSize; neither needs to be a multiple of
// BlockSize.
func (a *AddressSpace) Copy(srcAddr, destAddr, size uintptr, opts CopyOptions) error {
	if _, _, err := alignedRange(srcAddr, size, a.pageSize); err != nil {
		return fmt.Errorf("addrspace: copy: source: %w", err)
	}
	if _, _, err := alignedRange(destAddr, size, a.pageSize); err != nil {
		return fmt.Errorf("addrspace: copy: destination: %w", err)
	}

	chunks := a.copyChunks(srcAddr, destAddr, size)

	// A physical byte copy (any partial chunk; a whole-block chunk is
	// rewired and copies no bytes) corrupts data if a destination write
	// lands on a later
	// chunk's still-unread source before its turn comes. That can only
	// happen when the destination range starts ahead of the source
	// range within their overlap, so transplant highest-address-first
	// whenever it does; reversing is never wrong when it doesn't, just
	// occasionally unnecessary.
	if destAddr > srcAddr {
		for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
			chunks[i], chunks[j] = chunks[j], chunks[i]
		}
	}

	for _, c := range chunks {
		if c.runSize == a.blockSize {
			if err := a.copyWholeBlock(c, opts); err != nil {
				return err
			}
			continue
		}
		if err := a.copyPartialBlock(c, opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *AddressSpace) copyWholeBlock(c copyChunk, opts CopyOptions) error {
	srcBlock, ok, err := a.blockAt(c.srcBlockAddr)
	if err != nil {
		return fmt.Errorf("addrspace: copy: source block at %#x: %w", c.srcBlockAddr, err)
	}
	if !ok {
		return nil
	}

	destIdx := a.dir.Index(c.destBlockAddr)
	destInfo, err := a.dir.Block(c.destBlockAddr)
	if err != nil {
		return fmt.Errorf("addrspace: copy: destination directory install: %w", err)
	}
	// A destination block that has never been reserved, or one this
	// same call already vacated earlier (a move whose source and
	// destination ranges overlap), is still a valid target: the
	// surrounding virtual address range was reserved once, up front,
	// by the caller's own Reserve.
	if destInfo.IsFree() {
		destInfo.MarkReserved()
	} else if old, had := destInfo.Clear(); had {
		a.mu.Lock()
		delete(a.blocks, destIdx)
		a.mu.Unlock()
		_ = a.shim.CloseHandle(old)
	}

	dst, err := block.Copy(a.shim, srcBlock, c.destBlockAddr, a.mappingName(), block.CopyOptions{
		Move:           opts.Move,
		ReadOnly:       opts.ReadOnly,
		Tracker:        a.tracker,
		DestBlockIndex: destIdx,
	})
	if err != nil {
		return fmt.Errorf("addrspace: copy: block at %#x: %w", c.srcBlockAddr, err)
	}

	dst = a.wireBlock(dst)
	if !destInfo.Install(dst.Handle()) {
		return fmt.Errorf("addrspace: copy: destination block at %#x was concurrently installed", c.destBlockAddr)
	}

	a.mu.Lock()
	a.blocks[destIdx] = dst
	if opts.Move {
		delete(a.blocks, a.dir.Index(c.srcBlockAddr))
	}
	a.mu.Unlock()

	if !opts.Move {
		// block.Copy marks the destination index; the source now views
		// the same mapping object too.
		a.tracker.MarkShared(a.dir.Index(c.srcBlockAddr))
	}

	if opts.Move {
		// block.Copy already unmapped and released the source address;
		// the directory slot just needs to forget the handle it no
		// longer owns.
		if srcInfo, ok := a.dir.AllocatedBlock(c.srcBlockAddr); ok {
			srcInfo.Clear()
			srcInfo.MarkFree()
		}
	}
	return nil
}

// copyPartialBlock blends a sub-block range into the destination
// block in place, via block.CopyInto, rather than replacing its
// directory entry: any other data the destination block already
// holds elsewhere must survive.
func (a *AddressSpace) copyPartialBlock(c copyChunk, opts CopyOptions) error {
	srcBlock, ok, err := a.blockAt(c.srcBlockAddr)
	if err != nil {
		return fmt.Errorf("addrspace: copy: source block at %#x: %w", c.srcBlockAddr, err)
	}
	if !ok {
		return nil
	}

	destBlock, err := a.ensureBlock(c.destBlockAddr)
	if err != nil {
		return fmt.Errorf("addrspace: copy: destination block at %#x: %w", c.destBlockAddr, err)
	}

	if err := block.CopyInto(destBlock, srcBlock, c.destRel, c.srcRel, c.runSize, opts.ReadOnly); err != nil {
		return fmt.Errorf("addrspace: copy: %w", err)
	}

	if opts.Move {
		// Only the touched sub-range is given up; the block's
		// reservation is block-granular and must survive even if
		// this was the only data the block held. decommitBlockRange
		// retires the block entirely once nothing in it is
		// accessible anymore.
		if err := a.decommitBlockRange(c.srcBlockAddr, srcBlock, c.srcRel, c.runSize); err != nil {
			return fmt.Errorf("addrspace: copy: release source range: %w", err)
		}
	}
	return nil
}
