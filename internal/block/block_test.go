package block

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevm/vmcore/internal/pagestate"
	"github.com/pagevm/vmcore/internal/sysmem"
)

const (
	blockSize = 64 * 1024
	pageSize  = 4096
)

func reserve(t *testing.T, s sysmem.Shim, size uintptr) uintptr {
	t.Helper()
	addr, err := s.Reserve(0, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Release(addr, size) })
	return addr
}

func TestMapCommitDecommit(t *testing.T) {
	s := sysmem.NewLinuxShim()
	addr := reserve(t, s, blockSize)

	b, err := Map(s, "vmcore.block-test.map", addr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Unmap() })

	require.False(t, b.CheckCommitted(0, pageSize))

	require.NoError(t, b.Commit(0, pageSize, false))
	require.True(t, b.CheckCommitted(0, pageSize))

	buf := sysmem.ByteSlice(addr, pageSize)
	buf[0] = 0x42
	require.Equal(t, byte(0x42), buf[0])

	require.NoError(t, b.Decommit(0, pageSize))
	require.False(t, b.CheckCommitted(0, pageSize))
	require.Equal(t, pagestate.Decommitted, b.state.Get(0))
}

func TestChangeProtectionRoundtrips(t *testing.T) {
	s := sysmem.NewLinuxShim()
	addr := reserve(t, s, blockSize)

	b, err := Map(s, "vmcore.block-test.protect", addr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Unmap() })

	require.NoError(t, b.Commit(0, blockSize, false))
	require.NoError(t, b.ChangeProtection(0, blockSize, true))
	require.True(t, b.state.Get(0).IsReadOnly())

	require.NoError(t, b.ChangeProtection(0, blockSize, false))
	require.False(t, b.state.Get(0).IsReadOnly())
}

func TestCopySharesWholeBlock(t *testing.T) {
	s := sysmem.NewLinuxShim()
	srcAddr := reserve(t, s, blockSize)
	dstAddr := reserve(t, s, blockSize)

	src, err := Map(s, "vmcore.block-test.copy-src", srcAddr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Unmap() })
	require.NoError(t, src.Commit(0, blockSize, false))

	srcBuf := sysmem.ByteSlice(srcAddr, blockSize)
	srcBuf[0] = 0x7

	tracker := pagestate.NewTracker()
	dst, err := Copy(s, src, dstAddr, "", CopyOptions{Tracker: tracker, DestBlockIndex: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Unmap() })

	dstBuf := sysmem.ByteSlice(dstAddr, blockSize)
	require.Equal(t, byte(0x7), dstBuf[0])
	require.True(t, dst.state.Get(0).IsShared())
	require.True(t, src.state.Get(0).IsShared())
	require.True(t, tracker.WasShared(1))

	same, err := dst.IsCopy(s, src.handle)
	require.NoError(t, err)
	require.True(t, same)
}

func TestCopyIntoBlendsSubRangeLeavingRestOfDestinationIntact(t *testing.T) {
	s := sysmem.NewLinuxShim()
	srcAddr := reserve(t, s, blockSize)
	dstAddr := reserve(t, s, blockSize)

	src, err := Map(s, "vmcore.block-test.partial-src", srcAddr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Unmap() })
	require.NoError(t, src.Commit(0, pageSize, false))
	sysmem.ByteSlice(srcAddr, pageSize)[0] = 0x9

	dst, err := Map(s, "vmcore.block-test.partial-dst", dstAddr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Unmap() })
	require.NoError(t, dst.Commit(pageSize, pageSize, false))
	sysmem.ByteSlice(dstAddr+pageSize, pageSize)[0] = 0x5

	require.NoError(t, CopyInto(dst, src, 0, 0, pageSize, false))

	require.Equal(t, byte(0x9), sysmem.ByteSlice(dstAddr, pageSize)[0])
	require.Equal(t, byte(0x5), sysmem.ByteSlice(dstAddr+pageSize, pageSize)[0], "unrelated page already committed in dst must survive")

	isCopy, err := dst.IsCopy(s, src.handle)
	require.NoError(t, err)
	require.False(t, isCopy)
}

func TestCopyIntoSkipsUncommittedSourcePages(t *testing.T) {
	s := sysmem.NewLinuxShim()
	srcAddr := reserve(t, s, blockSize)
	dstAddr := reserve(t, s, blockSize)

	src, err := Map(s, "vmcore.block-test.sparse-src", srcAddr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Unmap() })
	require.NoError(t, src.Commit(pageSize, pageSize, false))

	dst, err := Map(s, "vmcore.block-test.sparse-dst", dstAddr, blockSize, pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dst.Unmap() })

	require.NoError(t, CopyInto(dst, src, 0, 0, 2*pageSize, false))
	require.False(t, dst.CheckCommitted(0, pageSize))
	require.True(t, dst.CheckCommitted(pageSize, pageSize))
}
