package addrspace

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevm/vmcore/internal/sysmem"
)

const (
	blockSize = 64 * 1024
	pageSize  = 4096
)

func newTestSpace(t *testing.T) *AddressSpace {
	t.Helper()
	return New(sysmem.NewLinuxShim(), pageSize, blockSize, "vmcore.addrspace-test")
}

func TestReserveCommitRelease(t *testing.T) {
	a := newTestSpace(t)

	addr, err := a.Reserve(0, blockSize)
	require.NoError(t, err)

	committed, err := a.CheckCommitted(addr, pageSize)
	require.NoError(t, err)
	require.False(t, committed)

	require.NoError(t, a.Commit(addr, pageSize, false))
	committed, err = a.CheckCommitted(addr, pageSize)
	require.NoError(t, err)
	require.True(t, committed)

	buf := sysmem.ByteSlice(addr, 8)
	buf[0] = 0xAB

	require.NoError(t, a.Release(addr, blockSize))

	info := a.Query(addr)
	require.False(t, info.Reserved)
}

func TestCommitRejectsUnreserved(t *testing.T) {
	a := newTestSpace(t)
	err := a.Commit(0x10000000, pageSize, false)
	require.Error(t, err)
}

func TestCopySharesBetweenReservations(t *testing.T) {
	a := newTestSpace(t)

	src, err := a.Reserve(0, blockSize)
	require.NoError(t, err)
	dst, err := a.Reserve(0, blockSize)
	require.NoError(t, err)

	require.NoError(t, a.Commit(src, blockSize, false))
	sysmem.ByteSlice(src, 1)[0] = 0x5

	require.NoError(t, a.Copy(src, dst, blockSize, CopyOptions{}))

	require.Equal(t, byte(0x5), sysmem.ByteSlice(dst, 1)[0])
	require.True(t, a.IsCopy(dst))
	require.True(t, a.IsCopy(src))
}

func TestFaultTraceRecordsTransitionsOnlyWhenEnabled(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Reserve(0, blockSize)
	require.NoError(t, err)

	require.NoError(t, a.Commit(addr, pageSize, false))
	require.Empty(t, a.FaultTrace())

	a.SetFaultTracing(true)
	require.NoError(t, a.Commit(addr+pageSize, pageSize, false))
	require.NotEmpty(t, a.FaultTrace())

	a.SetFaultTracing(false)
	before := len(a.FaultTrace())
	require.NoError(t, a.Commit(addr+2*pageSize, pageSize, false))
	require.Len(t, a.FaultTrace(), before)
}

func TestExportAttachDirectory(t *testing.T) {
	a := newTestSpace(t)
	addr, err := a.Reserve(0, blockSize)
	require.NoError(t, err)
	require.NoError(t, a.Commit(addr, pageSize, false))

	fd, err := a.ExportDirectory()
	require.NoError(t, err)

	supervisor := newTestSpace(t)
	view, snap, err := AttachSupervised(supervisor, os.Getpid(), fd)
	require.NoError(t, err)
	defer view.Close()

	idx := a.dir.Index(addr)
	require.True(t, snap.IsCommitted(idx))

	buf := make([]byte, 1)
	_, err = view.ReadAt(buf, int64(addr))
	require.NoError(t, err)

	_, err = view.WriteAt([]byte{0x5a}, int64(addr))
	require.NoError(t, err)
	_, err = view.ReadAt(buf, int64(addr))
	require.NoError(t, err)
	require.Equal(t, byte(0x5a), buf[0])
}
