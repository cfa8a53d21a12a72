package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevm/vmcore/internal/sysmem"
)

const granularity = 64 * 1024

func TestBlockInfoLifecycle(t *testing.T) {
	var b BlockInfo
	require.True(t, b.IsFree())

	require.True(t, b.MarkReserved())
	require.False(t, b.MarkReserved())
	require.True(t, b.IsReserved())

	require.True(t, b.Install(sysmem.HandleFromFD(7)))
	h, ok := b.Handle()
	require.True(t, ok)
	require.Equal(t, 7, h.FD())

	cleared, ok := b.Clear()
	require.True(t, ok)
	require.Equal(t, 7, cleared.FD())
	require.True(t, b.IsReserved())

	require.True(t, b.MarkFree())
	require.True(t, b.IsFree())
}

func TestDirectoryInstallsOnlyOnce(t *testing.T) {
	d := New(0, granularity, 1<<20)

	addr := uintptr(5 * granularity)
	_, ok := d.AllocatedBlock(addr)
	require.False(t, ok)

	b1, err := d.Block(addr)
	require.NoError(t, err)

	b2, err := d.Block(addr)
	require.NoError(t, err)
	require.Same(t, b1, b2)

	b3, ok := d.AllocatedBlock(addr)
	require.True(t, ok)
	require.Same(t, b1, b3)
}

func TestDirectoryIndexAddressRoundtrip(t *testing.T) {
	d := New(0x1000, granularity, 1<<20)
	addr := uintptr(0x1000 + 3*granularity)
	idx := d.Index(addr)
	require.Equal(t, uint64(3), idx)
	require.Equal(t, addr, d.Address(idx))
}

func TestExportAttachRoundtrip(t *testing.T) {
	s := sysmem.NewLinuxShim()
	d := New(0, granularity, 1<<20)

	for _, idx := range []uint64{2, 9, 100} {
		b, err := d.Block(d.Address(idx))
		require.NoError(t, err)
		require.True(t, b.MarkReserved())
		require.True(t, b.Install(sysmem.HandleFromFD(10+int(idx))))
	}

	h, err := d.Export(s, "vmcore.directory-test")
	require.NoError(t, err)
	defer s.CloseHandle(h)

	snap, err := parseSnapshot(s, h)
	require.NoError(t, err)

	w, ok := snap.Word(9)
	require.True(t, ok)
	require.Equal(t, encodeFD(19), w)

	_, ok = snap.Word(3)
	require.False(t, ok)
}
