package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevm/vmcore/internal/sysmem"
)

// These mirror the scenarios a protection domain is expected to get
// right end to end, one per facade call sequence rather than one per
// internal layer.

func TestScenarioAllocateRelease(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const size = 4 * 64 * 1024
	b, err := Allocate(0, size, Reserved)
	require.NoError(t, err)
	require.NoError(t, Release(b, size))

	reallocated, err := Allocate(b, size, Exactly)
	require.NoError(t, err)
	require.Equal(t, b, reallocated)

	half := uintptr(size / 2)
	require.NoError(t, Release(b, half))
	require.NoError(t, Release(b+half, half))

	reallocated, err = Allocate(b, size, Exactly)
	require.NoError(t, err)
	require.Equal(t, b, reallocated)
	require.NoError(t, Release(b, size))
}

func TestScenarioCommit(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const size = 8 * 64 * 1024
	b, err := Allocate(0, size, Reserved)
	require.NoError(t, err)
	defer Release(b, size)

	writable, err := IsWritable(b, size)
	require.NoError(t, err)
	require.False(t, writable)

	require.NoError(t, Commit(b, size, 0))
	buf := sysmem.ByteSlice(b, size)
	for i := range buf {
		buf[i] = byte(i)
	}

	private, err := IsPrivate(b, size)
	require.NoError(t, err)
	require.True(t, private)

	require.NoError(t, Decommit(b, size))
	require.NoError(t, Decommit(b, size))
	require.NoError(t, Commit(b, size, 0))
	require.NoError(t, Commit(b, size, 0))
}

func TestScenarioShare(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const size = 8 * 64 * 1024
	b, err := Allocate(0, size, 0)
	require.NoError(t, err)
	defer Release(b, size)

	buf := sysmem.ByteSlice(b, size)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	s, err := Copy(0, b, size, FlagAllocate)
	require.NoError(t, err)
	defer Release(s, size)
	require.Equal(t, byte(1), sysmem.ByteSlice(s, size)[1])

	private, err := IsPrivate(s, size)
	require.NoError(t, err)
	require.False(t, private)
	private, err = IsPrivate(b, size)
	require.NoError(t, err)
	require.False(t, private)

	isCopy, err := IsCopy(s, b, size)
	require.NoError(t, err)
	require.True(t, isCopy)
	isCopy, err = IsCopy(b, s, size)
	require.NoError(t, err)
	require.True(t, isCopy)

	sysmem.ByteSlice(b, 1)[0] = 0xEE
	isCopy, err = IsCopy(s, b, size)
	require.NoError(t, err)
	require.False(t, isCopy)
	private, err = IsPrivate(b, size)
	require.NoError(t, err)
	require.True(t, private)

	sysmem.ByteSlice(s, 1)[0] = 0xAA
	_, err = Copy(b, s, size, 0)
	require.NoError(t, err)
	isCopy, err = IsCopy(s, b, size)
	require.NoError(t, err)
	require.True(t, isCopy)
}

func TestScenarioShift(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const (
		blockSize = 64 * 1024
		n         = 4 * blockSize
		g         = blockSize
	)
	b, err := Allocate(0, n+g, Reserved)
	require.NoError(t, err)
	require.NoError(t, Commit(b, n, 0))

	buf := sysmem.ByteSlice(b, n)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	shifted, err := Copy(b+g, b, n, Exactly|FlagRelease)
	require.NoError(t, err)
	require.Equal(t, b+g, shifted)
	require.Equal(t, byte(0), sysmem.ByteSlice(shifted, n)[0])

	freed, err := IsReadable(b, g)
	require.NoError(t, err)
	require.False(t, freed)

	shiftedBack, err := Copy(b, shifted, n, FlagAllocate|Exactly|FlagRelease)
	require.NoError(t, err)
	require.Equal(t, b, shiftedBack)
	require.NoError(t, Release(b, n+g))
}

func TestScenarioSmallBlock(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const size = 4
	b, err := Allocate(0, size, 0)
	require.NoError(t, err)
	defer Release(b, 64*1024)

	s, err := Copy(0, b, size, FlagAllocate)
	require.NoError(t, err)
	require.NoError(t, Commit(s, size, 0))

	ro, err := Copy(0, b, size, FlagAllocate|ReadOnly)
	require.NoError(t, err)
	writable, err := IsWritable(ro, size)
	require.NoError(t, err)
	require.False(t, writable)

	_, err = Copy(0, b, size, FlagAllocate|FlagDecommit)
	require.NoError(t, err)
	readable, err := IsReadable(b, size)
	require.NoError(t, err)
	require.False(t, readable)

	require.NoError(t, Commit(b, size, 0))
	inPlace, err := Copy(b, s, size, FlagRelease)
	require.NoError(t, err)
	require.Equal(t, b, inPlace)
}

// A range smaller than a whole block, like this 5-byte copy of a
// read-only source, always falls through to a physical byte copy:
// sharing only ever happens when an entire block changes hands, since
// that is the only granularity at which the underlying mapping object
// can be handed to a second view instead of duplicated byte for byte.
func TestScenarioReadOnlySourceCopiesPhysically(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	const size = 5
	roSource, err := Allocate(0, size, 0)
	require.NoError(t, err)
	defer Release(roSource, 64*1024)
	copy(sysmem.ByteSlice(roSource, size), []byte{1, 2, 3, 4, 5})
	require.NoError(t, Protect(roSource, size, ReadOnly))

	dst, err := Copy(0, roSource, size, FlagAllocate)
	require.NoError(t, err)
	defer Release(dst, 64*1024)

	require.Equal(t, sysmem.ByteSlice(roSource, size), sysmem.ByteSlice(dst, size))
	isCopy, err := IsCopy(dst, roSource, size)
	require.NoError(t, err)
	require.False(t, isCopy)
}
