package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pagevm/vmcore/internal/config"
	"github.com/pagevm/vmcore/internal/sysmem"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		NamePrefix:       "vmcore.facade-test",
		BlockGranularity: 64 * 1024,
		LogLevel:         "error",
	}
}

func TestAllocateCommitRelease(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	addr, err := Allocate(0, 64*1024, Reserved)
	require.NoError(t, err)
	require.NotZero(t, addr)

	readable, err := IsReadable(addr, 64*1024)
	require.NoError(t, err)
	require.False(t, readable)

	require.NoError(t, Commit(addr, 64*1024, 0))
	readable, err = IsReadable(addr, 64*1024)
	require.NoError(t, err)
	require.True(t, readable)

	require.NoError(t, Release(addr, 64*1024))
}

func TestAllocateExactlyFailsSoftly(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	// An address inside the kernel half of the address space can never
	// be reserved; with Exactly set this is a nil return, not an error.
	addr, err := Allocate(0xffffffff00000000, 64*1024, Exactly)
	require.NoError(t, err)
	require.Zero(t, addr)
}

func TestProtectRequiresExactlyOneAccessFlag(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	addr, err := Allocate(0, 64*1024, 0)
	require.NoError(t, err)
	defer Release(addr, 64*1024)

	require.Error(t, Protect(addr, 64*1024, 0))
	require.Error(t, Protect(addr, 64*1024, ReadOnly|ReadWrite))
	require.NoError(t, Protect(addr, 64*1024, ReadOnly))
}

func TestCopySharesThenDiverges(t *testing.T) {
	require.NoError(t, Initialize(testConfig(t)))
	defer Terminate()

	src, err := Allocate(0, 64*1024, 0)
	require.NoError(t, err)
	defer Release(src, 64*1024)

	buf := sysmem.ByteSlice(src, 64*1024)
	for i := range buf {
		buf[i] = byte(i % 256)
	}

	dst, err := Copy(0, src, 64*1024, FlagAllocate)
	require.NoError(t, err)
	defer Release(dst, 64*1024)

	isCopy, err := IsCopy(dst, src, 64*1024)
	require.NoError(t, err)
	require.True(t, isCopy)

	private, err := IsPrivate(src, 64*1024)
	require.NoError(t, err)
	require.False(t, private)

	sysmem.ByteSlice(src, 1)[0] = 0xFF

	isCopy, err = IsCopy(dst, src, 64*1024)
	require.NoError(t, err)
	require.False(t, isCopy)

	private, err = IsPrivate(src, 64*1024)
	require.NoError(t, err)
	require.True(t, private)
}
