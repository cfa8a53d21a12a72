//go:build linux

package sysmem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScopedReturnsHandleOnSuccess(t *testing.T) {
	s := NewLinuxShim()
	h, err := s.CreateFileMapping("vmcore-test.scoped-ok", 4096)
	require.NoError(t, err)
	defer s.CloseHandle(h)

	var got Handle
	err = Scoped(s,
		func() (Handle, error) { return s.Duplicate(h) },
		func(dup Handle) error {
			got = dup
			return nil
		},
	)
	require.NoError(t, err)
	defer s.CloseHandle(got)

	equal, err := s.CompareHandles(h, got)
	require.NoError(t, err)
	require.True(t, equal)
}

func TestScopedClosesHandleWhenUseFails(t *testing.T) {
	s := NewLinuxShim()
	h, err := s.CreateFileMapping("vmcore-test.scoped-fail", 4096)
	require.NoError(t, err)
	defer s.CloseHandle(h)

	wantErr := errors.New("use failed")
	var dupSeen Handle
	err = Scoped(s,
		func() (Handle, error) { return s.Duplicate(h) },
		func(dup Handle) error {
			dupSeen = dup
			return wantErr
		},
	)
	require.ErrorIs(t, err, wantErr)

	// Scoped already closed dupSeen; closing it again must fail since
	// the fd is no longer open.
	require.Error(t, s.CloseHandle(dupSeen))
}

func TestScopedPropagatesAcquireError(t *testing.T) {
	s := NewLinuxShim()
	wantErr := errors.New("acquire failed")
	used := false

	err := Scoped(s,
		func() (Handle, error) { return Handle{}, wantErr },
		func(Handle) error {
			used = true
			return nil
		},
	)
	require.ErrorIs(t, err, wantErr)
	require.False(t, used)
}
