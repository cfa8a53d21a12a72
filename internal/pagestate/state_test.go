package pagestate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMasksArePairwiseConsistent(t *testing.T) {
	require.Equal(t, MaskAccess, MaskRW|MaskRO)
	require.Equal(t, State(0), MaskRW&MaskRO)
	require.Equal(t, MaskUnmapped, RWUnmapped|ROUnmapped)
	require.Equal(t, MaskMapped, MaskAccess&^MaskUnmapped)
}

func TestChangeAccessRoundtrips(t *testing.T) {
	for _, s := range []State{RWMappedPrivate, RWMappedShared, RWUnmapped} {
		ro := s.ChangeAccess(true)
		require.True(t, ro.IsReadOnly())
		rw := ro.ChangeAccess(false)
		require.Equal(t, s, rw)
	}
}

func TestIsSharedOnlyForSharedStates(t *testing.T) {
	require.True(t, RWMappedShared.IsShared())
	require.True(t, ROMappedShared.IsShared())
	require.False(t, RWMappedPrivate.IsShared())
	require.False(t, RWUnmapped.IsShared())
}

func TestVectorCoalesceRuns(t *testing.T) {
	v := NewVector(6)
	v.ApplyRun(0, 2, RWMappedPrivate)
	v.ApplyRun(2, 4, RWMappedShared)
	v.ApplyRun(4, 6, RWMappedPrivate)

	runs := v.CoalesceRuns(0, 6)
	require.Len(t, runs, 3)
	require.Equal(t, Run{0, 2, RWMappedPrivate}, runs[0])
	require.Equal(t, Run{2, 4, RWMappedShared}, runs[1])
	require.Equal(t, Run{4, 6, RWMappedPrivate}, runs[2])

	require.Equal(t, RWMappedPrivate|RWMappedShared, v.Bits())
}

func TestVectorHasOutside(t *testing.T) {
	v := NewVector(4)
	v.Set(0, RWMappedPrivate)
	require.True(t, v.HasOutside(1, 4, MaskAccess))
	require.False(t, v.HasOutside(0, 4, MaskAccess))
}

func TestVectorRecordsTransitionsWhenRecorderAttached(t *testing.T) {
	v := NewVector(4)
	rec := NewRecorder(8)
	rec.SetEnabled(true)
	v.SetRecorder(rec)

	v.Set(0, RWMappedPrivate)
	v.ApplyRun(1, 3, RWMappedPrivate)
	v.Set(0, RWMappedPrivate) // no-op: state unchanged, must not record

	events := rec.Events()
	require.Len(t, events, 3)
	require.Equal(t, Event{PageIndex: 0, From: NotCommitted, To: RWMappedPrivate}, events[0])
	require.Equal(t, Event{PageIndex: 1, From: NotCommitted, To: RWMappedPrivate}, events[1])
	require.Equal(t, Event{PageIndex: 2, From: NotCommitted, To: RWMappedPrivate}, events[2])
}

func TestVectorWithoutRecorderDoesNotPanic(t *testing.T) {
	v := NewVector(2)
	require.NotPanics(t, func() {
		v.Set(0, RWMappedPrivate)
		v.ApplyRun(0, 2, RWMappedShared)
	})
}

func TestRecorderDropsOldestWhenFull(t *testing.T) {
	rec := NewRecorder(2)
	rec.SetEnabled(true)
	rec.Record(Event{PageIndex: 0})
	rec.Record(Event{PageIndex: 1})
	rec.Record(Event{PageIndex: 2})

	events := rec.Events()
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].PageIndex)
	require.Equal(t, 2, events[1].PageIndex)
}

func TestRecorderDisabledByDefaultRecordsNothing(t *testing.T) {
	rec := NewRecorder(4)
	rec.Record(Event{PageIndex: 0})
	require.Empty(t, rec.Events())
}

func TestTrackerMarksAndQueries(t *testing.T) {
	tr := NewTracker()
	require.False(t, tr.WasShared(5))
	tr.MarkShared(5)
	require.True(t, tr.WasShared(5))
	require.True(t, tr.AnySharedInRange(0, 10))
	require.False(t, tr.AnySharedInRange(6, 10))
}
