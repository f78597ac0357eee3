package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/runner"
	"github.com/stagehand/stagehand/internal/tracker"
)

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	s := f.createSession(t)
	f.mgr.BeginSubroutine(s.ID, "build", false)
	f.mgr.HandlerFor(s.ID)(runner.Event{Type: runner.EventThought, Text: "working"})
	f.mgr.UpdateProcedureState(s.ID, func(ss *Session) {
		ss.Procedure.Validation.Iteration = 2
	})
	f.mgr.Complete(context.Background(), s.ID)

	snap := f.mgr.Snapshot()
	require.Len(t, snap.Sessions, 1)
	require.Len(t, snap.Entries[s.ID], 1)

	restored := NewManager(tracker.NewMemoryService(), nil, time.Hour, testLogger(t))
	restored.Restore(snap)

	got, ok := restored.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, 2, got.Procedure.Validation.Iteration)
	assert.Len(t, restored.Entries(s.ID), 1)
}

func TestRestoreMarksActiveSessionsInterrupted(t *testing.T) {
	f := newFixture(t)
	s := f.createSession(t)

	snap := f.mgr.Snapshot()

	restored := NewManager(tracker.NewMemoryService(), nil, time.Hour, testLogger(t))
	restored.Restore(snap)

	got, ok := restored.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "interrupted by restart", got.StatusReason)
}

func TestStoreSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := OpenStore(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, st.Close()) }()

	ctx := context.Background()

	_, err = st.Load(ctx)
	assert.True(t, fault.IsKind(err, fault.NotFound))

	f := newFixture(t)
	s := f.createSession(t)
	f.mgr.HandlerFor(s.ID)(runner.Event{Type: runner.EventResponse, Text: "hello"})

	require.NoError(t, st.Save(ctx, f.mgr.Snapshot()))

	// A newer snapshot supersedes the first.
	f.mgr.Complete(ctx, s.ID)
	require.NoError(t, st.Save(ctx, f.mgr.Snapshot()))

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, StatusComplete, snap.Sessions[0].Status)
	assert.Len(t, snap.Entries[s.ID], 1)
}
