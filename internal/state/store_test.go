package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/model"
)

// TestCreateFresh_NotPersistedUntilApply verifies a fresh store doesn't
// touch disk before the first Apply.
func TestCreateFresh_NotPersistedUntilApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s := CreateFresh(path, dir)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	snap := s.Snapshot()
	assert.Equal(t, model.StatusIdle, snap.Status)
	assert.Empty(t, snap.Phases)
}

// TestApply_PersistsAndStampsTimestamp verifies Apply writes the document
// atomically and advances last_updated_at monotonically.
func TestApply_PersistsAndStampsTimestamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := CreateFresh(path, dir)

	snap1, err := s.Apply(func(ws *model.WorkflowState) error {
		ws.Status = model.StatusRunning
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"running"`)

	snap2, err := s.Apply(func(ws *model.WorkflowState) error {
		ws.CurrentPhase = 1
		return nil
	})
	require.NoError(t, err)
	assert.True(t, snap2.LastUpdatedAt.After(snap1.LastUpdatedAt) || snap2.LastUpdatedAt.Equal(snap1.LastUpdatedAt))
}

// TestApply_PatchErrorAbortsWithoutPersisting verifies a failing patch
// leaves the prior document on disk untouched.
func TestApply_PatchErrorAbortsWithoutPersisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := CreateFresh(path, dir)

	_, err := s.Apply(func(ws *model.WorkflowState) error {
		ws.Status = model.StatusRunning
		return nil
	})
	require.NoError(t, err)

	_, err = s.Apply(func(ws *model.WorkflowState) error {
		ws.Status = model.StatusError
		return assert.AnError
	})
	require.Error(t, err)

	assert.Equal(t, model.StatusRunning, s.Snapshot().Status)
}

// TestRestore_RoundTrips verifies a persisted document restores to an
// equivalent snapshot.
func TestRestore_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := CreateFresh(path, dir)

	_, err := s.Apply(func(ws *model.WorkflowState) error {
		ws.Phases = append(ws.Phases, model.NewPhase(1, "Bootstrap"))
		return nil
	})
	require.NoError(t, err)

	restored, err := Restore(path)
	require.NoError(t, err)
	snap := restored.Snapshot()
	require.Len(t, snap.Phases, 1)
	assert.Equal(t, "Bootstrap", snap.Phases[0].Name)
}

// TestRestore_NotFound verifies the distinguished not-found error kind.
func TestRestore_NotFound(t *testing.T) {
	_, err := Restore(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	var rerr *RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrNotFound, rerr.Kind)
}

// TestRestore_InvalidSchema_WaitingWithoutPendingQuestions verifies the
// status/pending_questions invariant is enforced on restore.
func TestRestore_InvalidSchema_WaitingWithoutPendingQuestions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	doc := `{"schema_version":1,"status":"waiting_for_human","pending_questions":{},"phases":[],"error_history":[]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	_, err := Restore(path)
	require.Error(t, err)
	var rerr *RestoreError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrInvalidSchema, rerr.Kind)
}

// TestSnapshot_IsDeepCopy verifies mutating a returned snapshot never
// leaks back into the store.
func TestSnapshot_IsDeepCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := CreateFresh(path, dir)

	snap := s.Snapshot()
	snap.Status = model.StatusError

	assert.Equal(t, model.StatusIdle, s.Snapshot().Status)
}
