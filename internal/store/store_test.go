package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-civitai-batch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newTestTask(t *testing.T, kind models.TaskKind, remoteID, target string) models.Task {
	t.Helper()
	task, err := models.NewTask(kind, remoteID, target, nil)
	require.NoError(t, err)
	return task
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t)

	first := newTestTask(t, models.TaskModelFile, "123", "/out/a.safetensors")
	stored, added, err := s.Enqueue(first)
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, first.ID, stored.ID)

	// Same kind, remote id and target path: must not create a second task.
	dup := newTestTask(t, models.TaskModelFile, "123", "/out/a.safetensors")
	stored, added, err = s.Enqueue(dup)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, first.ID, stored.ID)

	// A different target path is a distinct task.
	other := newTestTask(t, models.TaskModelFile, "123", "/out/b.safetensors")
	_, added, err = s.Enqueue(other)
	require.NoError(t, err)
	assert.True(t, added)

	counts := s.CountByStatus()
	assert.Equal(t, 2, counts[models.StatusPending])
}

func TestClaimIsFIFOAndMarksInFlight(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		task := newTestTask(t, models.TaskModelFile, string(rune('a'+i)), "/out/"+string(rune('a'+i)))
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_, _, err := s.Enqueue(task)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	claimed, err := s.Claim(2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	assert.Equal(t, models.StatusInFlight, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)

	// Claimed tasks are not claimable again.
	again, err := s.Claim(10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, ids[2], again[0].ID)
}

func TestClaimRespectsNotBefore(t *testing.T) {
	s, _ := openTestStore(t)

	task := newTestTask(t, models.TaskGalleryImage, "img1", "/out/img1.png")
	_, _, err := s.Enqueue(task)
	require.NoError(t, err)
	_, err = s.Claim(1)
	require.NoError(t, err)

	require.NoError(t, s.Requeue(task.ID, time.Hour, &models.TaskError{Class: "rate_limit_429"}))

	claimed, err := s.Claim(1)
	require.NoError(t, err)
	assert.Empty(t, claimed, "delayed task must not be claimable before NotBefore")
}

func TestClaimFiltersByKind(t *testing.T) {
	s, _ := openTestStore(t)

	_, _, err := s.Enqueue(newTestTask(t, models.TaskModelFile, "m1", "/out/m1"))
	require.NoError(t, err)
	_, _, err = s.Enqueue(newTestTask(t, models.TaskGalleryImage, "g1", "/out/g1"))
	require.NoError(t, err)

	claimed, err := s.Claim(10, models.TaskGalleryImage, models.TaskUserImage, models.TaskPreviewImage)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.TaskGalleryImage, claimed[0].Kind)
}

func TestCompleteAndRequeueLifecycle(t *testing.T) {
	s, _ := openTestStore(t)

	task := newTestTask(t, models.TaskModelFile, "m1", "/out/m1")
	_, _, err := s.Enqueue(task)
	require.NoError(t, err)
	_, err = s.Claim(1)
	require.NoError(t, err)

	taskErr := &models.TaskError{Class: "server_5xx", Message: "HTTP 503", Attempt: 1}
	require.NoError(t, s.Requeue(task.ID, 0, taskErr))

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "server_5xx", got.LastError.Class)

	_, err = s.Claim(1)
	require.NoError(t, err)
	require.NoError(t, s.Complete(task.ID, models.StatusDone, nil))

	got, err = s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, 2, got.Attempts)

	// Terminal tasks cannot transition again.
	assert.Error(t, s.Complete(task.ID, models.StatusFailed, nil))
	assert.Error(t, s.Requeue(task.ID, 0, nil))
}

func TestReleaseRefundsAttempt(t *testing.T) {
	s, _ := openTestStore(t)

	task := newTestTask(t, models.TaskUserImage, "u1", "/out/u1")
	_, _, err := s.Enqueue(task)
	require.NoError(t, err)
	_, err = s.Claim(1)
	require.NoError(t, err)

	require.NoError(t, s.Release(task.ID))
	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	// Only in-flight tasks can be released.
	assert.ErrorIs(t, s.Release(task.ID), ErrNotClaimable)
}

func TestResumeRecoversInFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	require.NoError(t, err)

	done := newTestTask(t, models.TaskModelFile, "d1", "/out/d1")
	_, _, err = s.Enqueue(done)
	require.NoError(t, err)
	inflight := newTestTask(t, models.TaskModelFile, "f1", "/out/f1")
	_, _, err = s.Enqueue(inflight)
	require.NoError(t, err)

	claimed, err := s.Claim(2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, s.Complete(done.ID, models.StatusDone, nil))
	require.NoError(t, s.Close())

	// Reopen: the abandoned in-flight task goes back to pending, the
	// completed one stays terminal and acts as a skip gate.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	recovered, terminal, err := s.Resume()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, terminal)

	got, err := s.Get(inflight.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	existing, ok := s.Lookup(models.TaskModelFile, "d1", "/out/d1")
	require.True(t, ok)
	assert.Equal(t, models.StatusDone, existing.Status)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	require.NoError(t, err)

	task := newTestTask(t, models.TaskPreviewImage, "p1", "/out/p1.png")
	_, _, err = s.Enqueue(task)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RemoteID, got.RemoteID)
	assert.Equal(t, models.StatusPending, got.Status)

	// Dedupe survives reopen too.
	_, added, err := s.Enqueue(newTestTask(t, models.TaskPreviewImage, "p1", "/out/p1.png"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestBackupRotationAndCorruptionFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := Open(path)
	require.NoError(t, err)

	task := newTestTask(t, models.TaskModelFile, "m1", "/out/m1")
	_, _, err = s.Enqueue(task)
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	require.DirExists(t, path+".bak")

	// Wreck the primary: replace the directory with a plain file so open
	// fails outright.
	require.NoError(t, os.RemoveAll(path))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))

	s, err = Open(path)
	require.NoError(t, err, "backup should be promoted when the primary is corrupt")
	defer s.Close()

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "m1", got.RemoteID)
}

func TestCheckpointAfterTransitionBurst(t *testing.T) {
	s, _ := openTestStore(t)

	rotations := 0
	s.checkpointFn = func() error {
		rotations++
		return nil
	}

	for i := 0; i < checkpointTransitions; i++ {
		id := fmt.Sprintf("m%d", i)
		_, _, err := s.Enqueue(newTestTask(t, models.TaskModelFile, id, filepath.Join("/out", id)))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, rotations, 1)
}

func TestRetryFailedResetsAttempts(t *testing.T) {
	s, _ := openTestStore(t)

	task := newTestTask(t, models.TaskModelFile, "m1", "/out/m1")
	_, _, err := s.Enqueue(task)
	require.NoError(t, err)
	_, err = s.Claim(1)
	require.NoError(t, err)
	require.NoError(t, s.Complete(task.ID, models.StatusFailed, &models.TaskError{Class: "server_5xx"}))

	requeued, err := s.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := s.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	require.NotNil(t, got.LastError, "the failure record is kept for inspection")
}

func TestWalkOrdersByCreation(t *testing.T) {
	s, _ := openTestStore(t)

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		task := newTestTask(t, models.TaskModelFile, string(rune('a'+i)), "/out/"+string(rune('a'+i)))
		task.CreatedAt = base.Add(time.Duration(2-i) * time.Second)
		_, _, err := s.Enqueue(task)
		require.NoError(t, err)
	}

	var order []string
	require.NoError(t, s.Walk(func(task models.Task) error {
		order = append(order, task.RemoteID)
		return nil
	}))
	assert.Equal(t, []string{"c", "b", "a"}, order)
}
