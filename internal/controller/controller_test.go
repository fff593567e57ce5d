package controller

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/ci-runner/internal/logstream"
	runtimepkg "github.com/cuemby/ci-runner/internal/runtime"
	"github.com/cuemby/ci-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *fakeStore, *fakeRuntime) {
	t.Helper()
	st := newFakeStore()
	rt := newFakeRuntime()
	cfg := Config{
		NamespacePrefix: "test",
		ScratchDir:      t.TempDir(),
		RunnerImage:     "test-image",
		TestCommand:     "true",
	}
	c := New(cfg, st, rt, logstream.NewRegistry())
	return c, st, rt
}

func writeTestZip(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.zip")

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create("package.json")
	require.NoError(t, err)
	_, err = entry.Write([]byte(`{"name":"demo"}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return path
}

func TestReconcileOnce_QueuedJobStartsContainer(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))

	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: writeTestZip(t)}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))

	got, err := st.GetJob("j1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.NotEmpty(t, got.ContainerID)

	status, err := rt.Inspect(context.Background(), got.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, runtimepkg.StateRunning, status.State)
}

func TestReconcileOnce_QueuedJobWithBadZipFails(t *testing.T) {
	c, st, _ := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))

	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: filepath.Join(t.TempDir(), "missing.zip")}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))

	got, err := st.GetJob("j1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileOnce_RunningJobCompletesOnExitZero(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))
	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: writeTestZip(t)}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))
	running, err := st.GetJob("j1", "")
	require.NoError(t, err)

	rt.setExited(running.ContainerID, 0)
	require.NoError(t, c.ReconcileOnce(context.Background()))

	got, err := st.GetJob("j1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)

	ids, err := rt.List(context.Background(), "test")
	require.NoError(t, err)
	assert.Empty(t, ids, "exited container should have been removed")
}

func TestReconcileOnce_RunningJobCompletesOnNonZeroExit(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))
	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: writeTestZip(t)}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))
	running, err := st.GetJob("j1", "")
	require.NoError(t, err)

	rt.setExited(running.ContainerID, 1)
	require.NoError(t, c.ReconcileOnce(context.Background()))

	got, err := st.GetJob("j1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileOnce_RunningJobMarkedFailedWhenContainerLost(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))
	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: writeTestZip(t)}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))
	running, err := st.GetJob("j1", "")
	require.NoError(t, err)

	rt.setMissing(running.ContainerID)
	require.NoError(t, c.ReconcileOnce(context.Background()))

	got, err := st.GetJob("j1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestReconcileOnce_OrphanContainerRemoved(t *testing.T) {
	c, _, rt := newTestController(t)

	_, err := rt.CreateAndStart(context.Background(), runtimepkg.JobContainerSpec{Name: "test-job-orphan"})
	require.NoError(t, err)

	require.NoError(t, c.ReconcileOnce(context.Background()))

	ids, err := rt.List(context.Background(), "test")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReconcileOnce_IdempotentOnUnchangedWorld(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))
	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: writeTestZip(t)}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))
	first, err := st.GetJob("j1", "")
	require.NoError(t, err)

	require.NoError(t, c.ReconcileOnce(context.Background()))
	second, err := st.GetJob("j1", "")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.ContainerID, second.ContainerID)

	ids, err := rt.List(context.Background(), "test")
	require.NoError(t, err)
	assert.Len(t, ids, 1, "second pass must not create a duplicate container")
}

func TestReconcileOnce_TerminalJobCleansUpContainerAndStash(t *testing.T) {
	c, st, rt := newTestController(t)
	u := &types.User{ID: "u1", IsActive: true}
	require.NoError(t, st.CreateUser(u))

	zipPath := writeTestZip(t)
	job := &types.Job{ID: "j1", UserID: u.ID, ZipFilePath: zipPath}
	require.NoError(t, st.CreateJob(job))

	require.NoError(t, c.ReconcileOnce(context.Background()))
	running, err := st.GetJob("j1", "")
	require.NoError(t, err)

	rt.setExited(running.ContainerID, 0)
	require.NoError(t, c.ReconcileOnce(context.Background()))

	// A further pass over the now-terminal job must be a safe no-op.
	require.NoError(t, c.ReconcileOnce(context.Background()))

	ids, err := rt.List(context.Background(), "test")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
