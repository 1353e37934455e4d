package watcher_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestExistingMode_EmitsNoFilesWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	m := watcher.NewManager(newTestLogger(t))
	sessionID := uuid.New()

	require.NoError(t, m.Start(sessionID, dir, "*.mrc", domain.InputModeExisting))

	select {
	case ev := <-m.Events():
		require.Equal(t, watcher.EventNoFiles, ev.Kind)
		require.Equal(t, sessionID, ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for no_files event")
	}
}

func TestExistingMode_EmitsFilesAddedForStableMatches(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie001.mrc"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.mrc"), []byte("data"), 0o644))

	m := watcher.NewManager(newTestLogger(t))
	sessionID := uuid.New()
	require.NoError(t, m.Start(sessionID, dir, "*.mrc", domain.InputModeExisting))

	select {
	case ev := <-m.Events():
		require.Equal(t, watcher.EventFilesAdded, ev.Kind)
		require.Len(t, ev.Files, 1)
		require.Contains(t, ev.Files[0], "movie001.mrc")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for files_added event")
	}

	require.Eventually(t, func() bool {
		return m.FileCount(sessionID) == 1
	}, time.Second, 10*time.Millisecond)

	files := m.KnownFiles(sessionID)
	require.Len(t, files, 1)
	require.Contains(t, files[0], "movie001.mrc")
}

func TestManager_KnownFilesReturnsNilForUnknownSession(t *testing.T) {
	m := watcher.NewManager(newTestLogger(t))
	require.Nil(t, m.KnownFiles(uuid.New()))
}

func TestWatchMode_DetectsFileInExistingSubdirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "raw")
	require.NoError(t, os.Mkdir(sub, 0o755))

	m := watcher.NewManager(newTestLogger(t))
	sessionID := uuid.New()
	require.NoError(t, m.Start(sessionID, dir, "*.mrc", domain.InputModeWatch))
	t.Cleanup(func() { m.Stop(sessionID) })

	require.NoError(t, os.WriteFile(filepath.Join(sub, "movie002.mrc"), []byte("data"), 0o644))

	select {
	case ev := <-m.Events():
		require.Equal(t, watcher.EventFilesAdded, ev.Kind)
		require.Len(t, ev.Files, 1)
		require.Contains(t, ev.Files[0], "movie002.mrc")
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for files_added event from a subdirectory")
	}
}

func TestManager_StopRemovesSession(t *testing.T) {
	dir := t.TempDir()
	m := watcher.NewManager(newTestLogger(t))
	sessionID := uuid.New()
	require.NoError(t, m.Start(sessionID, dir, "*.mrc", domain.InputModeWatch))
	require.True(t, m.IsActive(sessionID))

	m.Stop(sessionID)
	require.False(t, m.IsActive(sessionID))
}
