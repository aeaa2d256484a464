package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/storage/sqlite"
	"github.com/carepick/carepick/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "app.db")
	store, err := NewStorage(context.Background(), &Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	assert.FileExists(t, path)
	require.NoError(t, store.CreateJob(context.Background(), &types.Job{
		ID: "j", Capability: "doubao.stage1_vision", Status: types.JobQueued, CreatedAt: time.Now(),
	}))

	mem, err := NewStorage(context.Background(), &Config{Path: sqlite.MemoryPath})
	require.NoError(t, err)
	_ = mem.Close()
}

func TestExclusiveLock(t *testing.T) {
	dir := t.TempDir()

	lockPath, err := AcquireExclusiveLock(dir, "test")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, LockFileName), lockPath)

	// the same process may re-acquire
	_, err = AcquireExclusiveLock(dir, "test")
	require.NoError(t, err)

	require.NoError(t, ReleaseExclusiveLock(lockPath))
	assert.NoFileExists(t, lockPath)
	require.NoError(t, ReleaseExclusiveLock(lockPath))
	require.NoError(t, ReleaseExclusiveLock(""))
}

func TestExclusiveLockHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	hostname, err := os.Hostname()
	require.NoError(t, err)

	// the parent of the test binary is alive for the duration of the test
	data, err := json.Marshal(ExclusiveLock{Holder: "other", PID: os.Getppid(), Hostname: hostname, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0644))

	_, err = AcquireExclusiveLock(dir, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already using")
}

func TestExclusiveLockStale(t *testing.T) {
	dir := t.TempDir()
	hostname, err := os.Hostname()
	require.NoError(t, err)

	data, err := json.Marshal(ExclusiveLock{Holder: "old", PID: 999999999, Hostname: hostname})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, LockFileName), data, 0644))

	lockPath, err := AcquireExclusiveLock(dir, "test")
	require.NoError(t, err)
	defer func() { _ = ReleaseExclusiveLock(lockPath) }()

	raw, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	var lock ExclusiveLock
	require.NoError(t, json.Unmarshal(raw, &lock))
	assert.Equal(t, os.Getpid(), lock.PID)
	assert.Equal(t, "carepick-serve", lock.Holder)
}
