package lock

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "vaultsync.lock")
}

func TestAcquire_WritesLease(t *testing.T) {
	path := lockPath(t)

	l, err := Acquire(path, "run-1", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Release() })

	assert.Nil(t, l.Recovered)
	assert.Equal(t, path, l.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var lease Lease
	require.NoError(t, json.Unmarshal(data, &lease))
	assert.Equal(t, "run-1", lease.RunID)
	assert.Equal(t, os.Getpid(), lease.PID)
	assert.WithinDuration(t, time.Now(), lease.AcquiredAt, time.Minute)
}

func TestAcquire_SecondCallerSeesHeld(t *testing.T) {
	path := lockPath(t)

	first, err := Acquire(path, "run-1", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Release() })

	second, err := Acquire(path, "run-2", time.Hour)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.ErrorIs(t, err, ErrHeld)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	require.NotNil(t, held.Lease)
	assert.Equal(t, "run-1", held.Lease.RunID)
	assert.False(t, held.Hung)
	assert.Contains(t, err.Error(), "sync already in progress")

	// the holder's lease must be untouched
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "run-1")
}

func TestAcquire_ReleaseAllowsNextRun(t *testing.T) {
	path := lockPath(t)

	first, err := Acquire(path, "run-1", time.Hour)
	require.NoError(t, err)
	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "double release is a no-op")

	info, err := os.Stat(path)
	require.NoError(t, err, "lock file is kept")
	assert.Zero(t, info.Size())

	second, err := Acquire(path, "run-2", time.Hour)
	require.NoError(t, err)
	defer func() { _ = second.Release() }()
	assert.Nil(t, second.Recovered, "a cleanly released lease is not a leftover")
}

func TestAcquire_RecoversLeaseOfCrashedRun(t *testing.T) {
	path := lockPath(t)
	// a run that died keeps its lease on disk, but the kernel lock is gone
	crashed := Lease{PID: 999999, Host: "old-host", RunID: "crashed", AcquiredAt: time.Now().Add(-time.Hour)}
	require.NoError(t, writeLease(path, &crashed))

	l, err := Acquire(path, "run-2", time.Hour)
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	require.NotNil(t, l.Recovered)
	assert.Equal(t, "crashed", l.Recovered.RunID)

	lease, err := readLease(path)
	require.NoError(t, err)
	assert.Equal(t, "run-2", lease.RunID)
}

func TestAcquire_HungHolderStillHeld(t *testing.T) {
	path := lockPath(t)

	holder, err := Acquire(path, "run-1", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release() })

	old := holder.Lease
	old.AcquiredAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, writeLease(path, &old))

	_, err = Acquire(path, "run-2", time.Hour)
	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.True(t, held.Hung)
	assert.Contains(t, err.Error(), "may be hung")
}

func TestAcquire_MissingDirectory(t *testing.T) {
	_, err := Acquire(filepath.Join(t.TempDir(), "no", "such", "vaultsync.lock"), "run", time.Hour)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}

func TestInspect(t *testing.T) {
	path := lockPath(t)

	st, err := Inspect(path, time.Hour)
	require.NoError(t, err)
	assert.False(t, st.Held)
	assert.Nil(t, st.Lease)

	l, err := Acquire(path, "run-1", time.Hour)
	require.NoError(t, err)

	st, err = Inspect(path, time.Hour)
	require.NoError(t, err)
	assert.True(t, st.Held)
	require.NotNil(t, st.Lease)
	assert.Equal(t, "run-1", st.Lease.RunID)

	// probing must not steal or clear the lock
	_, err = Acquire(path, "run-2", time.Hour)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release())

	st, err = Inspect(path, time.Hour)
	require.NoError(t, err)
	assert.False(t, st.Held)
	assert.Nil(t, st.Lease)
}

func TestHeldError_WithoutLease(t *testing.T) {
	err := &HeldError{Path: "/x"}
	assert.Equal(t, "sync already in progress", err.Error())
}
