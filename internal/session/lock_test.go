package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_Exclusive(t *testing.T) {
	p := filepath.Join(t.TempDir(), "metapodd.pid")
	l, err := AcquireLock(p)
	require.NoError(t, err)

	_, err = AcquireLock(p)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Release())
	l2, err := AcquireLock(p)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestLock_ReplacesStale(t *testing.T) {
	p := filepath.Join(t.TempDir(), "metapodd.pid")
	// pid 0 is never a live process
	require.NoError(t, os.WriteFile(p, []byte("0\n"), 0600))

	l, err := AcquireLock(p)
	require.NoError(t, err)
	defer l.Release()

	pid, err := readPID(p)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
