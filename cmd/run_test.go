package cmd

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"testing"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evc.lock")

	unlock, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	assert.ErrorIs(t, err, errAlreadyRunning)

	require.NoError(t, unlock())

	unlock, err = acquireLock(path)
	require.NoError(t, err)
	assert.NoError(t, unlock())
}

func TestAcquireLock_Disabled(t *testing.T) {
	unlock, err := acquireLock("")
	require.NoError(t, err)
	assert.NoError(t, unlock())
}

func TestRunCommand_LockHeld(t *testing.T) {
	clearEnv(t)
	useTempDatabase(t)
	lockPath := filepath.Join(t.TempDir(), "evc.lock")
	t.Setenv("EVC_LOCK_FILE", lockPath)

	unlock, err := acquireLock(lockPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unlock() })

	_, err = execute(t, "run")
	assert.ErrorIs(t, err, errAlreadyRunning)
}
