package procsuper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsWorkerReflectsEnvVar(t *testing.T) {
	require.NoError(t, os.Unsetenv(WorkerEnvVar))
	assert.False(t, IsWorker())

	require.NoError(t, os.Setenv(WorkerEnvVar, "1"))
	t.Cleanup(func() { os.Unsetenv(WorkerEnvVar) })
	assert.True(t, IsWorker())
}

func TestPidFileWrittenAndRemoved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tntserverd.pid")

	m := NewMonitor(Options{PidFile: path})
	require.NoError(t, m.writePidFile(4242))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "4242\n", string(data))

	m.removePidFile()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPidFileNoopWhenUnset(t *testing.T) {
	m := NewMonitor(Options{})
	assert.NoError(t, m.writePidFile(1))
	m.removePidFile()
}
