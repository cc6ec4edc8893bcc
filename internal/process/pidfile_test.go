package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPIDFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "nested", "svc.pid")
	require.NoError(t, WritePIDFile(p, 1234, 1700000000))

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "1234\n{\"start_unix\":1700000000}\n", string(b))

	pid, err := ReadPIDFile(p)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
}

func TestReadPIDFileInvalid(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.pid")
	require.NoError(t, os.WriteFile(p, []byte("not-a-pid\n"), 0o600))
	_, err := ReadPIDFile(p)
	require.Error(t, err)

	_, err = ReadPIDFile(filepath.Join(t.TempDir(), "missing.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemovePIDFileOnlyForOwner(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.pid")
	require.NoError(t, WritePIDFile(p, 42, 0))

	RemovePIDFile(p, 43)
	assert.FileExists(t, p)
	RemovePIDFile(p, 42)
	assert.NoFileExists(t, p)
}

func TestReapOrphanNoFile(t *testing.T) {
	pid, err := ReapOrphan("", time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)

	pid, err = ReapOrphan(filepath.Join(t.TempDir(), "missing.pid"), time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)
}

func TestReapOrphanCorruptFileIsRemoved(t *testing.T) {
	p := filepath.Join(t.TempDir(), "svc.pid")
	require.NoError(t, os.WriteFile(p, []byte("garbage"), 0o600))
	_, err := ReapOrphan(p, time.Second)
	require.Error(t, err)
	assert.NoFileExists(t, p)
}

func TestReapOrphanStalePID(t *testing.T) {
	requireUnix(t)
	h, err := Spawn(Spec{Name: "t", Program: "true"}, nil)
	require.NoError(t, err)
	waitDone(t, h)

	p := filepath.Join(t.TempDir(), "svc.pid")
	require.NoError(t, WritePIDFile(p, h.PID(), 0))
	pid, err := ReapOrphan(p, time.Second)
	require.NoError(t, err)
	assert.Zero(t, pid)
	assert.NoFileExists(t, p)
}
