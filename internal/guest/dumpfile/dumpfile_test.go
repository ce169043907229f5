package dumpfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDump(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	path := filepath.Join(t.TempDir(), "guest.mem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.mem"))
	require.Error(t, err)
}

func TestReadMemory(t *testing.T) {
	path, data := writeDump(t, 256)
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	t.Run("full read", func(t *testing.T) {
		buf := make([]byte, 256)
		n, err := b.ReadMemory(0, buf)
		require.NoError(t, err)
		assert.Equal(t, 256, n)
		assert.Equal(t, data, buf)
	})

	t.Run("offset read", func(t *testing.T) {
		buf := make([]byte, 16)
		n, err := b.ReadMemory(100, buf)
		require.NoError(t, err)
		assert.Equal(t, 16, n)
		assert.Equal(t, data[100:116], buf)
	})

	t.Run("short read at end of dump", func(t *testing.T) {
		buf := make([]byte, 10)
		n, err := b.ReadMemory(250, buf)
		require.NoError(t, err, "end of dump is not an error")
		assert.Equal(t, 6, n)
		assert.Equal(t, data[250:], buf[:n])
	})

	t.Run("entirely past the end", func(t *testing.T) {
		buf := make([]byte, 10)
		n, err := b.ReadMemory(1000, buf)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("zero length", func(t *testing.T) {
		n, err := b.ReadMemory(0, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRegistersAreReferenceSnapshot(t *testing.T) {
	path, _ := writeDump(t, 16)
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	regs, err := b.Registers()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0000000019872000), regs.CR3)
	assert.Equal(t, uint64(0xffffffffff528000), regs.IDTR)
	assert.Zero(t, regs.CR4)
}
