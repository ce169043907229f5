package chunk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticMemory is a deterministic byte source large enough for every
// length below.
func syntheticMemory(size int) []byte {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = byte(i*7 + 3)
	}
	return mem
}

func TestReadMatchesDirectRead(t *testing.T) {
	mem := syntheticMemory(5 * PartSize)
	part := func(addr uint64, out []byte) error {
		copy(out, mem[addr:])
		return nil
	}

	for _, length := range []int{0, 1, PartSize - 1, PartSize, PartSize + 1, 3*PartSize + 17} {
		t.Run(fmt.Sprintf("length %d", length), func(t *testing.T) {
			buf := make([]byte, length)
			require.NoError(t, Read(123, buf, part))
			assert.Equal(t, mem[123:123+length], buf)
		})
	}
}

func TestReadPartSizing(t *testing.T) {
	var calls []int
	part := func(addr uint64, out []byte) error {
		calls = append(calls, len(out))
		return nil
	}

	require.NoError(t, Read(0, make([]byte, 2*PartSize+5), part))
	assert.Equal(t, []int{PartSize, PartSize, 5}, calls)
}

func TestReadAdvancesAddress(t *testing.T) {
	var addrs []uint64
	part := func(addr uint64, out []byte) error {
		addrs = append(addrs, addr)
		return nil
	}

	require.NoError(t, Read(0x1000, make([]byte, PartSize+1), part))
	assert.Equal(t, []uint64{0x1000, 0x1000 + PartSize}, addrs)
}

func TestReadAbortsOnPartFailure(t *testing.T) {
	mem := syntheticMemory(3 * PartSize)
	calls := 0
	part := func(addr uint64, out []byte) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("monitor went away")
		}
		copy(out, mem[addr:])
		return nil
	}

	buf := make([]byte, 3*PartSize)
	err := Read(0, buf, part)
	require.Error(t, err)
	assert.Equal(t, 2, calls, "remaining parts must not be attempted")
	// Bytes from the successful first part stay in place.
	assert.Equal(t, mem[:PartSize], buf[:PartSize])
}
