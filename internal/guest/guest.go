// Package guest provides a uniform client for reading physical memory and
// control registers of a running (or dumped) virtual machine guest.
//
// One of three interchangeable backends is selected when the client is
// created and serves the whole session: a libvirt connection addressed by
// guest name, a QMP monitor socket, or a flat memory-dump file. The client
// owns every resource its backend opens and releases them exactly once on
// Close.
package guest

import (
	"context"
	"fmt"

	"github.com/containerd/log"

	"github.com/FirstLoveLife/kvm-dmesg/internal/arch"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/dumpfile"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/libvirt"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/qmp"
)

// AccessKind selects how a guest is reached.
type AccessKind int

const (
	// GuestName resolves a domain by name through the local libvirt daemon.
	GuestName AccessKind = iota
	// QMPSocket connects directly to a QMP monitor endpoint.
	QMPSocket
	// MemoryFile reads a flat memory dump from disk.
	MemoryFile
)

func (k AccessKind) String() string {
	switch k {
	case GuestName:
		return "libvirt"
	case QMPSocket:
		return "qmp"
	case MemoryFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Backend is the capability set every guest access method provides. The
// selection is static per session; there is no backend switching after
// construction.
type Backend interface {
	// Registers retrieves a fresh control register snapshot.
	Registers() (arch.Registers, error)
	// ReadMemory fills buf with guest physical memory starting at addr and
	// reports how many bytes were produced. Only the file backend may
	// legitimately return a short count (at end of dump); the monitor
	// backends either fill buf or fail.
	ReadMemory(addr uint64, buf []byte) (int, error)
	// Close releases everything the backend holds. Best-effort.
	Close() error
}

// Options tunes session construction. The zero value is usable.
type Options struct {
	// PhysBase is the physical load address of the kernel text, used when
	// translating kernel virtual addresses above the kernel mapping
	// boundary.
	PhysBase uint64
	// QMP tunes the socket backend; ignored by the others.
	QMP qmp.Config
}

// Client is one guest session. Operations are fully synchronous and must not
// be invoked concurrently against the same session: the underlying command
// channel has no internal locking.
type Client struct {
	backend    Backend
	translator arch.Translator
}

// New creates a session with default options. The identifier is a guest name
// (GuestName), a monitor endpoint (QMPSocket) or a dump file path
// (MemoryFile).
func New(ctx context.Context, kind AccessKind, identifier string) (*Client, error) {
	return NewWithOptions(ctx, kind, identifier, Options{})
}

// NewWithOptions creates a session. Failure to open the underlying
// connection is fatal for the call; no session exists afterwards.
func NewWithOptions(ctx context.Context, kind AccessKind, identifier string, opts Options) (*Client, error) {
	if identifier == "" {
		return nil, fmt.Errorf("empty %s identifier", kind)
	}

	var (
		b   Backend
		err error
	)
	switch kind {
	case GuestName:
		b, err = libvirt.Connect(ctx, identifier)
	case QMPSocket:
		b, err = qmp.Dial(ctx, identifier, opts.QMP)
	case MemoryFile:
		b, err = dumpfile.Open(identifier)
	default:
		return nil, fmt.Errorf("unknown access kind %d", int(kind))
	}
	if err != nil {
		return nil, err
	}

	log.G(ctx).WithField("kind", kind.String()).WithField("id", identifier).Debug("guest session created")
	return &Client{
		backend:    b,
		translator: arch.Translator{PhysBase: opts.PhysBase},
	}, nil
}

// ReadMemory reads length bytes of guest physical memory at addr. The result
// may be shorter than length only when the file backend hits the end of its
// dump; monitor backends fail instead. On error the returned slice is nil
// and nothing useful was read.
func (c *Client) ReadMemory(addr uint64, length int) ([]byte, error) {
	if c.backend == nil {
		return nil, fmt.Errorf("guest session closed")
	}
	if length < 0 {
		return nil, fmt.Errorf("negative read length %d", length)
	}
	buf := make([]byte, length)
	n, err := c.backend.ReadMemory(addr, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadKernel reads guest memory addressed by a kernel virtual or physical
// address, applying the linear translation rule first.
func (c *Client) ReadKernel(addr uint64, class arch.AddrClass, length int) ([]byte, error) {
	return c.ReadMemory(c.translator.ToPhys(addr, class), length)
}

// Registers retrieves a fresh control register snapshot from the backend.
func (c *Client) Registers() (arch.Registers, error) {
	if c.backend == nil {
		return arch.Registers{}, fmt.Errorf("guest session closed")
	}
	return c.backend.Registers()
}

// CR3IDTR is a convenience for consumers that only need the paging and
// interrupt table bases.
func (c *Client) CR3IDTR() (cr3, idtr uint64, err error) {
	regs, err := c.Registers()
	if err != nil {
		return 0, 0, err
	}
	return regs.CR3, regs.IDTR, nil
}

// Close releases the session and everything it owns. Idempotent: the second
// and later calls are no-ops. Backend teardown errors are logged, not
// returned, so a release never fails.
func (c *Client) Close() error {
	if c.backend == nil {
		return nil
	}
	if err := c.backend.Close(); err != nil {
		log.L.WithError(err).Warn("failed to release guest backend")
	}
	c.backend = nil
	return nil
}
