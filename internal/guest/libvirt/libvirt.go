// Package libvirt introspects a running guest through the local libvirt
// daemon, issuing human-monitor commands against a domain resolved by name.
package libvirt

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"

	"github.com/FirstLoveLife/kvm-dmesg/internal/arch"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/chunk"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/hmp"
)

// VIR_DOMAIN_QEMU_MONITOR_COMMAND_HMP: the command line is human monitor
// text, not QMP JSON.
const monitorCommandHMP = 0x1

// monitorChannel is the slice of the libvirt API this backend uses.
// *golibvirt.Libvirt satisfies it implicitly.
type monitorChannel interface {
	QEMUDomainMonitorCommand(dom golibvirt.Domain, cmd string, flags uint32) (string, error)
	Disconnect() error
}

// Client is a guest session over a libvirt connection. It owns the
// connection and the resolved domain handle for its lifetime. Not safe for
// concurrent use; the monitor command channel is shared state.
type Client struct {
	conn monitorChannel
	dom  golibvirt.Domain
}

// Connect opens qemu:///system over the local libvirt socket and resolves
// the named guest. Either failure releases whatever was acquired and fails
// the call.
func Connect(ctx context.Context, guestName string) (*Client, error) {
	conn := golibvirt.NewWithDialer(dialers.NewLocal())
	if err := conn.ConnectToURI(golibvirt.QEMUSystem); err != nil {
		return nil, fmt.Errorf("open connection to qemu:///system: %w", err)
	}

	dom, err := conn.DomainLookupByName(guestName)
	if err != nil {
		if derr := conn.Disconnect(); derr != nil {
			log.G(ctx).WithError(derr).Warn("failed to close libvirt connection")
		}
		return nil, fmt.Errorf("guest %q: %w: %v", guestName, errdefs.ErrNotFound, err)
	}

	log.G(ctx).WithField("guest", guestName).Debug("libvirt session ready")
	return &Client{conn: conn, dom: dom}, nil
}

// Registers queries "info registers" and scans the reply for the IDT and CR3
// lines. A token the reply does not contain yields zero for that field, not
// an error; an all-zero result therefore signals a parsing miss to the
// caller. CR4 is not retrieved over this backend.
func (c *Client) Registers() (arch.Registers, error) {
	reply, err := c.monitor("info registers")
	if err != nil {
		return arch.Registers{}, err
	}

	var regs arch.Registers
	regs.CR3, _ = hmp.ScanRegister(reply, "CR3")
	regs.IDTR, _ = hmp.ScanRegister(reply, "IDT")
	return regs, nil
}

// ReadMemory fills buf with guest physical memory starting at addr, issuing
// one word-granularity dump per 4096-byte part.
func (c *Client) ReadMemory(addr uint64, buf []byte) (int, error) {
	if err := chunk.Read(addr, buf, c.readPart); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *Client) readPart(addr uint64, out []byte) error {
	if len(out) == 0 {
		return nil
	}

	// The dump is word granular; round the request up and trim after.
	words := (len(out) + 3) / 4
	reply, err := c.monitor(fmt.Sprintf("xp /%dxw 0x%x", words, addr))
	if err != nil {
		return err
	}

	rounded := make([]byte, words*4)
	if n := hmp.ParseWordDump(reply, rounded); n < len(out) {
		log.L.WithField("addr", fmt.Sprintf("0x%x", addr)).
			WithField("want", len(out)).WithField("got", n).
			Warn("monitor dump reply shorter than requested")
	}
	copy(out, rounded)
	return nil
}

// monitor issues one human-monitor command against the domain.
func (c *Client) monitor(line string) (string, error) {
	result, err := c.conn.QEMUDomainMonitorCommand(c.dom, line, monitorCommandHMP)
	if err != nil {
		return "", fmt.Errorf("monitor command %q: %w", line, err)
	}
	return result, nil
}

// Close drops the domain handle and disconnects from the daemon.
// Best-effort: a disconnect error is logged, not propagated, so a session
// release cannot fail on teardown.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Disconnect(); err != nil {
		log.L.WithError(err).Warn("failed to close libvirt connection")
	}
	c.conn = nil
	return nil
}
