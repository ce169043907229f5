package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/FirstLoveLife/kvm-dmesg/internal/arch"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest"
	"github.com/FirstLoveLife/kvm-dmesg/internal/guest/qmp"
)

func main() {
	app := &cli.App{
		Name:  "kvm-dmesg",
		Usage: "read physical memory and control registers of a running KVM guest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "guest", Usage: "libvirt domain `NAME`"},
			&cli.StringFlag{Name: "qmp", Usage: "QMP monitor `ENDPOINT` (socket path, tcp://host:port or vsock://cid:port)"},
			&cli.StringFlag{Name: "file", Usage: "memory dump `PATH`"},
			&cli.StringFlag{Name: "phys-base", Usage: "kernel physical load `ADDR` (hex)"},
			&cli.DurationFlag{Name: "read-timeout", Usage: "QMP reply quiesce window", Value: qmp.DefaultReadTimeout},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.Bool("debug") {
				return log.SetLevel("debug")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "registers",
				Usage:  "print the guest's CR3, CR4 and IDT base",
				Action: runRegisters,
			},
			{
				Name:      "read",
				Usage:     "hexdump a range of guest memory",
				ArgsUsage: "ADDR LENGTH",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "kernel", Usage: "ADDR is a kernel virtual address"},
				},
				Action: runRead,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Error("kvm-dmesg failed")
		os.Exit(1)
	}
}

// selection maps the mutually exclusive access flags to a backend kind.
func selection(cctx *cli.Context) (guest.AccessKind, string, error) {
	set := 0
	var kind guest.AccessKind
	var id string
	for _, s := range []struct {
		flag string
		kind guest.AccessKind
	}{
		{"guest", guest.GuestName},
		{"qmp", guest.QMPSocket},
		{"file", guest.MemoryFile},
	} {
		if v := cctx.String(s.flag); v != "" {
			set++
			kind, id = s.kind, v
		}
	}
	if set != 1 {
		return 0, "", fmt.Errorf("exactly one of --guest, --qmp or --file is required")
	}
	return kind, id, nil
}

func open(cctx *cli.Context) (*guest.Client, error) {
	kind, id, err := selection(cctx)
	if err != nil {
		return nil, err
	}

	opts := guest.Options{
		QMP: qmp.Config{ReadTimeout: cctx.Duration("read-timeout")},
	}
	if s := cctx.String("phys-base"); s != "" {
		opts.PhysBase, err = parseHex(s)
		if err != nil {
			return nil, fmt.Errorf("--phys-base: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(cctx.Context, 30*time.Second)
	defer cancel()
	return guest.NewWithOptions(ctx, kind, id, opts)
}

func runRegisters(cctx *cli.Context) error {
	c, err := open(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	regs, err := c.Registers()
	if err != nil {
		return err
	}
	fmt.Printf("CR3=%016x\nCR4=%016x\nIDT=%016x\n", regs.CR3, regs.CR4, regs.IDTR)
	return nil
}

func runRead(cctx *cli.Context) error {
	if cctx.NArg() != 2 {
		return fmt.Errorf("usage: read ADDR LENGTH")
	}
	addr, err := parseHex(cctx.Args().Get(0))
	if err != nil {
		return fmt.Errorf("ADDR: %w", err)
	}
	length, err := strconv.Atoi(cctx.Args().Get(1))
	if err != nil {
		return fmt.Errorf("LENGTH: %w", err)
	}

	c, err := open(cctx)
	if err != nil {
		return err
	}
	defer c.Close()

	class := arch.Physical
	if cctx.Bool("kernel") {
		class = arch.KernelVirtual
	}
	data, err := c.ReadKernel(addr, class, length)
	if err != nil {
		return err
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
