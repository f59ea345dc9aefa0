// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ahcictl drives an AHCI controller from user space, either a real PCI function or a
// simulated HBA with attached disks.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dswarbrick/ahci"
	"github.com/dswarbrick/ahci/config"
	"github.com/dswarbrick/ahci/platform"
	"github.com/dswarbrick/ahci/quirks"
	"github.com/dswarbrick/ahci/sim"
)

const (
	simMemBase = 0x4000_0000
	simABAR    = 0xfebf_0000
)

type options struct {
	sim        int
	simSectors uint64
	pci        string
	arena      uint64
	configFile string
	logLevel   string
	port       int
}

// env is an opened host with the HBA's register base and a source of DMA-capable buffers.
type env struct {
	host   platform.Host
	abar   uint64
	buffer func(size int) ([]byte, error)
	close  func() error
}

func openSim(opts *options) *env {
	mem := sim.NewMemory(simMemBase, 64<<20)
	host := sim.NewHost(mem)

	var pi uint32
	for n := 0; n < opts.sim; n++ {
		pi |= 1 << uint(n)
	}

	hba := sim.NewHBA(mem, sim.Options{PortsImplemented: pi})
	for n := 0; n < opts.sim; n++ {
		hba.AttachDisk(n, sim.NewDisk("SIMULATED SATA DISK", fmt.Sprintf("SIM%04d", n), opts.simSectors))
	}
	host.Attach(simABAR, hba)

	return &env{
		host:   host,
		abar:   simABAR,
		buffer: func(size int) ([]byte, error) { return mem.Buffer(size), nil },
		close:  func() error { return nil },
	}
}

// session is an initialized driver together with the disk selected by --port.
type session struct {
	env  *env
	drv  *ahci.Driver
	disk *ahci.Disk
}

func (s *session) Close() {
	s.drv.Close()
	s.env.close()
}

func openSession(opts *options) (*session, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return nil, err
		}
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)

	var driverOpts []ahci.Option
	if cfg.QuirksFile != "" {
		db, err := quirks.OpenDriveDb(cfg.QuirksFile)
		if err != nil {
			return nil, err
		}
		driverOpts = append(driverOpts, ahci.WithQuirks(&db))
	}

	var e *env
	switch {
	case opts.pci != "":
		if e, err = openPCI(opts.pci, opts.arena); err != nil {
			return nil, err
		}
	case opts.sim > 0:
		e = openSim(opts)
	default:
		return nil, errors.New("one of --pci or --sim is required")
	}

	drv, err := ahci.New(e.abar, e.host, cfg, driverOpts...)
	if err != nil {
		e.close()
		return nil, err
	}
	if err := drv.Init(); err != nil {
		e.close()
		return nil, err
	}

	s := &session{env: e, drv: drv, disk: drv.Primary()}
	if opts.port >= 0 {
		disk, ok := drv.Disk(opts.port)
		if !ok {
			s.Close()
			return nil, errors.Errorf("port %d has no usable disk", opts.port)
		}
		s.disk = disk
	}

	return s, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "ahcictl",
		Short: "Polled AHCI SATA driver in user space",
		Long: `ahcictl initializes an AHCI host bus adapter and performs block I/O on its disks.
The controller is either a PCI function unbound from the kernel's ahci driver
(--pci) or a simulated HBA with the given number of disks (--sim).
`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Debugf("ahcictl built with %s on %s (%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	f := cmd.PersistentFlags()
	f.IntVar(&opts.sim, "sim", 0, "simulate an HBA with this many disks")
	f.Uint64Var(&opts.simSectors, "sim-sectors", 1<<21, "capacity of each simulated disk in sectors")
	f.StringVar(&opts.pci, "pci", "", "PCI address of the AHCI function, e.g. 0000:00:1f.2")
	f.Uint64Var(&opts.arena, "arena", 8<<20, "size of the hugepage DMA arena in bytes")
	f.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	f.StringVar(&opts.logLevel, "log-level", "", "log level, overriding the configuration")
	f.IntVar(&opts.port, "port", -1, "port of the disk to operate on (default: primary)")

	cmd.AddCommand(
		infoCmd(opts),
		readCmd(opts),
		writeCmd(opts),
		flushCmd(opts),
		selftestCmd(opts),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
