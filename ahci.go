// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package ahci is a polled AHCI SATA block device driver.
//
// A Driver owns one AHCI host bus adapter. After Init, every port with a
// working ATA drive is exposed as a Disk, and the Driver itself forwards block
// I/O to its primary disk.
package ahci

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/ahci/ata"
	"github.com/dswarbrick/ahci/config"
	"github.com/dswarbrick/ahci/hba"
	"github.com/dswarbrick/ahci/platform"
	"github.com/dswarbrick/ahci/quirks"
	"github.com/dswarbrick/ahci/utils"
)

const (
	DeviceName = "ahci"
	MmioSize   = hba.MMIO_SIZE
	BlockSize  = ata.SECTOR_SIZE
)

type DeviceType int

const (
	DeviceTypeBlock DeviceType = iota
	DeviceTypeChar
	DeviceTypeNet
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeChar:
		return "char"
	case DeviceTypeNet:
		return "net"
	}
	return "unknown"
}

type Driver struct {
	mmioBase uint64
	host     platform.Host
	cfg      config.Config
	log      *log.Entry
	quirks   *quirks.DriveDb

	ctrl    *hba.Controller
	disks   []*Disk
	primary *Disk
}

type Option func(*Driver)

// WithLogger sets the logger used by the driver and all of its ports.
func WithLogger(l *log.Entry) Option {
	return func(d *Driver) {
		d.log = l
	}
}

// WithQuirks sets the drive quirk database consulted after IDENTIFY.
func WithQuirks(db *quirks.DriveDb) Option {
	return func(d *Driver) {
		d.quirks = db
	}
}

// New returns an uninitialized driver for the HBA whose register window is at
// physical address mmioBase. No hardware is touched until Init.
func New(mmioBase uint64, host platform.Host, cfg config.Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	d := &Driver{
		mmioBase: mmioBase,
		host:     host,
		cfg:      cfg,
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = log.NewEntry(log.StandardLogger())
	}
	d.log = d.log.WithField("driver", DeviceName)

	return d, nil
}

func (d *Driver) DeviceName() string {
	return DeviceName
}

func (d *Driver) DeviceType() DeviceType {
	return DeviceTypeBlock
}

func (d *Driver) MmioBase() uint64 {
	return d.mmioBase
}

func (d *Driver) MmioSize() uint64 {
	return MmioSize
}

// Init maps and initializes the HBA and binds a Disk to every port that came
// ready. It fails with ErrNoDisk if no port did, leaving the driver uninitialized.
func (d *Driver) Init() error {
	if d.primary != nil {
		return nil
	}

	regs, err := d.host.MapMMIO(d.mmioBase, MmioSize)
	if err != nil {
		return errors.Wrapf(err, "map HBA registers at %#x", d.mmioBase)
	}

	ctrl := hba.NewController(regs, d.host, d.cfg, d.log, d.quirks)
	if err := ctrl.Init(); err != nil {
		return err
	}

	var disks []*Disk
	for _, p := range ctrl.ReadyPorts() {
		disk := newDisk(p, d.cfg.CapacityBlocks)
		disks = append(disks, disk)

		d.log.WithFields(log.Fields{
			"port":     p.Num(),
			"model":    p.Info().Model,
			"capacity": utils.FormatBytes(disk.NumBlocks() * BlockSize),
		}).Info("disk ready")
	}

	if len(disks) == 0 {
		ctrl.Stop()
		if errs := ctrl.SetupErrors(); len(errs) > 0 {
			return errors.Wrapf(ErrNoDisk, "%d port(s) failed, first: %v", len(errs), errs[0])
		}
		return errors.Wrap(ErrNoDisk, "no ports implemented")
	}

	primary := disks[0]
	if n := d.cfg.PrimaryPort; n >= 0 {
		primary = nil
		for _, disk := range disks {
			if disk.Port() == n {
				primary = disk
			}
		}
		if primary == nil {
			ctrl.Stop()
			return errors.Wrapf(ErrNoDisk, "primary port %d not ready", n)
		}
	}

	d.ctrl, d.disks, d.primary = ctrl, disks, primary
	return nil
}

// Controller returns the underlying HBA controller, or nil before Init.
func (d *Driver) Controller() *hba.Controller {
	return d.ctrl
}

// Disks returns the disks bound during Init, in port order. A port that failed
// setup and was later recovered through Controller().Port is identified again
// but gets no Disk; the set is fixed once Init succeeds.
func (d *Driver) Disks() []*Disk {
	return d.disks
}

// Disk returns the disk on port n.
func (d *Driver) Disk(n int) (*Disk, bool) {
	for _, disk := range d.disks {
		if disk.Port() == n {
			return disk, true
		}
	}
	return nil, false
}

// Primary returns the disk that Driver-level I/O is forwarded to, or nil before Init.
func (d *Driver) Primary() *Disk {
	return d.primary
}

// NumBlocks returns the primary disk's capacity in blocks. Before Init it
// reports the configured capacity.
func (d *Driver) NumBlocks() uint64 {
	if d.primary != nil {
		return d.primary.NumBlocks()
	}
	if d.cfg.CapacityBlocks > 0 {
		return d.cfg.CapacityBlocks
	}
	return config.DefaultCapacityBlocks
}

func (d *Driver) BlockSize() int {
	return BlockSize
}

func (d *Driver) ReadBlock(lba uint64, buf []byte) error {
	if d.primary == nil {
		return errors.Wrap(ErrNotReady, DeviceName)
	}
	return d.primary.ReadBlocks(lba, buf)
}

func (d *Driver) WriteBlock(lba uint64, buf []byte) error {
	if d.primary == nil {
		return errors.Wrap(ErrNotReady, DeviceName)
	}
	return d.primary.WriteBlocks(lba, buf)
}

func (d *Driver) Flush() error {
	if d.primary == nil {
		return errors.Wrap(ErrNotReady, DeviceName)
	}
	return d.primary.Flush()
}

// Close stops every port. The driver may be initialized again afterwards.
func (d *Driver) Close() error {
	if d.ctrl == nil {
		return nil
	}

	d.ctrl.Stop()
	d.ctrl, d.disks, d.primary = nil, nil, nil

	return nil
}
