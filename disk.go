// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ahci

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ahci/ata"
	"github.com/dswarbrick/ahci/config"
	"github.com/dswarbrick/ahci/hba"
)

// Disk is a block device bound to one AHCI port. Each call is a single ATA
// command; callers serialize access.
type Disk struct {
	port   *hba.Port
	blocks uint64
}

func newDisk(p *hba.Port, override uint64) *Disk {
	blocks := override
	if blocks == 0 && p.Identified() {
		blocks = p.Info().Sectors
	}
	if blocks == 0 {
		blocks = config.DefaultCapacityBlocks
	}

	return &Disk{port: p, blocks: blocks}
}

func (d *Disk) Port() int {
	return d.port.Num()
}

func (d *Disk) NumBlocks() uint64 {
	return d.blocks
}

func (d *Disk) BlockSize() int {
	return BlockSize
}

// Info returns the IDENTIFY DEVICE data of the attached drive.
func (d *Disk) Info() ata.DeviceInfo {
	return d.port.Info()
}

func (d *Disk) State() hba.PortState {
	return d.port.State()
}

func (d *Disk) Stats() hba.Stats {
	return d.port.Stats()
}

// Recover returns the disk to service after a command failure.
func (d *Disk) Recover() error {
	return d.port.Recover()
}

// checkRange enforces the caller contract before any hardware access.
func (d *Disk) checkRange(lba uint64, buf []byte) error {
	n := len(buf)
	if n == 0 || n%BlockSize != 0 {
		return errors.Wrapf(ErrInvalidTransferSize, "buffer length %d not a nonzero multiple of %d", n, BlockSize)
	}

	count := uint64(n / BlockSize)
	if count > ata.MAX_SECTORS_EXT {
		return errors.Wrapf(ErrInvalidTransferSize, "%d blocks in one request, at most %d", count, ata.MAX_SECTORS_EXT)
	}
	if lba >= d.blocks || count > d.blocks-lba {
		return errors.Wrapf(ErrInvalidTransferSize, "blocks %d+%d beyond capacity %d", lba, count, d.blocks)
	}

	return nil
}

// ReadBlocks reads len(buf)/512 blocks starting at lba with one READ DMA EXT.
func (d *Disk) ReadBlocks(lba uint64, buf []byte) error {
	if err := d.checkRange(lba, buf); err != nil {
		return err
	}
	return d.port.ReadDMA(lba, buf)
}

// WriteBlocks writes len(buf)/512 blocks starting at lba with one WRITE DMA EXT.
func (d *Disk) WriteBlocks(lba uint64, buf []byte) error {
	if err := d.checkRange(lba, buf); err != nil {
		return err
	}
	return d.port.WriteDMA(lba, buf)
}

// Flush commits the drive's write cache.
func (d *Disk) Flush() error {
	return d.port.FlushCache()
}
