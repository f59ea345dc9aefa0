// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"bytes"
	"encoding/binary"
	"sync"

	smart "github.com/anatol/smart.go"

	"github.com/dswarbrick/ahci/ata"
	"github.com/dswarbrick/ahci/utils"
)

// Disk is a simulated SATA disk with a sparse, zero-initialized medium.
type Disk struct {
	Model    string
	Serial   string
	Firmware string
	Sectors  uint64

	mu         sync.Mutex
	data       map[uint64][]byte
	writeCache bool
	readAhead  bool
	flushes    int
	dirty      bool
}

// NewDisk returns a disk of the given size in 512-byte sectors, write cache and
// read look-ahead enabled.
func NewDisk(model, serial string, sectors uint64) *Disk {
	return &Disk{
		Model:      model,
		Serial:     serial,
		Firmware:   "1.0",
		Sectors:    sectors,
		data:       make(map[uint64][]byte),
		writeCache: true,
		readAhead:  true,
	}
}

// ReadSectors returns count sectors starting at lba.
func (d *Disk) ReadSectors(lba uint64, count int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := make([]byte, count*ata.SECTOR_SIZE)
	for i := 0; i < count; i++ {
		if s, ok := d.data[lba+uint64(i)]; ok {
			copy(b[i*ata.SECTOR_SIZE:], s)
		}
	}

	return b
}

// WriteSectors stores b, a whole number of sectors, starting at lba.
func (d *Disk) WriteSectors(lba uint64, b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i*ata.SECTOR_SIZE < len(b); i++ {
		s := make([]byte, ata.SECTOR_SIZE)
		copy(s, b[i*ata.SECTOR_SIZE:])
		d.data[lba+uint64(i)] = s
	}

	if d.writeCache {
		d.dirty = true
	}
}

func (d *Disk) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	d.dirty = false
}

// Flushes returns the number of FLUSH CACHE EXT commands executed.
func (d *Disk) Flushes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Dirty reports whether cached writes are pending a flush.
func (d *Disk) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *Disk) WriteCacheEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCache
}

func (d *Disk) ReadAheadEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readAhead
}

// setFeature applies a SET FEATURES subcommand, reporting whether it is supported.
func (d *Disk) setFeature(sub uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch sub {
	case ata.SETFEATURES_WC_ON:
		d.writeCache = true
	case ata.SETFEATURES_WC_OFF:
		d.writeCache = false
		d.dirty = false
	case ata.SETFEATURES_RA_ON:
		d.readAhead = true
	case ata.SETFEATURES_RA_OFF:
		d.readAhead = false
	default:
		return false
	}

	return true
}

func ataString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
	utils.SwapBytes(dst)
}

// identify returns the disk's IDENTIFY DEVICE data.
func (d *Disk) identify() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var id smart.AtaIdentifyDevice

	ataString(id.SerialNumberRaw[:], d.Serial)
	ataString(id.FirmwareRevisionRaw[:], d.Firmware)
	ataString(id.ModelNumberRaw[:], d.Model)

	id.MajorVersion = 0x01f0
	id.MinorVersion = 0x0029

	id.CommandsSupported1 = ata.IDENT_CMDSET1_WCACHE | ata.IDENT_CMDSET1_LOOKAHEAD
	id.CommandsSupported2 = 0x4000 | ata.IDENT_CMDSET2_LBA48 | ata.IDENT_CMDSET2_FLUSH_EXT
	id.CommandsEnabled2 = id.CommandsSupported2
	if d.writeCache {
		id.CommandsEnabled1 |= ata.IDENT_CMDSET1_WCACHE
	}
	if d.readAhead {
		id.CommandsEnabled1 |= ata.IDENT_CMDSET1_LOOKAHEAD
	}

	b := new(bytes.Buffer)
	binary.Write(b, binary.LittleEndian, &id)

	raw := b.Bytes()
	ata.PutCapacity(raw, d.Sectors)
	return raw
}
