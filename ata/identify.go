// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ATA IDENTIFY DEVICE parsing.

package ata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	smart "github.com/anatol/smart.go"
)

const (
	IDENTIFY_LEN = 512

	// Word 0: bit 15 clear means ATA device
	IDENT_GENCONF_NOT_ATA = 1 << 15

	// Words not decoded by smart.AtaIdentifyDevice
	IDENT_WORD_CAPABILITIES = 49
	IDENT_WORD_LBA28        = 60  // 60..61
	IDENT_WORD_LBA48        = 100 // 100..103
	IDENT_WORD_SECTOR_SIZE  = 106
	IDENT_WORD_LOGICAL_SIZE = 117 // 117..118, in words

	// Word 49
	IDENT_CAP_DMA = 1 << 8
	IDENT_CAP_LBA = 1 << 9

	// Word 106
	IDENT_SECTSZ_VALID_MASK    = 0xc000
	IDENT_SECTSZ_VALID         = 0x4000
	IDENT_SECTSZ_LARGE_LOGICAL = 1 << 12

	// Words 82 / 85
	IDENT_CMDSET1_WCACHE    = 1 << 5
	IDENT_CMDSET1_LOOKAHEAD = 1 << 6

	// Words 83 / 86
	IDENT_CMDSET2_LBA48     = 1 << 10
	IDENT_CMDSET2_FLUSH_EXT = 1 << 13
)

// DeviceInfo is the subset of IDENTIFY DEVICE data the driver acts upon.
type DeviceInfo struct {
	Model             string
	Serial            string
	Firmware          string
	Sectors           uint64
	LogicalSectorSize uint64
	LBA48             bool
	FlushExt          bool
	WriteCache        bool // supported
	WriteCacheEnabled bool
	ReadAhead         bool // supported
	ReadAheadEnabled  bool
	MinorVersion      string
}

// Identify is parsed IDENTIFY DEVICE data. The raw words back the fields that
// smart.AtaIdentifyDevice leaves unnamed, such as the addressable sector counts.
type Identify struct {
	smart.AtaIdentifyDevice
	raw [IDENTIFY_LEN]byte
}

// ParseIdentify decodes a 512-byte IDENTIFY DEVICE response.
func ParseIdentify(b []byte) (*Identify, error) {
	if len(b) < IDENTIFY_LEN {
		return nil, fmt.Errorf("short IDENTIFY data: %d bytes", len(b))
	}

	id := new(Identify)
	copy(id.raw[:], b)
	if err := binary.Read(bytes.NewReader(id.raw[:]), binary.LittleEndian, &id.AtaIdentifyDevice); err != nil {
		return nil, err
	}

	if id.GeneralConfig&IDENT_GENCONF_NOT_ATA != 0 {
		return nil, fmt.Errorf("not an ATA device (general config %#04x)", id.GeneralConfig)
	}

	return id, nil
}

// Word returns IDENTIFY word n.
func (id *Identify) Word(n int) uint16 {
	return binary.LittleEndian.Uint16(id.raw[2*n:])
}

// Sectors returns the number of user addressable logical sectors, or 0 for a
// device without LBA support.
func (id *Identify) Sectors() uint64 {
	if id.CommandsSupported2&IDENT_CMDSET2_LBA48 != 0 {
		if n := binary.LittleEndian.Uint64(id.raw[2*IDENT_WORD_LBA48:]); n != 0 {
			return n
		}
	}
	if id.Word(IDENT_WORD_CAPABILITIES)&IDENT_CAP_LBA != 0 {
		return uint64(binary.LittleEndian.Uint32(id.raw[2*IDENT_WORD_LBA28:]))
	}
	return 0
}

// LogicalSectorSize returns the logical sector size in bytes.
func (id *Identify) LogicalSectorSize() uint64 {
	w := id.Word(IDENT_WORD_SECTOR_SIZE)
	if w&IDENT_SECTSZ_VALID_MASK == IDENT_SECTSZ_VALID && w&IDENT_SECTSZ_LARGE_LOGICAL != 0 {
		if n := binary.LittleEndian.Uint32(id.raw[2*IDENT_WORD_LOGICAL_SIZE:]); n != 0 {
			return 2 * uint64(n)
		}
	}
	return SECTOR_SIZE
}

// PutWord stores IDENTIFY word n into raw IDENTIFY data.
func PutWord(b []byte, n int, v uint16) {
	binary.LittleEndian.PutUint16(b[2*n:], v)
}

// PutCapacity stores an LBA device's sector count into raw IDENTIFY data,
// setting words 49, 60..61 and 100..103.
func PutCapacity(b []byte, sectors uint64) {
	PutWord(b, IDENT_WORD_CAPABILITIES, IDENT_CAP_LBA|IDENT_CAP_DMA)

	lba28 := sectors
	if lba28 >= 1<<28 {
		lba28 = 1<<28 - 1
	}
	binary.LittleEndian.PutUint32(b[2*IDENT_WORD_LBA28:], uint32(lba28))
	binary.LittleEndian.PutUint64(b[2*IDENT_WORD_LBA48:], sectors)
}

// Describe extracts a DeviceInfo from parsed IDENTIFY data.
func Describe(id *Identify) DeviceInfo {
	return DeviceInfo{
		Model:             id.ModelNumber(),
		Serial:            id.SerialNumber(),
		Firmware:          id.FirmwareRevision(),
		Sectors:           id.Sectors(),
		LogicalSectorSize: id.LogicalSectorSize(),
		LBA48:             id.CommandsSupported2&IDENT_CMDSET2_LBA48 != 0,
		FlushExt:          id.CommandsSupported2&IDENT_CMDSET2_FLUSH_EXT != 0,
		WriteCache:        id.CommandsSupported1&IDENT_CMDSET1_WCACHE != 0,
		WriteCacheEnabled: id.CommandsEnabled1&IDENT_CMDSET1_WCACHE != 0,
		ReadAhead:         id.CommandsSupported1&IDENT_CMDSET1_LOOKAHEAD != 0,
		ReadAheadEnabled:  id.CommandsEnabled1&IDENT_CMDSET1_LOOKAHEAD != 0,
		MinorVersion:      MinorVersionString(id.MinorVersion),
	}
}
