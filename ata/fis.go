// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Serial ATA Frame Information Structures.

package ata

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	FIS_TYPE_REG_H2D   = 0x27 // Register FIS - host to device
	FIS_TYPE_REG_D2H   = 0x34 // Register FIS - device to host
	FIS_TYPE_DMA_ACT   = 0x39 // DMA activate FIS - device to host
	FIS_TYPE_DMA_SETUP = 0x41 // DMA setup FIS - bidirectional
	FIS_TYPE_DATA      = 0x46 // Data FIS - bidirectional
	FIS_TYPE_BIST      = 0x58 // BIST activate FIS - bidirectional
	FIS_TYPE_PIO_SETUP = 0x5f // PIO setup FIS - device to host
	FIS_TYPE_DEV_BITS  = 0xa1 // Set device bits FIS - device to host

	FIS_H2D_FLAG_CMD = 0x80 // C bit: register update is a command
	FIS_D2H_FLAG_INT = 0x40 // I bit: interrupt

	// Register FIS length in bytes
	FIS_REG_LEN = 20
)

// Register H2D FIS, byte layout per SATA 1.0a section 10.3.4.
type regH2D struct {
	FISType  uint8
	Flags    uint8
	Command  uint8
	Features uint8
	LBA0     uint8
	LBA1     uint8
	LBA2     uint8
	Device   uint8
	LBA3     uint8
	LBA4     uint8
	LBA5     uint8
	FeatExp  uint8
	Count    uint8
	CountExp uint8
	ICC      uint8
	Control  uint8
	_        [4]uint8
} // 20 bytes

// Register D2H FIS, byte layout per SATA 1.0a section 10.3.5.
type regD2H struct {
	FISType  uint8
	Flags    uint8
	Status   uint8
	Error    uint8
	LBA0     uint8
	LBA1     uint8
	LBA2     uint8
	Device   uint8
	LBA3     uint8
	LBA4     uint8
	LBA5     uint8
	_        uint8
	Count    uint8
	CountExp uint8
	_        [6]uint8
} // 20 bytes

// H2DFIS is a decoded Register Host-to-Device FIS.
type H2DFIS struct {
	Command  uint8
	Features uint16
	LBA      uint64 // 48 bits
	Device   uint8
	Count    uint16
	ICC      uint8
	Control  uint8
	IsCmd    bool
}

// D2HFIS is a decoded Register Device-to-Host FIS.
type D2HFIS struct {
	Status    uint8
	Error     uint8
	LBA       uint64
	Device    uint8
	Count     uint16
	Interrupt bool
}

// NewCommandFIS returns an H2D command FIS with LBA addressing selected.
func NewCommandFIS(cmd uint8, lba uint64, count uint16) H2DFIS {
	return H2DFIS{
		Command: cmd,
		LBA:     lba,
		Device:  ATA_DEVICE_LBA,
		Count:   count,
		IsCmd:   true,
	}
}

// PackedBytes encodes the FIS in its little-endian wire layout.
func (f *H2DFIS) PackedBytes() []byte {
	r := regH2D{
		FISType:  FIS_TYPE_REG_H2D,
		Command:  f.Command,
		Features: uint8(f.Features),
		FeatExp:  uint8(f.Features >> 8),
		Device:   f.Device,
		Count:    uint8(f.Count),
		CountExp: uint8(f.Count >> 8),
		ICC:      f.ICC,
		Control:  f.Control,
	}
	if f.IsCmd {
		r.Flags = FIS_H2D_FLAG_CMD
	}
	r.LBA0, r.LBA1, r.LBA2 = uint8(f.LBA), uint8(f.LBA>>8), uint8(f.LBA>>16)
	r.LBA3, r.LBA4, r.LBA5 = uint8(f.LBA>>24), uint8(f.LBA>>32), uint8(f.LBA>>40)

	b := new(bytes.Buffer)
	binary.Write(b, binary.LittleEndian, &r)
	return b.Bytes()
}

// DecodeH2D parses a Register H2D FIS.
func DecodeH2D(b []byte) (H2DFIS, error) {
	var (
		r regH2D
		f H2DFIS
	)

	if len(b) < FIS_REG_LEN {
		return f, fmt.Errorf("short H2D FIS: %d bytes", len(b))
	}
	if b[0] != FIS_TYPE_REG_H2D {
		return f, fmt.Errorf("unexpected FIS type %#02x", b[0])
	}
	if err := binary.Read(bytes.NewReader(b[:FIS_REG_LEN]), binary.LittleEndian, &r); err != nil {
		return f, err
	}

	f.Command = r.Command
	f.Features = uint16(r.Features) | uint16(r.FeatExp)<<8
	f.LBA = joinLBA(r.LBA0, r.LBA1, r.LBA2, r.LBA3, r.LBA4, r.LBA5)
	f.Device = r.Device
	f.Count = uint16(r.Count) | uint16(r.CountExp)<<8
	f.ICC = r.ICC
	f.Control = r.Control
	f.IsCmd = r.Flags&FIS_H2D_FLAG_CMD != 0

	return f, nil
}

// PackedBytes encodes the FIS in its little-endian wire layout.
func (f *D2HFIS) PackedBytes() []byte {
	r := regD2H{
		FISType:  FIS_TYPE_REG_D2H,
		Status:   f.Status,
		Error:    f.Error,
		Device:   f.Device,
		Count:    uint8(f.Count),
		CountExp: uint8(f.Count >> 8),
	}
	if f.Interrupt {
		r.Flags = FIS_D2H_FLAG_INT
	}
	r.LBA0, r.LBA1, r.LBA2 = uint8(f.LBA), uint8(f.LBA>>8), uint8(f.LBA>>16)
	r.LBA3, r.LBA4, r.LBA5 = uint8(f.LBA>>24), uint8(f.LBA>>32), uint8(f.LBA>>40)

	b := new(bytes.Buffer)
	binary.Write(b, binary.LittleEndian, &r)
	return b.Bytes()
}

// DecodeD2H parses a Register D2H FIS as written by the HBA into the received FIS area.
func DecodeD2H(b []byte) (D2HFIS, error) {
	var (
		r regD2H
		f D2HFIS
	)

	if len(b) < FIS_REG_LEN {
		return f, fmt.Errorf("short D2H FIS: %d bytes", len(b))
	}
	if b[0] != FIS_TYPE_REG_D2H {
		return f, fmt.Errorf("unexpected FIS type %#02x", b[0])
	}
	if err := binary.Read(bytes.NewReader(b[:FIS_REG_LEN]), binary.LittleEndian, &r); err != nil {
		return f, err
	}

	f.Status = r.Status
	f.Error = r.Error
	f.LBA = joinLBA(r.LBA0, r.LBA1, r.LBA2, r.LBA3, r.LBA4, r.LBA5)
	f.Device = r.Device
	f.Count = uint16(r.Count) | uint16(r.CountExp)<<8
	f.Interrupt = r.Flags&FIS_D2H_FLAG_INT != 0

	return f, nil
}

func joinLBA(b0, b1, b2, b3, b4, b5 uint8) uint64 {
	return uint64(b0) | uint64(b1)<<8 | uint64(b2)<<16 |
		uint64(b3)<<24 | uint64(b4)<<32 | uint64(b5)<<40
}
