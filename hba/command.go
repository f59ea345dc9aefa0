// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// AHCI command list, command table and PRDT construction.

package hba

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dswarbrick/ahci/ata"
)

const (
	CMD_SLOTS = 32

	// Command list: 32 headers of 32 bytes
	CMD_HDR_LEN    = 32
	CMD_LIST_LEN   = CMD_SLOTS * CMD_HDR_LEN
	CMD_LIST_ALIGN = 1024

	// Received FIS area
	RX_FIS_LEN   = 256
	RX_FIS_ALIGN = 256
	RX_FIS_DMA   = 0x00 // DMA setup FIS
	RX_FIS_PIO   = 0x20 // PIO setup FIS
	RX_FIS_D2H   = 0x40 // D2H register FIS
	RX_FIS_SDB   = 0x58 // set device bits FIS

	// Command table
	CMD_TBL_CFIS  = 0x00
	CMD_TBL_ACMD  = 0x40
	CMD_TBL_PRDT  = 0x80
	CMD_TBL_ALIGN = 128

	PRD_LEN       = 16
	MaxPRDEntries = 56
	CMD_TBL_LEN   = CMD_TBL_PRDT + MaxPRDEntries*PRD_LEN

	// A single PRD entry moves at most 4 MiB and must not cross a 4 MiB boundary
	PRD_MAX_BYTES        = 4 << 20
	PRD_DBC_MASK  uint32 = 0x3fffff
	PRD_FLAG_INTR uint32 = 1 << 31

	// Command header DW0
	CMD_HDR_CFL_MASK   uint32 = 0x1f
	CMD_HDR_ATAPI      uint32 = 1 << 5
	CMD_HDR_WRITE      uint32 = 1 << 6
	CMD_HDR_PREFETCH   uint32 = 1 << 7
	CMD_HDR_RESET      uint32 = 1 << 8
	CMD_HDR_CLR_BUSY   uint32 = 1 << 10
	CMD_HDR_PRDTL_SHFT        = 16

	// Command FIS length in dwords
	CMD_FIS_DWORDS = ata.FIS_REG_LEN / 4
)

// Direction of a data transfer, from the host's point of view.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// AHCI 1.3.1 section 4.2.2, command header.
type commandHeader struct {
	Flags uint32 // DW0: PRDTL in 31:16, CFL in 4:0
	PRDBC uint32 // PRD byte count, updated by the HBA
	CTBA  uint32
	CTBAU uint32
	_     [4]uint32
} // 32 bytes

// AHCI 1.3.1 section 4.2.3.3, physical region descriptor.
type prdEntry struct {
	DBA  uint32
	DBAU uint32
	_    uint32
	DBC  uint32 // byte count - 1 in 21:0, interrupt on completion in 31
} // 16 bytes

// CommandSlot is command slot 0 of a port: its header in the command list and
// its command table. The driver never issues more than one command at a time.
type CommandSlot struct {
	hdr     []byte
	tbl     []byte
	tblPhys uint64
	cmd     uint8
	prdtl   int
}

func newCommandSlot(hdr, tbl []byte, tblPhys uint64) *CommandSlot {
	return &CommandSlot{hdr: hdr[:CMD_HDR_LEN], tbl: tbl[:CMD_TBL_LEN], tblPhys: tblPhys}
}

// Command returns the ATA opcode of the most recently built command.
func (s *CommandSlot) Command() uint8 {
	return s.cmd
}

// PRDTLength returns the number of PRD entries of the most recently built command.
func (s *CommandSlot) PRDTLength() int {
	return s.prdtl
}

// BuildRW prepares a READ DMA EXT or WRITE DMA EXT of count sectors at lba,
// transferring to or from the physically contiguous buffer at bufPhys.
func (s *CommandSlot) BuildRW(lba uint64, count uint16, bufPhys uint64, dir Direction) error {
	if count == 0 {
		return errors.Wrap(ErrInvalidTransferSize, "zero sector count")
	}
	if lba >= ata.LBA48_LIMIT || lba+uint64(count) > ata.LBA48_LIMIT {
		return errors.Wrapf(ErrInvalidTransferSize, "LBA %d + %d beyond 48-bit range", lba, count)
	}

	op := uint8(ata.ATA_READ_DMA_EXT)
	if dir == DirWrite {
		op = ata.ATA_WRITE_DMA_EXT
	}

	fis := ata.NewCommandFIS(op, lba, count)
	return s.build(&fis, bufPhys, uint64(count)*ata.SECTOR_SIZE, dir == DirWrite)
}

// BuildFlush prepares a FLUSH CACHE EXT, which has no data phase.
func (s *CommandSlot) BuildFlush() error {
	fis := ata.NewCommandFIS(ata.ATA_FLUSH_CACHE_EXT, 0, 0)
	fis.Device = 0
	return s.build(&fis, 0, 0, false)
}

// BuildIdentify prepares an IDENTIFY DEVICE into the 512-byte buffer at bufPhys.
func (s *CommandSlot) BuildIdentify(bufPhys uint64) error {
	fis := ata.NewCommandFIS(ata.ATA_IDENTIFY_DEVICE, 0, 0)
	fis.Device = 0
	return s.build(&fis, bufPhys, ata.IDENTIFY_LEN, false)
}

// BuildSetFeatures prepares a non-data SET FEATURES with the given subcommand.
func (s *CommandSlot) BuildSetFeatures(feature uint8) error {
	fis := ata.NewCommandFIS(ata.ATA_SET_FEATURES, 0, 0)
	fis.Device = 0
	fis.Features = uint16(feature)
	return s.build(&fis, 0, 0, false)
}

// build writes the command table first and the header last, so that the
// header never references a half-written table.
func (s *CommandSlot) build(fis *ata.H2DFIS, bufPhys, n uint64, write bool) error {
	prds, err := splitPRDT(bufPhys, n)
	if err != nil {
		return err
	}

	for i := range s.tbl {
		s.tbl[i] = 0
	}
	copy(s.tbl[CMD_TBL_CFIS:], fis.PackedBytes())

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, prds)
	copy(s.tbl[CMD_TBL_PRDT:], buf.Bytes())

	hdr := commandHeader{
		Flags: CMD_FIS_DWORDS | uint32(len(prds))<<CMD_HDR_PRDTL_SHFT,
		CTBA:  uint32(s.tblPhys),
		CTBAU: uint32(s.tblPhys >> 32),
	}
	if write {
		hdr.Flags |= CMD_HDR_WRITE
	}

	buf.Reset()
	binary.Write(buf, binary.LittleEndian, &hdr)
	copy(s.hdr, buf.Bytes())

	s.cmd = fis.Command
	s.prdtl = len(prds)

	return nil
}

// splitPRDT describes n bytes at physical address pa as PRD entries, none of
// which exceeds or crosses a 4 MiB boundary.
func splitPRDT(pa, n uint64) ([]prdEntry, error) {
	if n == 0 {
		return nil, nil
	}
	if pa&1 != 0 || n&1 != 0 {
		return nil, errors.Wrapf(ErrInvalidTransferSize, "buffer %#x+%d not word aligned", pa, n)
	}

	var prds []prdEntry

	for n > 0 {
		if len(prds) == MaxPRDEntries {
			return nil, errors.Wrapf(ErrInvalidTransferSize, "transfer needs more than %d PRD entries", MaxPRDEntries)
		}

		chunk := PRD_MAX_BYTES - pa%PRD_MAX_BYTES
		if chunk > n {
			chunk = n
		}

		prds = append(prds, prdEntry{
			DBA:  uint32(pa),
			DBAU: uint32(pa >> 32),
			DBC:  uint32(chunk-1) & PRD_DBC_MASK,
		})

		pa += chunk
		n -= chunk
	}

	return prds, nil
}
