// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package hba

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/ahci/ata"
)

func TestStructSizes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(CMD_HDR_LEN, binary.Size(commandHeader{}))
	assert.Equal(PRD_LEN, binary.Size(prdEntry{}))
	assert.Equal(1024, CMD_LIST_LEN)
	assert.Equal(0x400, CMD_TBL_LEN)
	assert.Equal(5, CMD_FIS_DWORDS)
}

func newTestSlot(tblPhys uint64) (*CommandSlot, []byte, []byte) {
	hdr := make([]byte, CMD_HDR_LEN)
	tbl := make([]byte, CMD_TBL_LEN)
	return newCommandSlot(hdr, tbl, tblPhys), hdr, tbl
}

func TestBuildRWLayout(t *testing.T) {
	assert := assert.New(t)

	s, hdr, tbl := newTestSlot(0x1_2345_6780)
	require.NoError(t, s.BuildRW(0x0000_a1b2_c3d4_e5f6, 8, 0x2000_0000, DirWrite))

	le := binary.LittleEndian
	assert.Equal(uint32(5|CMD_HDR_WRITE|1<<16), le.Uint32(hdr[0:]), "DW0")
	assert.Equal(uint32(0), le.Uint32(hdr[4:]), "PRDBC")
	assert.Equal(uint32(0x2345_6780), le.Uint32(hdr[8:]), "CTBA")
	assert.Equal(uint32(0x1), le.Uint32(hdr[12:]), "CTBAU")

	wantFIS := []byte{
		0x27, 0x80, ata.ATA_WRITE_DMA_EXT, 0x00,
		0xf6, 0xe5, 0xd4, 0x40,
		0xc3, 0xb2, 0xa1, 0x00,
		0x08, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	if diff := cmp.Diff(wantFIS, tbl[CMD_TBL_CFIS:CMD_TBL_CFIS+ata.FIS_REG_LEN]); diff != "" {
		t.Errorf("command FIS mismatch (-want +got):\n%s", diff)
	}

	wantPRD := []byte{
		0x00, 0x00, 0x00, 0x20,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0xff, 0x0f, 0x00, 0x00,
	}
	if diff := cmp.Diff(wantPRD, tbl[CMD_TBL_PRDT:CMD_TBL_PRDT+PRD_LEN]); diff != "" {
		t.Errorf("PRD mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(uint8(ata.ATA_WRITE_DMA_EXT), s.Command())
	assert.Equal(1, s.PRDTLength())
}

func TestBuildRWRead(t *testing.T) {
	s, hdr, tbl := newTestSlot(0x8000)
	require.NoError(t, s.BuildRW(0, 1, 0x10000, DirRead))

	dw0 := binary.LittleEndian.Uint32(hdr)
	assert.Zero(t, dw0&CMD_HDR_WRITE, "W bit set for read")
	assert.Equal(t, byte(ata.ATA_READ_DMA_EXT), tbl[2])
}

func TestBuildRWCount(t *testing.T) {
	s, _, tbl := newTestSlot(0x8000)

	err := s.BuildRW(0, 0, 0x10000, DirRead)
	assert.True(t, errors.Is(err, ErrInvalidTransferSize), "count 0: %v", err)

	require.NoError(t, s.BuildRW(0, 0xffff, PRD_MAX_BYTES, DirRead))
	fis, err := ata.DecodeH2D(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xffff), fis.Count)
	assert.Equal(t, 8, s.PRDTLength())
}

func TestBuildRWLBARange(t *testing.T) {
	s, _, _ := newTestSlot(0x8000)

	assert.NoError(t, s.BuildRW(ata.LBA48_LIMIT-1, 1, 0x10000, DirRead))

	err := s.BuildRW(ata.LBA48_LIMIT-1, 2, 0x10000, DirRead)
	assert.True(t, errors.Is(err, ErrInvalidTransferSize))

	err = s.BuildRW(ata.LBA48_LIMIT, 1, 0x10000, DirRead)
	assert.True(t, errors.Is(err, ErrInvalidTransferSize))
}

func TestBuildFlush(t *testing.T) {
	assert := assert.New(t)

	s, hdr, tbl := newTestSlot(0x8000)

	// A previous data command must not leak PRDs into the flush
	require.NoError(t, s.BuildRW(10, 4, 0x10000, DirWrite))
	require.NoError(t, s.BuildFlush())

	dw0 := binary.LittleEndian.Uint32(hdr)
	assert.Equal(uint32(5), dw0, "DW0: CFL only, no W, PRDTL 0")
	assert.Equal(0, s.PRDTLength())

	fis, err := ata.DecodeH2D(tbl)
	require.NoError(t, err)
	assert.Equal(uint8(ata.ATA_FLUSH_CACHE_EXT), fis.Command)
	assert.True(fis.IsCmd)
	assert.Equal(make([]byte, PRD_LEN), tbl[CMD_TBL_PRDT:CMD_TBL_PRDT+PRD_LEN])
}

func TestBuildSetFeatures(t *testing.T) {
	s, _, tbl := newTestSlot(0x8000)
	require.NoError(t, s.BuildSetFeatures(ata.SETFEATURES_WC_OFF))

	fis, err := ata.DecodeH2D(tbl)
	require.NoError(t, err)
	assert.Equal(t, uint8(ata.ATA_SET_FEATURES), fis.Command)
	assert.Equal(t, uint16(ata.SETFEATURES_WC_OFF), fis.Features)
	assert.Equal(t, 0, s.PRDTLength())
}

func TestBuildIdentify(t *testing.T) {
	s, hdr, tbl := newTestSlot(0x8000)
	require.NoError(t, s.BuildIdentify(0x9000))

	assert.Equal(t, uint32(5|1<<16), binary.LittleEndian.Uint32(hdr))
	assert.Equal(t, uint32(ata.IDENTIFY_LEN-1), binary.LittleEndian.Uint32(tbl[CMD_TBL_PRDT+12:]))
}

func TestSplitPRDT(t *testing.T) {
	const mib = 1 << 20

	tests := []struct {
		name  string
		pa, n uint64
		want  int
	}{
		{"single sector", 0x1000, 512, 1},
		{"exactly 4 MiB aligned", 4 * mib, 4 * mib, 1},
		{"crosses 4 MiB boundary", 4*mib - 512, 1024, 2},
		{"max transfer aligned", 0, 0xffff * 512, 8},
		{"max transfer unaligned", 3 * mib, 0xffff * 512, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prds, err := splitPRDT(tt.pa, tt.n)
			require.NoError(t, err)
			assert.Len(t, prds, tt.want)

			next := tt.pa
			var total uint64
			for _, e := range prds {
				start := uint64(e.DBA) | uint64(e.DBAU)<<32
				n := uint64(e.DBC&PRD_DBC_MASK) + 1

				assert.Equal(t, next, start, "entries must be contiguous")
				assert.LessOrEqual(t, n, uint64(PRD_MAX_BYTES))
				assert.Equal(t, start/PRD_MAX_BYTES, (start+n-1)/PRD_MAX_BYTES, "entry crosses 4 MiB boundary")

				next += n
				total += n
			}
			assert.Equal(t, tt.n, total)
		})
	}
}

func TestSplitPRDTErrors(t *testing.T) {
	prds, err := splitPRDT(0, 0)
	assert.NoError(t, err)
	assert.Empty(t, prds)

	_, err = splitPRDT(0x1001, 512)
	assert.True(t, errors.Is(err, ErrInvalidTransferSize), "odd address")

	_, err = splitPRDT(0, (MaxPRDEntries+1)*PRD_MAX_BYTES)
	assert.True(t, errors.Is(err, ErrInvalidTransferSize), "too many entries")
}
