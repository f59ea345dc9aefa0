// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ata

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestFISSizes(t *testing.T) {
	assert := assert.New(t)

	// Register FISes are five dwords on the wire
	assert.Equal(FIS_REG_LEN, binary.Size(regH2D{}))
	assert.Equal(FIS_REG_LEN, binary.Size(regD2H{}))
}

func TestH2DLayout(t *testing.T) {
	fis := NewCommandFIS(ATA_READ_DMA_EXT, 0x0000_BEEF_CAFE_1234&(LBA48_LIMIT-1), 0x0102)

	want := []byte{
		0x27, 0x80, 0x25, 0x00,
		0x34, 0x12, 0xfe, 0x40,
		0xca, 0xef, 0xbe, 0x00,
		0x02, 0x01, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}

	if diff := cmp.Diff(want, fis.PackedBytes()); diff != "" {
		t.Errorf("H2D FIS mismatch (-want +got):\n%s", diff)
	}
}

func TestH2DDecode(t *testing.T) {
	assert := assert.New(t)

	fis := NewCommandFIS(ATA_WRITE_DMA_EXT, 0xffff_ffff_ffff, MAX_SECTORS_EXT)
	fis.Features = 0x1234

	got, err := DecodeH2D(fis.PackedBytes())
	assert.NoError(err)
	assert.Equal(fis, got)

	_, err = DecodeH2D([]byte{0x27, 0x80})
	assert.Error(err)

	_, err = DecodeH2D(make([]byte, FIS_REG_LEN))
	assert.Error(err)
}

func TestD2HDecode(t *testing.T) {
	assert := assert.New(t)

	raw := make([]byte, FIS_REG_LEN)
	raw[0] = FIS_TYPE_REG_D2H
	raw[1] = FIS_D2H_FLAG_INT
	raw[2] = ATA_STAT_DRDY | ATA_STAT_ERR
	raw[3] = ATA_ERR_IDNF
	raw[4] = 0x10
	raw[12] = 0x08

	fis, err := DecodeD2H(raw)
	assert.NoError(err)
	assert.True(fis.Interrupt)
	assert.Equal(uint8(ATA_STAT_DRDY|ATA_STAT_ERR), fis.Status)
	assert.Equal(uint8(ATA_ERR_IDNF), fis.Error)
	assert.Equal(uint64(0x10), fis.LBA)
	assert.Equal(uint16(8), fis.Count)

	if diff := cmp.Diff(raw, fis.PackedBytes()); diff != "" {
		t.Errorf("D2H FIS mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "FLUSH CACHE EXT", CommandName(ATA_FLUSH_CACHE_EXT))
	assert.Equal(t, "UNKNOWN", CommandName(0x00))
}
