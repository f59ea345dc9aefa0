// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ata

import (
	"bytes"
	"encoding/binary"
	"testing"

	smart "github.com/anatol/smart.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ataString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
	for i := 0; i+1 < len(dst); i += 2 {
		dst[i], dst[i+1] = dst[i+1], dst[i]
	}
}

func identifyData(t *testing.T, id *smart.AtaIdentifyDevice) []byte {
	b := new(bytes.Buffer)
	require.NoError(t, binary.Write(b, binary.LittleEndian, id))
	require.Equal(t, IDENTIFY_LEN, b.Len())
	return b.Bytes()
}

func TestParseIdentify(t *testing.T) {
	assert := assert.New(t)

	var id smart.AtaIdentifyDevice
	ataString(id.ModelNumberRaw[:], "QEMU HARDDISK")
	ataString(id.SerialNumberRaw[:], "QM00001")
	ataString(id.FirmwareRevisionRaw[:], "2.5+")
	id.MinorVersion = 0x0029
	id.CommandsSupported1 = IDENT_CMDSET1_WCACHE | IDENT_CMDSET1_LOOKAHEAD
	id.CommandsEnabled1 = IDENT_CMDSET1_WCACHE
	id.CommandsSupported2 = IDENT_CMDSET2_LBA48 | IDENT_CMDSET2_FLUSH_EXT

	raw := identifyData(t, &id)
	PutCapacity(raw, 1<<30)

	parsed, err := ParseIdentify(raw)
	require.NoError(t, err)

	assert.Equal(uint16(IDENT_CAP_LBA|IDENT_CAP_DMA), parsed.Word(IDENT_WORD_CAPABILITIES))
	assert.Equal(uint16(0xffff), parsed.Word(IDENT_WORD_LBA28))
	assert.Equal(uint16(0x0fff), parsed.Word(IDENT_WORD_LBA28+1))
	assert.Equal(uint16(0x4000), parsed.Word(IDENT_WORD_LBA48+1))

	info := Describe(parsed)
	assert.Equal("QEMU HARDDISK", info.Model)
	assert.Equal("QM00001", info.Serial)
	assert.Equal("2.5+", info.Firmware)
	assert.Equal(uint64(1<<30), info.Sectors)
	assert.Equal(uint64(512), info.LogicalSectorSize)
	assert.True(info.LBA48)
	assert.True(info.FlushExt)
	assert.True(info.WriteCache)
	assert.True(info.WriteCacheEnabled)
	assert.True(info.ReadAhead)
	assert.False(info.ReadAheadEnabled)
	assert.Equal("ATA8-ACS T13/1699-D revision 4", info.MinorVersion)
}

func TestIdentifyCapacity(t *testing.T) {
	assert := assert.New(t)

	// LBA28-only drive: words 100..103 are ignored without the LBA48 feature bit.
	var id smart.AtaIdentifyDevice
	raw := identifyData(t, &id)
	PutCapacity(raw, 0x0100_0000)
	PutWord(raw, IDENT_WORD_LBA48, 0x1234)

	parsed, err := ParseIdentify(raw)
	require.NoError(t, err)
	assert.Equal(uint64(0x0100_0000), parsed.Sectors())

	// No LBA support at all.
	PutWord(raw, IDENT_WORD_CAPABILITIES, IDENT_CAP_DMA)
	parsed, err = ParseIdentify(raw)
	require.NoError(t, err)
	assert.Zero(parsed.Sectors())

	// 4 KiB logical sectors, reported in words.
	PutWord(raw, IDENT_WORD_SECTOR_SIZE, IDENT_SECTSZ_VALID|IDENT_SECTSZ_LARGE_LOGICAL)
	PutWord(raw, IDENT_WORD_LOGICAL_SIZE, 2048)
	parsed, err = ParseIdentify(raw)
	require.NoError(t, err)
	assert.Equal(uint64(4096), parsed.LogicalSectorSize())

	// Word 106 without its validity signature.
	PutWord(raw, IDENT_WORD_SECTOR_SIZE, IDENT_SECTSZ_LARGE_LOGICAL)
	parsed, err = ParseIdentify(raw)
	require.NoError(t, err)
	assert.Equal(uint64(512), parsed.LogicalSectorSize())
}

func TestParseIdentifyRejects(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseIdentify(make([]byte, 100))
	assert.Error(err)

	packet := make([]byte, IDENTIFY_LEN)
	packet[1] = 0x85 // ATAPI general configuration
	_, err = ParseIdentify(packet)
	assert.Error(err)
}

func TestMinorVersionString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("not reported", MinorVersionString(0))
	assert.Equal("ACS-2 T13/2015-D revision 3", MinorVersionString(0x0110))
	assert.Equal("unknown (0x0abc)", MinorVersionString(0x0abc))
}
