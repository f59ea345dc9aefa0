// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ATA command definitions.

package ata

const (
	// ATA commands
	ATA_READ_DMA_EXT      = 0x25
	ATA_WRITE_DMA_EXT     = 0x35
	ATA_FLUSH_CACHE_EXT   = 0xea
	ATA_IDENTIFY_DEVICE   = 0xec
	ATA_IDENTIFY_PACKET   = 0xa1
	ATA_SET_FEATURES      = 0xef
	ATA_SMART             = 0xb0
	ATA_READ_NATIVE_MAX48 = 0x27

	// ATA feature register values for SET FEATURES
	SETFEATURES_WC_ON  = 0x02
	SETFEATURES_WC_OFF = 0x82
	SETFEATURES_RA_ON  = 0xaa
	SETFEATURES_RA_OFF = 0x55

	// Device register bits
	ATA_DEVICE_LBA = 0x40

	// Status register bits
	ATA_STAT_ERR  = 0x01
	ATA_STAT_DRQ  = 0x08
	ATA_STAT_DF   = 0x20
	ATA_STAT_DRDY = 0x40
	ATA_STAT_BSY  = 0x80

	// Error register bits
	ATA_ERR_AMNF = 0x01
	ATA_ERR_NM   = 0x02
	ATA_ERR_ABRT = 0x04
	ATA_ERR_MCR  = 0x08
	ATA_ERR_IDNF = 0x10
	ATA_ERR_MC   = 0x20
	ATA_ERR_UNC  = 0x40
	ATA_ERR_ICRC = 0x80

	// Sector size assumed by all commands issued by this driver
	SECTOR_SIZE = 512

	// Largest sector count expressible without the "0 means 65536" encoding
	MAX_SECTORS_EXT = 0xffff

	// Highest addressable LBA + 1 for 48-bit commands
	LBA48_LIMIT = 1 << 48
)

var commandNames = map[uint8]string{
	ATA_READ_DMA_EXT:      "READ DMA EXT",
	ATA_WRITE_DMA_EXT:     "WRITE DMA EXT",
	ATA_FLUSH_CACHE_EXT:   "FLUSH CACHE EXT",
	ATA_IDENTIFY_DEVICE:   "IDENTIFY DEVICE",
	ATA_IDENTIFY_PACKET:   "IDENTIFY PACKET DEVICE",
	ATA_SET_FEATURES:      "SET FEATURES",
	ATA_SMART:             "SMART",
	ATA_READ_NATIVE_MAX48: "READ NATIVE MAX ADDRESS EXT",
}

// CommandName returns a human-readable name for an ATA opcode.
func CommandName(op uint8) string {
	if s, ok := commandNames[op]; ok {
		return s
	}
	return "UNKNOWN"
}
