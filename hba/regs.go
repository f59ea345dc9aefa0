// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// AHCI register definitions.
//
// Some useful docs:
// - AHCI: Serial ATA AHCI 1.3.1 Specification
// - FIS: Serial ATA Revision 1.0a, section 10.3
// - CMD: T13/1699-D (ATA8-ACS)

package hba

const (
	// Size of the HBA register window (ABAR)
	MMIO_SIZE = 0x10000

	MAX_PORTS = 32

	// Generic host control
	HBA_CAP       = 0x00 // host capabilities
	HBA_GHC       = 0x04 // global host control
	HBA_IS        = 0x08 // interrupt status
	HBA_PI        = 0x0c // ports implemented
	HBA_VS        = 0x10 // version
	HBA_CCC_CTL   = 0x14 // command completion coalescing control
	HBA_CCC_PORTS = 0x18 // command completion coalescing ports
	HBA_EM_LOC    = 0x1c // enclosure management location
	HBA_EM_CTL    = 0x20 // enclosure management control
	HBA_CAP2      = 0x24 // extended host capabilities
	HBA_BOHC      = 0x28 // BIOS/OS handoff control and status

	// Port registers, relative to PORT_BASE + n*PORT_SIZE
	PORT_BASE = 0x100
	PORT_SIZE = 0x80

	PORT_CLB  = 0x00 // command list base address
	PORT_CLBU = 0x04 // command list base address, upper 32 bits
	PORT_FB   = 0x08 // FIS base address
	PORT_FBU  = 0x0c // FIS base address, upper 32 bits
	PORT_IS   = 0x10 // interrupt status
	PORT_IE   = 0x14 // interrupt enable
	PORT_CMD  = 0x18 // command and status
	PORT_TFD  = 0x20 // task file data
	PORT_SIG  = 0x24 // signature
	PORT_SSTS = 0x28 // sata phy status: SStatus
	PORT_SCTL = 0x2c // sata phy control: SControl
	PORT_SERR = 0x30 // sata phy error: SError
	PORT_SACT = 0x34 // sata phy active: SActive
	PORT_CI   = 0x38 // command issue
	PORT_SNTF = 0x3c // sata phy notification: SNotify
	PORT_FBS  = 0x40 // FIS-based switching control
)

const (
	AHCI_CAP_S64A     uint32 = 1 << 31 // 64-bit addressing
	AHCI_CAP_SNCQ     uint32 = 1 << 30 // native command queuing
	AHCI_CAP_SSS      uint32 = 1 << 27 // staggered spin-up
	AHCI_CAP_SAM      uint32 = 1 << 18 // AHCI mode only
	AHCI_CAP_NCS_SHFT        = 8
	AHCI_CAP_NCS_MASK uint32 = 0x1f
	AHCI_CAP_NP_MASK  uint32 = 0x1f

	AHCI_CAP2_BOH uint32 = 1 << 0 // BIOS/OS handoff supported

	AHCI_BOHC_BOS  uint32 = 1 << 0 // BIOS owned semaphore
	AHCI_BOHC_OOS  uint32 = 1 << 1 // OS owned semaphore
	AHCI_BOHC_SOOE uint32 = 1 << 2 // SMI on OS ownership change enable
	AHCI_BOHC_OOC  uint32 = 1 << 3 // OS ownership change
	AHCI_BOHC_BB   uint32 = 1 << 4 // BIOS busy

	AHCI_GHC_HR uint32 = 1 << 0  // HBA reset
	AHCI_GHC_IE uint32 = 1 << 1  // enable interrupts from AHCI
	AHCI_GHC_AE uint32 = 1 << 31 // use AHCI to communicate

	AHCI_PORT_CMD_ST     uint32 = 1 << 0  // start
	AHCI_PORT_CMD_SUD    uint32 = 1 << 1  // spin-up device
	AHCI_PORT_CMD_POD    uint32 = 1 << 2  // power on device
	AHCI_PORT_CMD_CLO    uint32 = 1 << 3  // command list override
	AHCI_PORT_CMD_FRE    uint32 = 1 << 4  // FIS receive enable
	AHCI_PORT_CMD_FR     uint32 = 1 << 14 // FIS receive running
	AHCI_PORT_CMD_CR     uint32 = 1 << 15 // command list running
	AHCI_PORT_CMD_ACTIVE uint32 = 1 << 28 // ICC active
	AHCI_PORT_CMD_ICC    uint32 = 0xf << 28

	AHCI_PORT_INTR_DHRS uint32 = 1 << 0  // D2H register FIS received
	AHCI_PORT_INTR_PSS  uint32 = 1 << 1  // PIO setup FIS received
	AHCI_PORT_INTR_DSS  uint32 = 1 << 2  // DMA setup FIS received
	AHCI_PORT_INTR_SDBS uint32 = 1 << 3  // set device bits FIS received
	AHCI_PORT_INTR_UFS  uint32 = 1 << 4  // unknown FIS
	AHCI_PORT_INTR_DPS  uint32 = 1 << 5  // descriptor (PRD) processed
	AHCI_PORT_INTR_PCS  uint32 = 1 << 6  // port connect change
	AHCI_PORT_INTR_PRCS uint32 = 1 << 22 // phy ready change
	AHCI_PORT_INTR_OFS  uint32 = 1 << 24 // overflow
	AHCI_PORT_INTR_INFS uint32 = 1 << 26 // interface non-fatal error
	AHCI_PORT_INTR_IFS  uint32 = 1 << 27 // interface fatal error
	AHCI_PORT_INTR_HBDS uint32 = 1 << 28 // host bus data error
	AHCI_PORT_INTR_HBFS uint32 = 1 << 29 // host bus fatal error
	AHCI_PORT_INTR_TFES uint32 = 1 << 30 // task file error
	AHCI_PORT_INTR_CPDS uint32 = 1 << 31 // cold port detect

	AHCI_PORT_INTR_ERROR = AHCI_PORT_INTR_TFES | AHCI_PORT_INTR_HBFS |
		AHCI_PORT_INTR_HBDS | AHCI_PORT_INTR_IFS

	// PxTFD: status in bits 7:0, error in bits 15:8
	AHCI_PORT_TFD_STS_MASK uint32 = 0xff
	AHCI_PORT_TFD_ERR_SHFT        = 8

	// PxSSTS
	AHCI_PORT_SSTS_DET_MASK    uint32 = 0x0f
	AHCI_PORT_SSTS_DET_PRESENT uint32 = 3 // device present, phy communication established
	AHCI_PORT_SSTS_IPM_SHFT           = 8
	AHCI_PORT_SSTS_IPM_ACTIVE  uint32 = 1

	// PxSCTL
	AHCI_PORT_SCTL_DET_MASK   uint32 = 0x0f
	AHCI_PORT_SCTL_DET_INIT   uint32 = 1     // COMRESET
	AHCI_PORT_SCTL_IPM_NOPART uint32 = 0x300 // no partial/slumber transitions

	SATA_SIG_ATA   = 0x00000101 // SATA drive
	SATA_SIG_ATAPI = 0xeb140101 // SATAPI drive
	SATA_SIG_SEMB  = 0xc33c0101 // enclosure management bridge
	SATA_SIG_PM    = 0x96690101 // port multiplier
)

// portReg returns the offset of port register off for port n.
func portReg(n int, off uint32) uint32 {
	return PORT_BASE + uint32(n)*PORT_SIZE + off
}
