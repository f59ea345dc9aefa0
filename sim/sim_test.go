// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/dswarbrick/ahci/ata"
)

func TestMemoryAlloc(t *testing.T) {
	g := NewGomegaWithT(t)

	m := NewMemory(0x10000, 1<<20)

	a := m.Alloc(100, 1024)
	g.Expect(a).To(Equal(uint64(0x10000)))

	b := m.Alloc(256, 256)
	g.Expect(b % 256).To(BeZero())
	g.Expect(b).To(BeNumerically(">=", a+100))

	g.Expect(m.Alloc(16, 3)).To(BeZero(), "non power-of-two alignment")
	g.Expect(m.Alloc(2<<20, 8)).To(BeZero(), "larger than arena")

	m.FailAllocsAfter(1)
	g.Expect(m.Alloc(16, 16)).NotTo(BeZero())
	g.Expect(m.Alloc(16, 16)).To(BeZero())
	m.FailAllocsAfter(-1)
	g.Expect(m.Alloc(16, 16)).NotTo(BeZero())
}

func TestMemoryTranslation(t *testing.T) {
	g := NewGomegaWithT(t)

	m := NewMemory(0x4000_0000, 1<<16)
	pa := m.Alloc(4096, 4096)
	buf := m.Bytes(pa, 4096)

	got, ok := m.Phys(buf)
	g.Expect(ok).To(BeTrue())
	g.Expect(got).To(Equal(pa))

	got, ok = m.Phys(buf[512:1024])
	g.Expect(ok).To(BeTrue())
	g.Expect(got).To(Equal(pa + 512))

	_, ok = m.Phys(make([]byte, 512))
	g.Expect(ok).To(BeFalse())

	_, ok = m.Phys(nil)
	g.Expect(ok).To(BeFalse())

	g.Expect(func() { m.Bytes(0x4000_0000+1<<16-8, 16) }).To(Panic())
}

func TestHostVirtualTime(t *testing.T) {
	g := NewGomegaWithT(t)

	mem := NewMemory(0x10000, 1<<16)
	h := NewHost(mem)

	start := time.Now()
	h.Sleep(time.Hour)
	g.Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	g.Expect(h.Elapsed()).To(Equal(time.Hour))
	g.Expect(h.Sleeps()).To(Equal(1))

	h.SyncDCache()
	g.Expect(h.Syncs()).To(Equal(1))

	_, err := h.MapMMIO(0xfebf0000, WindowSize)
	g.Expect(err).To(HaveOccurred())

	hba := NewHBA(mem, Options{PortsImplemented: 1})
	h.Attach(0xfebf0000, hba)
	regs, err := h.MapMMIO(0xfebf0000, WindowSize)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(regs).To(BeIdenticalTo(hba))
}

func TestHBARegisters(t *testing.T) {
	g := NewGomegaWithT(t)

	mem := NewMemory(0x10000, 1<<16)
	h := NewHBA(mem, Options{PortsImplemented: 0x5, CommandSlots: 8})

	g.Expect(h.Load32(regPI)).To(Equal(uint32(0x5)))
	g.Expect((h.Load32(regCAP) >> 8) & 0x1f).To(Equal(uint32(7)))
	g.Expect(h.Load32(regCAP) & 0x1f).To(Equal(uint32(2)))
	g.Expect(h.Load32(regCAP) & capS64A).NotTo(BeZero())
	g.Expect(h.Load32(regVS)).To(Equal(uint32(0x00010301)))

	// Unimplemented port reads as zero
	g.Expect(h.Load32(portBase + portSize + pxSSTS)).To(BeZero())

	// No disk, no link
	g.Expect(h.Load32(portBase + pxSSTS)).To(BeZero())

	h.AttachDisk(0, NewDisk("SIM", "1", 100))
	g.Expect(h.Load32(portBase+pxSSTS) & 0xf).To(Equal(uint32(3)))
	g.Expect(h.Load32(portBase + pxSIG)).To(Equal(uint32(sigATA)))

	// Write-1-to-clear
	g.Expect(h.Load32(portBase + pxSERR)).NotTo(BeZero())
	h.Store32(portBase+pxSERR, ^uint32(0))
	g.Expect(h.Load32(portBase + pxSERR)).To(BeZero())

	// Engine status follows ST and FRE
	h.Store32(portBase+pxCMD, cmdFRE|cmdST)
	g.Expect(h.Load32(portBase+pxCMD) & (cmdCR | cmdFR)).To(Equal(uint32(cmdCR | cmdFR)))
	h.Store32(portBase+pxCMD, 0)
	g.Expect(h.Load32(portBase+pxCMD) & (cmdCR | cmdFR)).To(BeZero())

	// Reset clears itself and leaves AE clear
	h.Store32(regGHC, ghcAE|ghcHR)
	g.Expect(h.Load32(regGHC)).To(BeZero())

	g.Expect(h.Stores()).To(Equal(4))
	g.Expect(func() { h.Load32(0x3) }).To(Panic())
}

// Builds the slot 0 structures by hand, independently of the driver.
func TestHBAExecute(t *testing.T) {
	g := NewGomegaWithT(t)
	le := binary.LittleEndian

	mem := NewMemory(0x10_0000, 1<<20)
	h := NewHBA(mem, Options{PortsImplemented: 1})
	d := NewDisk("SIM", "1", 1000)
	h.AttachDisk(0, d)

	clb := mem.Alloc(1024, 1024)
	fb := mem.Alloc(256, 256)
	ctba := mem.Alloc(0x100, 128)
	data := mem.Alloc(1024, 4096)

	copy(mem.Bytes(data, 1024), []byte("hello, disk"))

	h.Store32(portBase+pxCLB, uint32(clb))
	h.Store32(portBase+pxFB, uint32(fb))
	h.Store32(portBase+pxCMD, cmdFRE|cmdST)

	hdr := mem.Bytes(clb, 32)
	le.PutUint32(hdr[0:], 5|hdrWrite|1<<16)
	le.PutUint32(hdr[8:], uint32(ctba))

	tbl := mem.Bytes(ctba, 0x100)
	fis := ata.NewCommandFIS(ata.ATA_WRITE_DMA_EXT, 10, 2)
	copy(tbl, fis.PackedBytes())
	le.PutUint32(tbl[tblPRDT:], uint32(data))
	le.PutUint32(tbl[tblPRDT+12:], 1024-1)

	h.Store32(portBase+pxCI, 1)

	g.Expect(h.Load32(portBase + pxCI)).To(BeZero())
	g.Expect(h.Load32(portBase+pxIS) & isDHRS).NotTo(BeZero())
	g.Expect(h.Load32(portBase+pxTFD) & 0xff).To(Equal(uint32(tfdReady)))
	g.Expect(le.Uint32(hdr[4:])).To(Equal(uint32(1024)), "PRDBC")
	g.Expect(string(d.ReadSectors(10, 1)[:11])).To(Equal("hello, disk"))
	g.Expect(d.Dirty()).To(BeTrue())

	d2h, err := ata.DecodeD2H(mem.Bytes(fb+rxD2H, 20))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d2h.Status).To(Equal(uint8(tfdReady)))

	cmds := h.Commands()
	g.Expect(cmds).To(HaveLen(1))
	g.Expect(cmds[0]).To(Equal(Command{
		Command: ata.ATA_WRITE_DMA_EXT,
		LBA:     10,
		Count:   2,
		PRDTL:   1,
		Bytes:   1024,
		Write:   true,
		CFL:     5,
	}))

	// Out of range: task file error, CI stays set
	h.Store32(portBase+pxIS, ^uint32(0))
	fis = ata.NewCommandFIS(ata.ATA_WRITE_DMA_EXT, 999, 2)
	copy(tbl, fis.PackedBytes())
	h.Store32(portBase+pxCI, 1)

	g.Expect(h.Load32(portBase+pxIS) & isTFES).NotTo(BeZero())
	g.Expect(h.Load32(portBase + pxCI)).To(Equal(uint32(1)))
	g.Expect(h.Load32(portBase+pxTFD) >> 8).To(Equal(uint32(ata.ATA_ERR_IDNF | ata.ATA_ERR_ABRT)))

	// Clearing ST drops the command
	h.Store32(portBase+pxCMD, cmdFRE)
	g.Expect(h.Load32(portBase + pxCI)).To(BeZero())
}

func TestHBAMalformedPRD(t *testing.T) {
	g := NewGomegaWithT(t)
	le := binary.LittleEndian

	mem := NewMemory(0x3f_f000, 8<<20)
	h := NewHBA(mem, Options{PortsImplemented: 1})
	h.AttachDisk(0, NewDisk("SIM", "1", 1000))

	clb := mem.Alloc(1024, 1024)
	ctba := mem.Alloc(0x100, 128)

	h.Store32(portBase+pxCLB, uint32(clb))
	h.Store32(portBase+pxCMD, cmdFRE|cmdST)

	hdr := mem.Bytes(clb, 32)
	le.PutUint32(hdr[0:], 5|1<<16)
	le.PutUint32(hdr[8:], uint32(ctba))

	tbl := mem.Bytes(ctba, 0x100)
	fis := ata.NewCommandFIS(ata.ATA_READ_DMA_EXT, 0, 8)
	copy(tbl, fis.PackedBytes())

	// 4 KiB straddling the 4 MiB boundary
	le.PutUint32(tbl[tblPRDT:], 0x40_0000-2048)
	le.PutUint32(tbl[tblPRDT+12:], 4096-1)

	h.Store32(portBase+pxCI, 1)
	g.Expect(h.Load32(portBase+pxIS) & isHBFS).NotTo(BeZero())
	g.Expect(h.Commands()).To(BeEmpty())
}

func TestHBALatencyAndHang(t *testing.T) {
	g := NewGomegaWithT(t)

	mem := NewMemory(0x10_0000, 1<<20)
	host := NewHost(mem)
	h := NewHBA(mem, Options{PortsImplemented: 1})
	host.Attach(0xfebf0000, h)
	h.AttachDisk(0, NewDisk("SIM", "1", 1000))

	clb := mem.Alloc(1024, 1024)
	ctba := mem.Alloc(0x100, 128)
	hdr := mem.Bytes(clb, 32)
	binary.LittleEndian.PutUint32(hdr[0:], 5)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(ctba))
	fis := ata.NewCommandFIS(ata.ATA_FLUSH_CACHE_EXT, 0, 0)
	copy(mem.Bytes(ctba, 0x100), fis.PackedBytes())

	h.Store32(portBase+pxCLB, uint32(clb))
	h.Store32(portBase+pxCMD, cmdFRE|cmdST)

	h.SetPortFaults(0, PortFaults{Latency: 5 * time.Millisecond})
	h.Store32(portBase+pxCI, 1)
	g.Expect(h.Load32(portBase + pxCI)).To(Equal(uint32(1)))
	g.Expect(h.Load32(portBase+pxTFD) & tfdBusy).NotTo(BeZero())

	host.Sleep(4 * time.Millisecond)
	g.Expect(h.Load32(portBase + pxCI)).To(Equal(uint32(1)))
	host.Sleep(time.Millisecond)
	g.Expect(h.Load32(portBase + pxCI)).To(BeZero())

	h.SetPortFaults(0, PortFaults{Hang: true})
	h.Store32(portBase+pxCI, 1)
	host.Sleep(time.Hour)
	g.Expect(h.Load32(portBase + pxCI)).To(Equal(uint32(1)))
}

func TestDiskIdentify(t *testing.T) {
	g := NewGomegaWithT(t)

	d := NewDisk("SIM HARDDISK", "S123", 1<<30)
	d.setFeature(ata.SETFEATURES_RA_OFF)

	id, err := ata.ParseIdentify(d.identify())
	g.Expect(err).NotTo(HaveOccurred())

	info := ata.Describe(id)
	g.Expect(info.Model).To(Equal("SIM HARDDISK"))
	g.Expect(info.Serial).To(Equal("S123"))
	g.Expect(info.Firmware).To(Equal("1.0"))
	g.Expect(info.Sectors).To(Equal(uint64(1 << 30)))
	g.Expect(info.LogicalSectorSize).To(Equal(uint64(512)))
	g.Expect(id.Word(ata.IDENT_WORD_CAPABILITIES) & ata.IDENT_CAP_LBA).NotTo(BeZero())
	g.Expect(info.WriteCacheEnabled).To(BeTrue())
	g.Expect(info.ReadAheadEnabled).To(BeFalse())

	g.Expect(d.setFeature(0x99)).To(BeFalse())
}
