// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dswarbrick/ahci/ata"
)

// Register layout, AHCI 1.3.1 section 3. The simulator decodes guest memory
// structures on its own rather than sharing the driver's definitions.
const (
	WindowSize = 0x10000

	regCAP  = 0x00
	regGHC  = 0x04
	regIS   = 0x08
	regPI   = 0x0c
	regVS   = 0x10
	regCAP2 = 0x24
	regBOHC = 0x28

	portBase = 0x100
	portSize = 0x80

	pxCLB  = 0x00
	pxCLBU = 0x04
	pxFB   = 0x08
	pxFBU  = 0x0c
	pxIS   = 0x10
	pxIE   = 0x14
	pxCMD  = 0x18
	pxTFD  = 0x20
	pxSIG  = 0x24
	pxSSTS = 0x28
	pxSCTL = 0x2c
	pxSERR = 0x30
	pxSACT = 0x34
	pxCI   = 0x38

	capS64A = 1 << 31
	capSAM  = 1 << 18

	cap2BOH = 1 << 0

	bohcBOS = 1 << 0
	bohcOOS = 1 << 1

	ghcHR = 1 << 0
	ghcIE = 1 << 1
	ghcAE = 1 << 31

	cmdST  = 1 << 0
	cmdSUD = 1 << 1
	cmdPOD = 1 << 2
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15

	isDHRS = 1 << 0
	isPCS  = 1 << 6
	isIFS  = 1 << 27
	isHBFS = 1 << 29
	isTFES = 1 << 30

	serrDiagX = 1 << 26

	sigATA   = 0x00000101
	sigATAPI = 0xeb140101
	sigNone  = 0xffffffff

	sstsActive = 0x113 // DET present, Gen1, IPM active

	tfdReady = ata.ATA_STAT_DRDY | 0x10
	tfdBusy  = ata.ATA_STAT_BSY
	tfdNoDev = 0x7f

	hdrCFLMask = 0x1f
	hdrWrite   = 1 << 6

	tblPRDT  = 0x80
	prdLen   = 16
	prdMax   = 4 << 20
	rxD2H    = 0x40
	rxFISLen = 256
)

// Options configures a simulated HBA.
type Options struct {
	PortsImplemented uint32 // PI mask
	CommandSlots     int    // defaults to 32
	No64Bit          bool   // clear CAP.S64A
	BIOSOwned        bool   // advertise CAP2.BOH with firmware owning the HBA
	Version          uint32 // defaults to 1.3.1
}

// HBAFaults injects controller-wide failures.
type HBAFaults struct {
	StuckReset        bool // GHC.HR never clears
	BIOSNeverReleases bool // BOHC.BOS never clears
}

// PortFaults injects failures on one port.
type PortFaults struct {
	NoLink      bool          // PHY never reports a device
	Hang        bool          // issued commands never complete
	StuckEngine bool          // PxCMD.CR stays set when ST is cleared, until COMRESET
	ATAPI       bool          // report the ATAPI signature
	FailCommand uint8         // ATA opcode aborted by the device, 0 for none
	DropLink    bool          // the device leaves the link after aborting FailCommand
	Latency     time.Duration // virtual time until a command completes
	SpinupTime  time.Duration // virtual time the device stays BSY after link up
}

// Command records a command fetched by the simulated HBA.
type Command struct {
	Port     int
	Command  uint8
	Features uint16
	LBA      uint64
	Count    uint16
	PRDTL    int
	Bytes    uint64 // sum of PRD byte counts
	Write    bool   // header W bit
	CFL      int
}

type port struct {
	n      int
	r      [portSize / 4]uint32
	disk   *Disk
	faults PortFaults

	pending  bool
	due      time.Duration
	spinning bool
	spinDue  time.Duration
}

// HBA is a simulated AHCI host bus adapter. It implements platform.Regs and
// executes commands against attached Disks using the shared Memory for DMA.
type HBA struct {
	mem *Memory

	mu     sync.Mutex
	cap    uint32
	cap2   uint32
	ghc    uint32
	is     uint32
	pi     uint32
	vs     uint32
	bohc   uint32
	faults HBAFaults
	ports  [32]*port

	now      time.Duration
	stores   int
	commands []Command
}

func NewHBA(mem *Memory, opts Options) *HBA {
	slots := opts.CommandSlots
	if slots <= 0 || slots > 32 {
		slots = 32
	}
	vs := opts.Version
	if vs == 0 {
		vs = 0x00010301
	}

	h := &HBA{
		mem: mem,
		cap: uint32(slots-1)<<8 | capSAM,
		pi:  opts.PortsImplemented,
		vs:  vs,
	}

	highest := 0
	for n := 0; n < 32; n++ {
		if opts.PortsImplemented&(1<<uint(n)) != 0 {
			h.ports[n] = &port{n: n}
			h.ports[n].linkDown()
			highest = n
		}
	}
	h.cap |= uint32(highest)

	if !opts.No64Bit {
		h.cap |= capS64A
	}
	if opts.BIOSOwned {
		h.cap2 |= cap2BOH
		h.bohc = bohcBOS
	}

	return h
}

// AttachDisk connects d to port n and brings the link up.
func (h *HBA) AttachDisk(n int, d *Disk) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.port(n)
	p.disk = d
	h.linkUp(p)
}

func (h *HBA) SetFaults(f HBAFaults) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = f
}

func (h *HBA) SetPortFaults(n int, f PortFaults) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.port(n).faults = f
}

// Stores returns the number of register writes so far.
func (h *HBA) Stores() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stores
}

// Commands returns every command fetched so far, in order.
func (h *HBA) Commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command(nil), h.commands...)
}

func (h *HBA) port(n int) *port {
	if n < 0 || n >= 32 || h.ports[n] == nil {
		panic(fmt.Sprintf("sim: port %d not implemented", n))
	}
	return h.ports[n]
}

func decodeOffset(off uint32) (n int, reg uint32, isPort bool) {
	if off&3 != 0 || off >= WindowSize {
		panic(fmt.Sprintf("sim: bad register offset %#x", off))
	}
	if off < portBase || off >= portBase+32*portSize {
		return 0, off, false
	}
	return int((off - portBase) / portSize), (off - portBase) % portSize, true
}

func (h *HBA) Load32(off uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, reg, isPort := decodeOffset(off)
	if isPort {
		if h.ports[n] == nil {
			return 0
		}
		return h.ports[n].r[reg/4]
	}

	switch reg {
	case regCAP:
		return h.cap
	case regGHC:
		return h.ghc
	case regIS:
		return h.is
	case regPI:
		return h.pi
	case regVS:
		return h.vs
	case regCAP2:
		return h.cap2
	case regBOHC:
		return h.bohc
	}
	return 0
}

func (h *HBA) Store32(off uint32, v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stores++

	n, reg, isPort := decodeOffset(off)
	if isPort {
		if p := h.ports[n]; p != nil {
			h.storePort(p, reg, v)
		}
		return
	}

	switch reg {
	case regGHC:
		if v&ghcHR != 0 {
			h.reset()
			if h.faults.StuckReset {
				h.ghc = ghcHR
			}
			return
		}
		h.ghc = v & (ghcAE | ghcIE)
	case regIS:
		h.is &^= v
	case regBOHC:
		if v&bohcOOS != 0 {
			h.bohc |= bohcOOS
			if !h.faults.BIOSNeverReleases {
				h.bohc &^= bohcBOS
			}
		}
	}
}

func (h *HBA) storePort(p *port, reg, v uint32) {
	switch reg {
	case pxCLB, pxFB:
		p.r[reg/4] = v &^ 0xff
	case pxCLBU, pxFBU, pxIE, pxSACT:
		p.r[reg/4] = v
	case pxIS, pxSERR:
		p.r[reg/4] &^= v
	case pxCMD:
		h.storeCmd(p, v)
	case pxSCTL:
		h.storeSctl(p, v)
	case pxCI:
		if p.r[pxCMD/4]&cmdST == 0 {
			return
		}
		issued := v &^ p.r[pxCI/4]
		p.r[pxCI/4] |= v
		if issued&1 != 0 {
			h.issue(p)
		}
	}
}

func (h *HBA) storeCmd(p *port, v uint32) {
	old := p.r[pxCMD/4]
	cmd := old&(cmdCR|cmdFR) | v&(cmdST|cmdSUD|cmdPOD|cmdFRE)

	if v&cmdFRE != 0 {
		cmd |= cmdFR
	} else {
		cmd &^= cmdFR
	}

	if v&cmdST != 0 {
		cmd |= cmdCR
	} else {
		if !p.faults.StuckEngine {
			cmd &^= cmdCR
		}
		p.r[pxCI/4] = 0
		p.r[pxSACT/4] = 0
		p.pending = false
	}

	p.r[pxCMD/4] = cmd

	if v&cmdSUD != 0 && old&cmdSUD == 0 {
		h.linkUp(p)
	}
}

func (h *HBA) storeSctl(p *port, v uint32) {
	old := p.r[pxSCTL/4]
	p.r[pxSCTL/4] = v

	switch {
	case v&0xf == 1:
		p.linkDown()
		cmd := p.r[pxCMD/4]
		if cmd&cmdST == 0 {
			cmd &^= cmdCR
		}
		if cmd&cmdFRE == 0 {
			cmd &^= cmdFR
		}
		p.r[pxCMD/4] = cmd
	case v&0xf == 0 && old&0xf == 1:
		h.linkUp(p)
	}
}

func (p *port) linkDown() {
	p.r[pxSSTS/4] = 0
	p.r[pxSIG/4] = sigNone
	p.r[pxTFD/4] = tfdNoDev
	p.r[pxCI/4] = 0
	p.pending = false
	p.spinning = false
}

func (h *HBA) linkUp(p *port) {
	if p.disk == nil || p.faults.NoLink {
		p.linkDown()
		return
	}

	p.r[pxSSTS/4] = sstsActive
	p.r[pxSERR/4] |= serrDiagX
	p.r[pxIS/4] |= isPCS
	p.r[pxCI/4] = 0
	p.pending = false

	if p.faults.ATAPI {
		p.r[pxSIG/4] = sigATAPI
	} else {
		p.r[pxSIG/4] = sigATA
	}

	if p.faults.SpinupTime > 0 {
		p.r[pxTFD/4] = tfdBusy
		p.spinning = true
		p.spinDue = h.now + p.faults.SpinupTime
		return
	}

	p.r[pxTFD/4] = tfdReady
	h.postD2H(p, tfdReady, 0)
}

// reset performs GHC.HR: every port register returns to its reset value and
// attached devices see a COMRESET.
func (h *HBA) reset() {
	h.ghc = 0
	h.is = 0

	for _, p := range h.ports {
		if p == nil {
			continue
		}
		p.r = [portSize / 4]uint32{}
		h.linkUp(p)
		p.r[pxIS/4] = 0
		p.r[pxSERR/4] = 0
	}
}

// Advance moves the simulated clock forward, completing delayed commands and spin-ups.
func (h *HBA) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.now += d

	for _, p := range h.ports {
		if p == nil {
			continue
		}
		if p.spinning && h.now >= p.spinDue {
			p.spinning = false
			p.r[pxTFD/4] = tfdReady
			h.postD2H(p, tfdReady, 0)
		}
		if p.pending && !p.faults.Hang && h.now >= p.due {
			p.pending = false
			h.execute(p)
		}
	}
}

func (h *HBA) issue(p *port) {
	p.r[pxTFD/4] = tfdBusy

	if p.faults.Hang || p.faults.Latency > 0 {
		p.pending = true
		p.due = h.now + p.faults.Latency
		return
	}

	h.execute(p)
}

// dma returns guest memory [pa, pa+size), or false if the HBA could not reach it.
func (h *HBA) dma(pa, size uint64) ([]byte, bool) {
	if !h.mem.Contains(pa, size) {
		return nil, false
	}
	if h.cap&capS64A == 0 && pa+size > 1<<32 {
		return nil, false
	}
	return h.mem.Bytes(pa, size), true
}

func le32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// execute fetches and runs command slot 0 of port p.
func (h *HBA) execute(p *port) {
	clb := uint64(p.r[pxCLB/4]) | uint64(p.r[pxCLBU/4])<<32
	hdr, ok := h.dma(clb, 32)
	if !ok {
		h.fatal(p, isHBFS)
		return
	}

	dw0 := le32(hdr[0:])
	ctba := uint64(le32(hdr[8:])) | uint64(le32(hdr[12:]))<<32
	prdtl := int(dw0 >> 16)
	cfl := int(dw0 & hdrCFLMask)

	if ctba&0x7f != 0 || cfl < ata.FIS_REG_LEN/4 {
		h.fatal(p, isHBFS)
		return
	}

	tbl, ok := h.dma(ctba, tblPRDT+uint64(prdtl)*prdLen)
	if !ok {
		h.fatal(p, isHBFS)
		return
	}

	fis, err := ata.DecodeH2D(tbl[:cfl*4])
	if err != nil || !fis.IsCmd {
		h.fatal(p, isIFS)
		return
	}

	var (
		segs  [][]byte
		total uint64
	)
	for i := 0; i < prdtl; i++ {
		e := tbl[tblPRDT+i*prdLen:]
		dba := uint64(le32(e[0:])) | uint64(le32(e[4:]))<<32
		dbc := uint64(le32(e[12:])&0x3fffff) + 1

		if dba&1 != 0 || dba/prdMax != (dba+dbc-1)/prdMax {
			h.fatal(p, isHBFS)
			return
		}
		seg, ok := h.dma(dba, dbc)
		if !ok {
			h.fatal(p, isHBFS)
			return
		}

		segs = append(segs, seg)
		total += dbc
	}

	write := dw0&hdrWrite != 0

	h.commands = append(h.commands, Command{
		Port:     p.n,
		Command:  fis.Command,
		Features: fis.Features,
		LBA:      fis.LBA,
		Count:    fis.Count,
		PRDTL:    prdtl,
		Bytes:    total,
		Write:    write,
		CFL:      cfl,
	})

	if p.faults.FailCommand != 0 && p.faults.FailCommand == fis.Command {
		h.deviceError(p, ata.ATA_ERR_ABRT)
		if p.faults.DropLink {
			p.faults.NoLink = true
			p.r[pxSSTS/4] = 0
		}
		return
	}

	d := p.disk

	switch fis.Command {
	case ata.ATA_READ_DMA_EXT, ata.ATA_WRITE_DMA_EXT:
		isWrite := fis.Command == ata.ATA_WRITE_DMA_EXT
		sectors := uint64(fis.Count)
		if sectors == 0 {
			sectors = 65536
		}
		n := sectors * ata.SECTOR_SIZE

		if write != isWrite || total != n {
			h.fatal(p, isHBFS)
			return
		}
		if fis.LBA+sectors > d.Sectors {
			h.deviceError(p, ata.ATA_ERR_IDNF|ata.ATA_ERR_ABRT)
			return
		}

		if isWrite {
			buf := make([]byte, 0, n)
			for _, s := range segs {
				buf = append(buf, s...)
			}
			d.WriteSectors(fis.LBA, buf)
		} else {
			scatter(segs, d.ReadSectors(fis.LBA, int(sectors)))
		}

	case ata.ATA_FLUSH_CACHE_EXT:
		if prdtl != 0 {
			h.deviceError(p, ata.ATA_ERR_ABRT)
			return
		}
		d.flush()

	case ata.ATA_IDENTIFY_DEVICE:
		if write || total < ata.IDENTIFY_LEN {
			h.deviceError(p, ata.ATA_ERR_ABRT)
			return
		}
		scatter(segs, d.identify())

	case ata.ATA_SET_FEATURES:
		if prdtl != 0 || !d.setFeature(uint8(fis.Features)) {
			h.deviceError(p, ata.ATA_ERR_ABRT)
			return
		}

	default:
		h.deviceError(p, ata.ATA_ERR_ABRT)
		return
	}

	binary.LittleEndian.PutUint32(hdr[4:], uint32(total))
	p.r[pxTFD/4] = tfdReady
	h.postD2H(p, tfdReady, 0)
	p.r[pxIS/4] |= isDHRS
	p.r[pxCI/4] &^= 1
	h.is |= 1 << uint(p.n)
}

func scatter(segs [][]byte, data []byte) {
	for _, s := range segs {
		n := copy(s, data)
		data = data[n:]
	}
}

// deviceError completes the command with a task file error. The HBA stops
// processing the command list, so CI is left set.
func (h *HBA) deviceError(p *port, errByte uint8) {
	status := uint8(tfdReady | ata.ATA_STAT_ERR)

	p.r[pxTFD/4] = uint32(errByte)<<8 | uint32(status)
	h.postD2H(p, status, errByte)
	p.r[pxIS/4] |= isTFES | isDHRS
	h.is |= 1 << uint(p.n)
}

// fatal flags a host-side error. CI is left set.
func (h *HBA) fatal(p *port, bit uint32) {
	p.r[pxTFD/4] = tfdReady
	p.r[pxIS/4] |= bit
	h.is |= 1 << uint(p.n)
}

// postD2H writes a D2H register FIS into the port's received FIS area, if enabled.
func (h *HBA) postD2H(p *port, status, errByte uint8) {
	if p.r[pxCMD/4]&cmdFR == 0 {
		return
	}

	fb := uint64(p.r[pxFB/4]) | uint64(p.r[pxFBU/4])<<32
	rx, ok := h.dma(fb, rxFISLen)
	if !ok {
		return
	}

	fis := ata.D2HFIS{Status: status, Error: errByte, Device: ata.ATA_DEVICE_LBA, Interrupt: true}
	copy(rx[rxD2H:], fis.PackedBytes())
}
