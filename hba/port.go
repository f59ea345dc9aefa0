// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package hba

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/ahci/ata"
	"github.com/dswarbrick/ahci/config"
	"github.com/dswarbrick/ahci/platform"
	"github.com/dswarbrick/ahci/quirks"
)

type PortState int32

const (
	StateUninitialized PortState = iota
	StateIdle
	StateIssuing
	StateWaitingCompletion
	StateError
	StateRecovering
)

var portStateNames = [...]string{
	StateUninitialized:     "uninitialized",
	StateIdle:              "idle",
	StateIssuing:           "issuing",
	StateWaitingCompletion: "waiting",
	StateError:             "error",
	StateRecovering:        "recovering",
}

func (s PortState) String() string {
	if int(s) < len(portStateNames) {
		return portStateNames[s]
	}
	return "invalid"
}

// Port drives one SATA port of the HBA through command slot 0.
//
// Callers serialize access to a port. Concurrent use is detected and refused
// with ErrPortBusy rather than prevented.
type Port struct {
	num  int
	regs platform.Regs
	host platform.Host
	cfg  *config.Config
	log  *log.Entry
	s64a bool

	state   int32 // PortState
	lastErr error

	cmdList    []byte
	rxFIS      []byte
	slot       *CommandSlot
	bounce     []byte
	bouncePhys uint64
	ident      []byte
	identPhys  uint64

	info       ata.DeviceInfo
	identified bool
	quirk      quirks.DriveModel

	stats counters
}

func newPort(n int, regs platform.Regs, host platform.Host, cfg *config.Config, logger *log.Entry, s64a bool) *Port {
	return &Port{
		num:  n,
		regs: regs,
		host: host,
		cfg:  cfg,
		log:  logger.WithField("port", n),
		s64a: s64a,
	}
}

func (p *Port) Num() int {
	return p.num
}

func (p *Port) State() PortState {
	return PortState(atomic.LoadInt32(&p.state))
}

// Err returns the error that moved the port into the Error state, if any.
func (p *Port) Err() error {
	if p.State() != StateError {
		return nil
	}
	return p.lastErr
}

// Info returns the identity of the attached drive. Valid once Identified returns true.
func (p *Port) Info() ata.DeviceInfo {
	return p.info
}

func (p *Port) Identified() bool {
	return p.identified
}

func (p *Port) Quirk() quirks.DriveModel {
	return p.quirk
}

func (p *Port) Stats() Stats {
	return p.stats.snapshot()
}

func (p *Port) load(off uint32) uint32 {
	return p.regs.Load32(portReg(p.num, off))
}

func (p *Port) store(off uint32, v uint32) {
	p.regs.Store32(portReg(p.num, off), v)
}

func (p *Port) setState(s PortState) {
	atomic.StoreInt32(&p.state, int32(s))
}

func (p *Port) fail(err error) error {
	p.lastErr = err
	p.setState(StateError)
	return err
}

// waitReg polls a port register until (reg & mask) == want, yielding between polls.
func (p *Port) waitReg(off, mask, want uint32, timeout time.Duration) bool {
	polls := p.cfg.Polls(timeout)

	for i := 0; ; i++ {
		if p.load(off)&mask == want {
			return true
		}
		if i == polls {
			return false
		}
		p.host.Sleep(p.cfg.PollInterval)
	}
}

// setup allocates the port's DMA structures and starts its command engine.
func (p *Port) setup() error {
	p.setState(StateUninitialized)

	if err := p.stopEngine(); err != nil {
		return p.fail(err)
	}
	if err := p.allocate(); err != nil {
		return p.fail(err)
	}
	if err := p.start(); err != nil {
		return p.fail(err)
	}

	p.setState(StateIdle)
	return nil
}

// stopEngine clears ST and FRE and waits for the engine to acknowledge.
func (p *Port) stopEngine() error {
	cmd := p.load(PORT_CMD)

	if cmd&(AHCI_PORT_CMD_ST|AHCI_PORT_CMD_CR) != 0 {
		p.store(PORT_CMD, cmd&^AHCI_PORT_CMD_ST)
		if !p.waitReg(PORT_CMD, AHCI_PORT_CMD_CR, 0, p.cfg.PortStopTimeout) {
			return errors.Wrap(ErrPortNotResponding, "command list engine did not stop")
		}
	}

	cmd = p.load(PORT_CMD)
	if cmd&(AHCI_PORT_CMD_FRE|AHCI_PORT_CMD_FR) != 0 {
		p.store(PORT_CMD, cmd&^AHCI_PORT_CMD_FRE)
		if !p.waitReg(PORT_CMD, AHCI_PORT_CMD_FR, 0, p.cfg.PortStopTimeout) {
			return errors.Wrap(ErrPortNotResponding, "FIS receive engine did not stop")
		}
	}

	return nil
}

// dmaAlloc returns a zeroed DMA buffer and its physical address.
func (p *Port) dmaAlloc(what string, size uint64, align uint32) ([]byte, uint64, error) {
	pa := p.host.AllocAligned(size, align)
	if pa == 0 {
		return nil, 0, errors.Wrapf(ErrPortNotResponding, "cannot allocate %s (%d bytes)", what, size)
	}
	if !p.s64a && pa+size > 1<<32 {
		return nil, 0, errors.Wrapf(ErrPortNotResponding, "%s at %#x beyond 32-bit DMA range", what, pa)
	}

	b := p.host.PhysToVirt(pa, size)
	for i := range b {
		b[i] = 0
	}

	return b, pa, nil
}

// allocate obtains the port's DMA memory. Memory is allocated once and kept
// for the lifetime of the port, including across recovery.
func (p *Port) allocate() error {
	if p.slot != nil {
		return nil
	}

	cmdList, clbPhys, err := p.dmaAlloc("command list", CMD_LIST_LEN, CMD_LIST_ALIGN)
	if err != nil {
		return err
	}
	rxFIS, fbPhys, err := p.dmaAlloc("received FIS area", RX_FIS_LEN, RX_FIS_ALIGN)
	if err != nil {
		return err
	}
	tbl, tblPhys, err := p.dmaAlloc("command table", CMD_TBL_LEN, CMD_TBL_ALIGN)
	if err != nil {
		return err
	}
	ident, identPhys, err := p.dmaAlloc("identify buffer", ata.IDENTIFY_LEN, 2)
	if err != nil {
		return err
	}

	if size := p.cfg.BounceBufferSize; size > 0 {
		p.bounce, p.bouncePhys, err = p.dmaAlloc("bounce buffer", size, 4096)
		if err != nil {
			return err
		}
	}

	p.cmdList, p.rxFIS = cmdList, rxFIS
	p.ident, p.identPhys = ident, identPhys
	p.slot = newCommandSlot(cmdList, tbl, tblPhys)

	p.store(PORT_CLB, uint32(clbPhys))
	p.store(PORT_CLBU, uint32(clbPhys>>32))
	p.store(PORT_FB, uint32(fbPhys))
	p.store(PORT_FBU, uint32(fbPhys>>32))

	p.log.WithFields(log.Fields{
		"clb": clbPhys,
		"fb":  fbPhys,
		"ctb": tblPhys,
	}).Debug("port memory allocated")

	return nil
}

// start brings the link up and starts the command engine, leaving the device
// ready to accept commands.
func (p *Port) start() error {
	p.store(PORT_SERR, ^uint32(0))
	p.store(PORT_IS, ^uint32(0))
	p.store(PORT_IE, 0)

	cmd := p.load(PORT_CMD)
	cmd &^= AHCI_PORT_CMD_ICC
	cmd |= AHCI_PORT_CMD_FRE | AHCI_PORT_CMD_SUD | AHCI_PORT_CMD_POD | AHCI_PORT_CMD_ACTIVE
	p.store(PORT_CMD, cmd)

	if !p.waitReg(PORT_CMD, AHCI_PORT_CMD_FR, AHCI_PORT_CMD_FR, p.cfg.PortStopTimeout) {
		return errors.Wrap(ErrPortNotResponding, "FIS receive engine did not start")
	}

	if !p.waitReg(PORT_SSTS, AHCI_PORT_SSTS_DET_MASK, AHCI_PORT_SSTS_DET_PRESENT, p.cfg.LinkTimeout) {
		return errors.Wrapf(ErrPortNotResponding, "no device detected (SStatus %#x)", p.load(PORT_SSTS))
	}

	// SError collects bits during link bring-up
	p.store(PORT_SERR, ^uint32(0))

	if !p.waitReg(PORT_TFD, ata.ATA_STAT_BSY|ata.ATA_STAT_DRQ, 0, p.cfg.SpinupTimeout) {
		return errors.Wrapf(ErrPortNotResponding, "device busy after spin-up (TFD %#x)", p.load(PORT_TFD))
	}

	switch sig := p.load(PORT_SIG); sig {
	case SATA_SIG_ATA:
	case SATA_SIG_ATAPI:
		return errors.Wrap(ErrPortNotResponding, "ATAPI devices are not supported")
	default:
		return errors.Wrapf(ErrPortNotResponding, "unsupported device signature %#08x", sig)
	}

	p.store(PORT_CMD, p.load(PORT_CMD)|AHCI_PORT_CMD_ST)
	if !p.waitReg(PORT_CMD, AHCI_PORT_CMD_CR, AHCI_PORT_CMD_CR, p.cfg.PortStopTimeout) {
		return errors.Wrap(ErrPortNotResponding, "command list engine did not start")
	}

	return nil
}

// acquire moves the port from Idle to Issuing, or explains why it cannot.
func (p *Port) acquire() error {
	if atomic.CompareAndSwapInt32(&p.state, int32(StateIdle), int32(StateIssuing)) {
		return nil
	}

	switch s := p.State(); s {
	case StateUninitialized:
		return errors.Wrapf(ErrNotReady, "port %d", p.num)
	case StateError:
		return errors.Wrapf(ErrPortUnusable, "port %d: %v", p.num, p.lastErr)
	default:
		return errors.Wrapf(ErrPortBusy, "port %d is %s", p.num, s)
	}
}

// exec runs one command through slot 0: build, issue, wait, complete. build and
// done run while the port is owned by the caller.
func (p *Port) exec(timeout time.Duration, build func(*CommandSlot) error, done func()) error {
	if err := p.acquire(); err != nil {
		return err
	}

	if err := build(p.slot); err != nil {
		p.setState(StateIdle)
		return err
	}

	cmd := p.slot.Command()
	p.log.WithFields(log.Fields{
		"cmd":  ata.CommandName(cmd),
		"prds": p.slot.PRDTLength(),
	}).Debug("issuing command")

	p.host.SyncDCache()
	p.store(PORT_IS, ^uint32(0))
	p.setState(StateWaitingCompletion)
	p.store(PORT_CI, 1)

	err := p.wait(cmd, timeout)
	p.host.SyncDCache()

	if err == nil {
		if tfd := p.load(PORT_TFD); tfd&ata.ATA_STAT_ERR != 0 {
			err = p.deviceError(cmd, p.load(PORT_IS))
		}
	}

	if err != nil {
		inc(&p.stats.errors, 1)
		if errors.Is(err, ErrCommandTimeout) {
			inc(&p.stats.timeouts, 1)
		}
		p.log.WithError(err).Warn("command failed")
		return p.fail(err)
	}

	if done != nil {
		done()
	}

	p.setState(StateIdle)
	return nil
}

// wait polls for completion of slot 0. A set fatal interrupt status bit ends
// the wait early; otherwise the command is complete once the HBA clears CI.
func (p *Port) wait(cmd uint8, timeout time.Duration) error {
	polls := p.cfg.Polls(timeout)

	for i := 0; ; i++ {
		if is := p.load(PORT_IS); is&AHCI_PORT_INTR_ERROR != 0 {
			return p.deviceError(cmd, is)
		}
		if p.load(PORT_CI)&1 == 0 {
			return nil
		}
		if i == polls {
			break
		}
		p.host.Sleep(p.cfg.PollInterval)
	}

	return errors.Wrapf(ErrCommandTimeout, "port %d: %s after %v", p.num, ata.CommandName(cmd), timeout)
}

// deviceError collects the ATA status and error registers of a failed command.
// The D2H FIS is preferred when the HBA has posted one with ERR set.
func (p *Port) deviceError(cmd uint8, is uint32) error {
	tfd := p.load(PORT_TFD)

	e := &DeviceError{
		Port:    p.num,
		Command: cmd,
		Status:  uint8(tfd & AHCI_PORT_TFD_STS_MASK),
		ErrReg:  uint8(tfd >> AHCI_PORT_TFD_ERR_SHFT),
		IS:      is,
	}

	if d2h, err := ata.DecodeD2H(p.rxFIS[RX_FIS_D2H:]); err == nil && d2h.Status&ata.ATA_STAT_ERR != 0 {
		e.Status, e.ErrReg = d2h.Status, d2h.Error
	}

	return e
}

// Identify issues IDENTIFY DEVICE and records the drive's identity.
func (p *Port) Identify() (ata.DeviceInfo, error) {
	var raw []byte

	err := p.exec(p.cfg.CommandTimeout,
		func(s *CommandSlot) error { return s.BuildIdentify(p.identPhys) },
		func() { raw = append([]byte(nil), p.ident...) })
	if err != nil {
		return ata.DeviceInfo{}, err
	}

	id, err := ata.ParseIdentify(raw)
	if err != nil {
		return ata.DeviceInfo{}, errors.Wrapf(err, "port %d", p.num)
	}

	p.info = ata.Describe(id)
	p.identified = true

	p.log.WithFields(log.Fields{
		"model":    p.info.Model,
		"serial":   p.info.Serial,
		"firmware": p.info.Firmware,
		"sectors":  p.info.Sectors,
	}).Info("drive identified")

	return p.info, nil
}

// SetFeature issues SET FEATURES with the given subcommand.
func (p *Port) SetFeature(feature uint8) error {
	return p.exec(p.cfg.CommandTimeout,
		func(s *CommandSlot) error { return s.BuildSetFeatures(feature) }, nil)
}

// ApplyQuirks looks the identified drive up in db and applies its settings.
// A failed SET FEATURES is logged and the port recovered; only a port that
// cannot be recovered is reported.
func (p *Port) ApplyQuirks(db *quirks.DriveDb) error {
	if db == nil || !p.identified {
		return nil
	}

	p.quirk = db.LookupDrive(p.info.Model, p.info.Firmware)
	plog := p.log.WithField("family", p.quirk.Family)

	if p.quirk.WarningMsg != "" {
		plog.Warn(p.quirk.WarningMsg)
	}

	features := []struct {
		name      string
		setting   quirks.Setting
		supported bool
		on, off   uint8
	}{
		{"write cache", p.quirk.WriteCache, p.info.WriteCache, ata.SETFEATURES_WC_ON, ata.SETFEATURES_WC_OFF},
		{"read look-ahead", p.quirk.ReadAhead, p.info.ReadAhead, ata.SETFEATURES_RA_ON, ata.SETFEATURES_RA_OFF},
	}

	for _, f := range features {
		if f.setting == quirks.Keep {
			continue
		}
		if !f.supported {
			plog.Debugf("%s not supported by drive", f.name)
			continue
		}

		sub := f.on
		if f.setting == quirks.Disable {
			sub = f.off
		}

		if err := p.SetFeature(sub); err != nil {
			plog.WithError(err).Warnf("cannot %s %s", f.setting, f.name)
			if p.State() == StateError {
				if rerr := p.Recover(); rerr != nil {
					return errors.Wrapf(rerr, "recover after failed %s %s", f.setting, f.name)
				}
			}
			continue
		}
		plog.Debugf("%s: %s", f.name, f.setting)
	}

	return nil
}

// dmaAddress returns the bus address of buf if the HBA can reach it directly.
func (p *Port) dmaAddress(buf []byte) (uint64, bool) {
	pa, ok := p.host.VirtToPhys(buf)
	if !ok || pa&1 != 0 {
		return 0, false
	}
	if !p.s64a && pa+uint64(len(buf)) > 1<<32 {
		return 0, false
	}
	return pa, true
}

// checkTransfer validates a data transfer without touching the hardware.
func (p *Port) checkTransfer(lba uint64, buf []byte) (uint16, error) {
	n := len(buf)
	if n == 0 || n%ata.SECTOR_SIZE != 0 {
		return 0, errors.Wrapf(ErrInvalidTransferSize, "buffer length %d not a nonzero multiple of %d", n, ata.SECTOR_SIZE)
	}
	if n/ata.SECTOR_SIZE > ata.MAX_SECTORS_EXT {
		return 0, errors.Wrapf(ErrInvalidTransferSize, "%d sectors exceeds %d", n/ata.SECTOR_SIZE, ata.MAX_SECTORS_EXT)
	}

	count := uint16(n / ata.SECTOR_SIZE)
	if lba >= ata.LBA48_LIMIT || lba+uint64(count) > ata.LBA48_LIMIT {
		return 0, errors.Wrapf(ErrInvalidTransferSize, "LBA %d + %d beyond 48-bit range", lba, count)
	}

	return count, nil
}

func (p *Port) transfer(lba uint64, buf []byte, dir Direction) error {
	count, err := p.checkTransfer(lba, buf)
	if err != nil {
		return err
	}

	pa, direct := p.dmaAddress(buf)
	if !direct && len(buf) > len(p.bounce) {
		return errors.Wrapf(ErrInvalidTransferSize, "%d bytes not DMA-capable and larger than bounce buffer (%d)",
			len(buf), len(p.bounce))
	}

	build := func(s *CommandSlot) error {
		if direct {
			return s.BuildRW(lba, count, pa, dir)
		}
		if dir == DirWrite {
			copy(p.bounce, buf)
		}
		return s.BuildRW(lba, count, p.bouncePhys, dir)
	}

	var done func()
	if !direct && dir == DirRead {
		done = func() { copy(buf, p.bounce[:len(buf)]) }
	}

	if err := p.exec(p.cfg.CommandTimeout, build, done); err != nil {
		return err
	}

	if !direct {
		inc(&p.stats.bounced, 1)
	}
	if dir == DirWrite {
		inc(&p.stats.writes, 1)
		inc(&p.stats.sectorsWritten, uint64(count))
	} else {
		inc(&p.stats.reads, 1)
		inc(&p.stats.sectorsRead, uint64(count))
	}

	return nil
}

// ReadDMA reads len(buf)/512 sectors starting at lba.
func (p *Port) ReadDMA(lba uint64, buf []byte) error {
	return p.transfer(lba, buf, DirRead)
}

// WriteDMA writes len(buf)/512 sectors starting at lba.
func (p *Port) WriteDMA(lba uint64, buf []byte) error {
	return p.transfer(lba, buf, DirWrite)
}

// FlushCache issues FLUSH CACHE EXT, unless the drive is known to mishandle it.
func (p *Port) FlushCache() error {
	if p.quirk.NoFlush {
		if err := p.acquire(); err != nil {
			return err
		}
		p.setState(StateIdle)
		p.log.Debug("flush suppressed by drive quirk")
		return nil
	}

	if err := p.exec(p.cfg.FlushTimeout, func(s *CommandSlot) error { return s.BuildFlush() }, nil); err != nil {
		return err
	}

	inc(&p.stats.flushes, 1)
	return nil
}

// Recover returns a port in the Error state to Idle: the engine is stopped,
// error status cleared, the link reset if the device is still busy, and the
// engine restarted. A port that never completed setup is set up again, and a
// drive that was never identified is identified once the engine runs.
func (p *Port) Recover() error {
	if !atomic.CompareAndSwapInt32(&p.state, int32(StateError), int32(StateRecovering)) {
		switch s := p.State(); s {
		case StateIdle:
			return nil
		case StateUninitialized:
			return errors.Wrapf(ErrNotReady, "port %d", p.num)
		default:
			return errors.Wrapf(ErrPortBusy, "port %d is %s", p.num, s)
		}
	}

	p.log.WithError(p.lastErr).Info("recovering port")

	stopErr := p.stopEngine()

	p.store(PORT_SERR, ^uint32(0))
	p.store(PORT_IS, ^uint32(0))

	if stopErr != nil || p.load(PORT_TFD)&(ata.ATA_STAT_BSY|ata.ATA_STAT_DRQ) != 0 {
		if err := p.comreset(); err != nil {
			return p.fail(err)
		}
	}

	if err := p.allocate(); err != nil {
		return p.fail(err)
	}
	if err := p.start(); err != nil {
		return p.fail(err)
	}

	inc(&p.stats.recoveries, 1)
	p.lastErr = nil
	p.setState(StateIdle)

	if !p.identified {
		if _, err := p.Identify(); err != nil {
			return &identifyError{err}
		}
	}

	return nil
}

// comreset issues a COMRESET through SControl.DET, forcing the engines off first.
func (p *Port) comreset() error {
	p.log.Debug("issuing COMRESET")

	p.store(PORT_CMD, p.load(PORT_CMD)&^(AHCI_PORT_CMD_ST|AHCI_PORT_CMD_FRE))

	sctl := p.load(PORT_SCTL) &^ AHCI_PORT_SCTL_DET_MASK
	p.store(PORT_SCTL, sctl|AHCI_PORT_SCTL_IPM_NOPART|AHCI_PORT_SCTL_DET_INIT)

	// COMRESET must be asserted for at least 1 ms
	p.host.Sleep(time.Millisecond)
	p.store(PORT_SCTL, (sctl|AHCI_PORT_SCTL_IPM_NOPART)&^AHCI_PORT_SCTL_DET_MASK)

	if !p.waitReg(PORT_SSTS, AHCI_PORT_SSTS_DET_MASK, AHCI_PORT_SSTS_DET_PRESENT, p.cfg.LinkTimeout) {
		return errors.Wrap(ErrPortNotResponding, "no device after COMRESET")
	}
	if !p.waitReg(PORT_CMD, AHCI_PORT_CMD_CR|AHCI_PORT_CMD_FR, 0, p.cfg.PortStopTimeout) {
		return errors.Wrap(ErrPortNotResponding, "engine still running after COMRESET")
	}

	p.store(PORT_SERR, ^uint32(0))
	return nil
}

// stop halts the port engine at teardown.
func (p *Port) stop() {
	if p.State() == StateUninitialized {
		return
	}
	if err := p.stopEngine(); err != nil {
		p.log.WithError(err).Warn("port did not stop")
	}
	p.setState(StateUninitialized)
}
