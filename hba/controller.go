// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package hba implements the AHCI host bus adapter protocol engine: controller
// initialization, per-port command engines and command construction.
package hba

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/ahci/config"
	"github.com/dswarbrick/ahci/platform"
	"github.com/dswarbrick/ahci/quirks"
)

// Capabilities summarizes the HBA's CAP and CAP2 registers.
type Capabilities struct {
	NumPorts        int // as reported by CAP.NP, may exceed the ports implemented
	NumCommandSlots int
	S64A            bool // 64-bit DMA addressing
	NCQ             bool
	StaggeredSpinup bool
	AHCIOnly        bool
	BIOSHandoff     bool
}

type Controller struct {
	regs   platform.Regs
	host   platform.Host
	cfg    config.Config
	log    *log.Entry
	quirks *quirks.DriveDb

	cap  uint32
	cap2 uint32
	pi   uint32
	vs   uint32

	ports     []*Port
	setupErrs []*PortSetupError
}

// NewController returns a controller for the HBA whose registers are regs. No
// register is touched until Init. db may be nil.
func NewController(regs platform.Regs, host platform.Host, cfg config.Config, logger *log.Entry, db *quirks.DriveDb) *Controller {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Controller{
		regs:   regs,
		host:   host,
		cfg:    cfg,
		log:    logger,
		quirks: db,
	}
}

// waitGlobal polls a global register until (reg & mask) == want.
func (c *Controller) waitGlobal(off, mask, want uint32, timeout time.Duration) bool {
	polls := c.cfg.Polls(timeout)

	for i := 0; ; i++ {
		if c.regs.Load32(off)&mask == want {
			return true
		}
		if i == polls {
			return false
		}
		c.host.Sleep(c.cfg.PollInterval)
	}
}

// Init takes ownership of the HBA, resets it and brings up every implemented
// port. A port that fails setup is recorded in SetupErrors and left in the
// Error state; only handoff and reset failures abort Init.
func (c *Controller) Init() error {
	c.ports = nil
	c.setupErrs = nil

	c.cap2 = c.regs.Load32(HBA_CAP2)
	if c.cfg.BIOSHandoff && c.cap2&AHCI_CAP2_BOH != 0 {
		if err := c.handoff(); err != nil {
			return err
		}
	}

	if err := c.reset(); err != nil {
		return err
	}

	c.regs.Store32(HBA_GHC, AHCI_GHC_AE)

	c.cap = c.regs.Load32(HBA_CAP)
	c.pi = c.regs.Load32(HBA_PI)
	c.vs = c.regs.Load32(HBA_VS)

	caps := c.Capabilities()
	c.log.WithFields(log.Fields{
		"version": c.Version(),
		"slots":   caps.NumCommandSlots,
		"pi":      fmt.Sprintf("%#08x", c.pi),
		"s64a":    caps.S64A,
	}).Info("AHCI controller reset")

	for n := 0; n < MAX_PORTS; n++ {
		if c.pi&(1<<uint(n)) == 0 {
			continue
		}

		p := newPort(n, c.regs, c.host, &c.cfg, c.log, caps.S64A)
		c.ports = append(c.ports, p)

		if err := c.setupPort(p); err != nil {
			c.setupErrs = append(c.setupErrs, &PortSetupError{Port: n, Err: err})
			p.log.WithError(err).Warn("port setup failed")
		}
	}

	for _, p := range c.ports {
		p.store(PORT_IS, p.load(PORT_IS))
	}
	c.regs.Store32(HBA_IS, c.regs.Load32(HBA_IS))

	return nil
}

// handoff requests HBA ownership from platform firmware (AHCI 1.3.1 section 10.6.3).
func (c *Controller) handoff() error {
	c.regs.Store32(HBA_BOHC, c.regs.Load32(HBA_BOHC)|AHCI_BOHC_OOS)

	if !c.waitGlobal(HBA_BOHC, AHCI_BOHC_BOS|AHCI_BOHC_BB, 0, c.cfg.HandoffTimeout) {
		return errors.Wrapf(ErrHandoffTimeout, "BOHC %#x", c.regs.Load32(HBA_BOHC))
	}

	c.log.Debug("BIOS/OS handoff complete")
	return nil
}

// reset performs an HBA reset. AE is set first, as some controllers ignore HR otherwise.
func (c *Controller) reset() error {
	c.regs.Store32(HBA_GHC, AHCI_GHC_AE)
	c.regs.Store32(HBA_GHC, AHCI_GHC_AE|AHCI_GHC_HR)

	if !c.waitGlobal(HBA_GHC, AHCI_GHC_HR, 0, c.cfg.ResetTimeout) {
		return errors.Wrapf(ErrResetTimeout, "GHC %#x", c.regs.Load32(HBA_GHC))
	}

	return nil
}

func (c *Controller) setupPort(p *Port) error {
	if err := p.setup(); err != nil {
		return err
	}

	if _, err := p.Identify(); err != nil {
		return p.fail(&identifyError{err})
	}

	if err := p.ApplyQuirks(c.quirks); err != nil {
		return p.fail(err)
	}
	return nil
}

// Ports returns every implemented port in ascending order, whatever its state.
func (c *Controller) Ports() []*Port {
	return c.ports
}

// Port returns implemented port n.
func (c *Controller) Port(n int) (*Port, bool) {
	for _, p := range c.ports {
		if p.num == n {
			return p, true
		}
	}
	return nil, false
}

// ReadyPorts returns the ports that completed setup.
func (c *Controller) ReadyPorts() []*Port {
	var ready []*Port

	for _, p := range c.ports {
		if p.State() == StateIdle {
			ready = append(ready, p)
		}
	}

	return ready
}

func (c *Controller) SetupErrors() []*PortSetupError {
	return c.setupErrs
}

func (c *Controller) Capabilities() Capabilities {
	return Capabilities{
		NumPorts:        int(c.cap&AHCI_CAP_NP_MASK) + 1,
		NumCommandSlots: int((c.cap>>AHCI_CAP_NCS_SHFT)&AHCI_CAP_NCS_MASK) + 1,
		S64A:            c.cap&AHCI_CAP_S64A != 0,
		NCQ:             c.cap&AHCI_CAP_SNCQ != 0,
		StaggeredSpinup: c.cap&AHCI_CAP_SSS != 0,
		AHCIOnly:        c.cap&AHCI_CAP_SAM != 0,
		BIOSHandoff:     c.cap2&AHCI_CAP2_BOH != 0,
	}
}

// PortsImplemented returns the PI register as read during Init.
func (c *Controller) PortsImplemented() uint32 {
	return c.pi
}

// Version formats the VS register, e.g. "1.3.1".
func (c *Controller) Version() string {
	major := c.vs >> 16
	minor := (c.vs >> 8) & 0xff
	sub := c.vs & 0xff

	if sub != 0 {
		return fmt.Sprintf("%d.%d.%d", major, minor, sub)
	}
	return fmt.Sprintf("%d.%d", major, minor)
}

// Stop halts every port's command engine. Ports must be set up again by Init before reuse.
func (c *Controller) Stop() {
	for _, p := range c.ports {
		p.stop()
	}
}
