// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package hba

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/dswarbrick/ahci/ata"
)

var (
	ErrHandoffTimeout      = errors.New("BIOS/OS handoff timed out")
	ErrResetTimeout        = errors.New("HBA reset timed out")
	ErrPortNotResponding   = errors.New("port not responding")
	ErrInvalidTransferSize = errors.New("invalid transfer size")
	ErrCommandTimeout      = errors.New("command timed out")
	ErrDeviceError         = errors.New("device reported error")
	ErrPortBusy            = errors.New("port busy")
	ErrPortUnusable        = errors.New("port in error state, recovery required")
	ErrNotReady            = errors.New("port not initialized")
)

// DeviceError describes a command that completed with a task file or host bus error.
type DeviceError struct {
	Port    int
	Command uint8
	Status  uint8  // ATA status register
	ErrReg  uint8  // ATA error register
	IS      uint32 // PxIS at the time of failure
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("port %d: %s failed: status: %#02x, error: %#02x, interrupt status: %#08x",
		e.Port, ata.CommandName(e.Command), e.Status, e.ErrReg, e.IS)
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceError
}

// HostBusError reports whether the HBA itself, rather than the drive, flagged the failure.
func (e *DeviceError) HostBusError() bool {
	return e.IS&(AHCI_PORT_INTR_HBFS|AHCI_PORT_INTR_HBDS|AHCI_PORT_INTR_IFS) != 0
}

// PortSetupError records why a port could not be brought up during controller init.
type PortSetupError struct {
	Port int
	Err  error
}

func (e *PortSetupError) Error() string {
	return fmt.Sprintf("port %d setup: %v", e.Port, e.Err)
}

func (e *PortSetupError) Unwrap() error {
	return e.Err
}

// identifyError is a failed IDENTIFY DEVICE during port bring-up. It matches
// ErrPortNotResponding while keeping the underlying command failure reachable.
type identifyError struct {
	err error
}

func (e *identifyError) Error() string {
	return "identify: " + e.err.Error()
}

func (e *identifyError) Unwrap() error {
	return e.err
}

func (e *identifyError) Is(target error) bool {
	return target == ErrPortNotResponding
}
