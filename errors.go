// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ahci

import (
	"github.com/pkg/errors"

	"github.com/dswarbrick/ahci/hba"
)

var (
	ErrHandoffTimeout      = hba.ErrHandoffTimeout
	ErrResetTimeout        = hba.ErrResetTimeout
	ErrPortNotResponding   = hba.ErrPortNotResponding
	ErrInvalidTransferSize = hba.ErrInvalidTransferSize
	ErrCommandTimeout      = hba.ErrCommandTimeout
	ErrDeviceError         = hba.ErrDeviceError
	ErrPortBusy            = hba.ErrPortBusy
	ErrPortUnusable        = hba.ErrPortUnusable
	ErrNotReady            = hba.ErrNotReady

	ErrNoDisk = errors.New("no usable disk")
)

type (
	DeviceError    = hba.DeviceError
	PortSetupError = hba.PortSetupError
)
