// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"github.com/dswarbrick/ahci/platform/uio"
)

// openPCI prepares the PCI function at addr for user-space access.
func openPCI(addr string, arenaSize uint64) (*env, error) {
	checkCaps()

	h, err := uio.Open(addr, arenaSize)
	if err != nil {
		return nil, err
	}

	abar, err := h.ABAR()
	if err != nil {
		h.Close()
		return nil, err
	}

	return &env{
		host:   h,
		abar:   abar,
		buffer: h.Buffer,
		close:  h.Close,
	}, nil
}
