// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	CAP_SYS_RAWIO = 1 << 17
	CAP_SYS_ADMIN = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for the capabilities needed to map PCI
// resources and read physical addresses from /proc/self/pagemap.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	// Use RawSyscall since we do not expect it to block
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if e1 != 0 {
		log.Warnf("capget() failed: %v", e1)
		return
	}

	if caps.data[0].effective&CAP_SYS_ADMIN == 0 {
		log.Warn("cap_sys_admin is not in effect. Physical addresses will be hidden and setup will fail.")
	}
	if caps.data[0].effective&CAP_SYS_RAWIO == 0 {
		log.Warn("cap_sys_rawio is not in effect. Register mapping will probably fail.")
	}
}
