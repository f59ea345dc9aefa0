// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package platform

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MMIO is a Regs implementation over a mapped register window.
//
// Every access is a single aligned 32-bit load or store. Serial ATA AHCI 1.3.1
// section 3 forbids locked accesses, so stores are plain atomic stores rather
// than read-modify-write instructions.
type MMIO struct {
	mem []byte
}

// NewMMIO wraps a mapped window. The slice must stay mapped while the MMIO is in use.
func NewMMIO(mem []byte) *MMIO {
	return &MMIO{mem: mem}
}

func (m *MMIO) reg(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("mmio: bad register offset %#x (window %#x)", off, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *MMIO) Load32(off uint32) uint32 {
	return atomic.LoadUint32(m.reg(off))
}

func (m *MMIO) Store32(off uint32, v uint32) {
	atomic.StoreUint32(m.reg(off), v)
}

// Len returns the size of the window in bytes.
func (m *MMIO) Len() int {
	return len(m.mem)
}
