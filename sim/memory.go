// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package sim provides a simulated AHCI HBA with attached SATA disks, backed by
// a simulated physical memory arena, for exercising the driver without hardware.
package sim

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dswarbrick/ahci/utils"
)

// Memory is a contiguous region of simulated physical memory starting at Base.
// Allocations are never freed.
type Memory struct {
	Base uint64

	mu        sync.Mutex
	buf       []byte
	next      uint64
	failAfter int
}

// NewMemory returns size bytes of simulated physical memory at physical address base.
func NewMemory(base uint64, size int) *Memory {
	return &Memory{
		Base:      base,
		buf:       make([]byte, size),
		failAfter: -1,
	}
}

// FailAllocsAfter makes every allocation after the next n fail. Negative disables failures.
func (m *Memory) FailAllocsAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

// Alloc returns the physical address of size zeroed bytes aligned to align, or 0.
func (m *Memory) Alloc(size uint64, align uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size == 0 || !utils.IsPowerOfTwo(uint64(align)) {
		return 0
	}
	if m.failAfter == 0 {
		return 0
	}

	pa := utils.AlignUp(m.Base+m.next, uint64(align))
	if pa+size > m.Base+uint64(len(m.buf)) {
		return 0
	}

	if m.failAfter > 0 {
		m.failAfter--
	}
	m.next = pa + size - m.Base

	return pa
}

// Contains reports whether [pa, pa+size) lies within the arena.
func (m *Memory) Contains(pa, size uint64) bool {
	return pa >= m.Base && pa+size >= pa && pa+size <= m.Base+uint64(len(m.buf))
}

// Bytes returns the CPU view of [pa, pa+size). It panics if the range is outside the arena.
func (m *Memory) Bytes(pa, size uint64) []byte {
	if !m.Contains(pa, size) {
		panic(fmt.Sprintf("sim: physical range %#x+%#x outside memory", pa, size))
	}
	off := pa - m.Base
	return m.buf[off : off+size : off+size]
}

// Phys returns the physical address of buf if it lies within the arena.
func (m *Memory) Phys(buf []byte) (uint64, bool) {
	if len(buf) == 0 || len(m.buf) == 0 {
		return 0, false
	}

	start := uintptr(unsafe.Pointer(&m.buf[0]))
	p := uintptr(unsafe.Pointer(&buf[0]))

	if p < start || p+uintptr(len(buf)) > start+uintptr(len(m.buf)) {
		return 0, false
	}

	return m.Base + uint64(p-start), true
}

// Buffer allocates a DMA-capable buffer of size bytes, for use as an I/O buffer.
func (m *Memory) Buffer(size int) []byte {
	pa := m.Alloc(uint64(size), 4096)
	if pa == 0 {
		panic(fmt.Sprintf("sim: cannot allocate %d byte buffer", size))
	}
	return m.Bytes(pa, uint64(size))
}

// Used returns the number of bytes allocated so far, including alignment padding.
func (m *Memory) Used() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
