// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package platform defines the host services consumed by the AHCI driver.
package platform

import "time"

// Regs is a memory-mapped register window. Offsets are in bytes from the start of the window.
// Implementations must perform every access against the device (no caching) and in program order.
type Regs interface {
	Load32(off uint32) uint32
	Store32(off uint32, v uint32)
}

// Host is implemented by the environment the driver runs in.
type Host interface {
	// Sleep yields the calling context for at least d.
	Sleep(d time.Duration)

	// SyncDCache makes all prior memory writes visible to bus masters and all
	// prior bus-master writes visible to the CPU.
	SyncDCache()

	// AllocAligned returns the physical address of size bytes of zeroed,
	// DMA-capable memory aligned to align, or 0 on failure. align must be a
	// power of two. The memory is never moved or reclaimed.
	AllocAligned(size uint64, align uint32) uint64

	// PhysToVirt returns a CPU view of size bytes of physical memory at pa.
	PhysToVirt(pa uint64, size uint64) []byte

	// VirtToPhys returns the physical address of buf if it lies entirely in
	// DMA-capable, physically contiguous memory.
	VirtToPhys(buf []byte) (uint64, bool)

	// MapMMIO maps the register window of size bytes at physical address pa.
	MapMMIO(pa uint64, size uint64) (Regs, error)
}
