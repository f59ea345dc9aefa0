// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/dswarbrick/ahci/platform"
)

// Host implements platform.Host on top of a simulated memory arena. Time is
// virtual: Sleep advances the clock of every attached HBA instead of blocking.
type Host struct {
	Mem *Memory

	mu      sync.Mutex
	devices map[uint64]*HBA
	elapsed time.Duration
	sleeps  int
	syncs   int
}

var _ platform.Host = (*Host)(nil)

func NewHost(mem *Memory) *Host {
	return &Host{Mem: mem, devices: make(map[uint64]*HBA)}
}

// Attach places hba's register window at physical address base.
func (h *Host) Attach(base uint64, hba *HBA) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices[base] = hba
}

func (h *Host) Sleep(d time.Duration) {
	h.mu.Lock()
	h.elapsed += d
	h.sleeps++
	devs := make([]*HBA, 0, len(h.devices))
	for _, hba := range h.devices {
		devs = append(devs, hba)
	}
	h.mu.Unlock()

	for _, hba := range devs {
		hba.Advance(d)
	}
}

func (h *Host) SyncDCache() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.syncs++
}

func (h *Host) AllocAligned(size uint64, align uint32) uint64 {
	return h.Mem.Alloc(size, align)
}

func (h *Host) PhysToVirt(pa uint64, size uint64) []byte {
	return h.Mem.Bytes(pa, size)
}

func (h *Host) VirtToPhys(buf []byte) (uint64, bool) {
	return h.Mem.Phys(buf)
}

func (h *Host) MapMMIO(pa uint64, size uint64) (platform.Regs, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hba, ok := h.devices[pa]
	if !ok {
		return nil, fmt.Errorf("no device at %#x", pa)
	}
	if size > WindowSize {
		return nil, fmt.Errorf("window %#x larger than device (%#x)", size, WindowSize)
	}

	return hba, nil
}

// Elapsed returns the virtual time slept so far.
func (h *Host) Elapsed() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.elapsed
}

// Sleeps returns the number of Sleep calls so far.
func (h *Host) Sleeps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sleeps
}

// Syncs returns the number of SyncDCache calls so far.
func (h *Host) Syncs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncs
}
