// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package uio runs the AHCI driver from Linux user space against a PCI function
// bound to uio_pci_generic or vfio-pci in no-IOMMU mode.
//
// Registers are reached by mapping the sysfs resource file of BAR5 (ABAR). DMA
// memory comes from a locked hugepage arena whose physical addresses are looked
// up once through /proc/self/pagemap.
package uio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/ahci/platform"
	"github.com/dswarbrick/ahci/utils"
)

const (
	SysfsPCIDevices = "/sys/bus/pci/devices"

	// AHCI places its register window in BAR5.
	ABARIndex = 5

	hugePageShift = 21
	hugePageSize  = 1 << hugePageShift
	pageShift     = 12

	pagemapPFNMask = 1<<55 - 1
	pagemapPresent = 1 << 63
)

// Resource is one line of a PCI function's sysfs resource file.
type Resource struct {
	Start, End, Flags uint64
}

func (r Resource) Size() uint64 {
	if r.End < r.Start || r.Start == 0 {
		return 0
	}
	return 1 + r.End - r.Start
}

// ParseResources decodes a sysfs resource file.
func ParseResources(r io.Reader) ([]Resource, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var res []Resource
	br := bytes.NewReader(b)
	for br.Len() > 0 {
		var x Resource
		if n, err := fmt.Fscanf(br, "0x%x 0x%x 0x%x\n", &x.Start, &x.End, &x.Flags); n != 3 || err != nil {
			return nil, errors.Errorf("resource line %d: malformed (%v)", len(res), err)
		}
		res = append(res, x)
	}
	return res, nil
}

// Host implements platform.Host for one PCI function.
type Host struct {
	dir string

	mu    sync.Mutex
	arena []byte
	// Physical address of each hugepage of the arena.
	pages []uint64
	next  uint64
	mmio  []byte
}

var _ platform.Host = (*Host)(nil)

// Open prepares a host for the PCI function at addr (e.g. "0000:00:1f.2") with
// a DMA arena of arenaSize bytes, rounded up to whole hugepages.
func Open(addr string, arenaSize uint64) (*Host, error) {
	h := &Host{dir: filepath.Join(SysfsPCIDevices, addr)}
	if _, err := os.Stat(h.dir); err != nil {
		return nil, errors.Wrap(err, "PCI function")
	}

	if err := h.initArena(utils.AlignUp(arenaSize, hugePageSize)); err != nil {
		return nil, err
	}

	return h, nil
}

// ABAR returns the physical base address of the HBA register window.
func (h *Host) ABAR() (uint64, error) {
	r, err := h.abar()
	return r.Start, err
}

func (h *Host) abar() (Resource, error) {
	f, err := os.Open(filepath.Join(h.dir, "resource"))
	if err != nil {
		return Resource{}, err
	}

	defer f.Close()
	res, err := ParseResources(f)
	if err != nil {
		return Resource{}, err
	}

	if len(res) <= ABARIndex || res[ABARIndex].Size() == 0 {
		return Resource{}, errors.Errorf("%s: BAR%d not present", h.dir, ABARIndex)
	}
	return res[ABARIndex], nil
}

func (h *Host) initArena(size uint64) error {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_LOCKED)
	if err != nil {
		return errors.Wrap(err, "mmap hugepage arena")
	}

	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		unix.Munmap(data)
		return err
	}

	defer f.Close()
	pages := make([]uint64, size/hugePageSize)
	for i := range pages {
		va := uintptr(unsafe.Pointer(&data[uint64(i)*hugePageSize]))

		// Touch the page so it is faulted in before the lookup.
		data[uint64(i)*hugePageSize] = 0

		var b [8]byte
		if _, err := f.ReadAt(b[:], int64(va>>pageShift)*8); err != nil {
			unix.Munmap(data)
			return errors.Wrap(err, "read pagemap")
		}

		v := binary.LittleEndian.Uint64(b[:])
		if v&pagemapPresent == 0 || v&pagemapPFNMask == 0 {
			unix.Munmap(data)
			return errors.New("pagemap hides physical addresses (need CAP_SYS_ADMIN)")
		}
		pages[i] = (v & pagemapPFNMask) << pageShift
	}

	h.arena, h.pages = data, pages
	return nil
}

func (h *Host) Sleep(d time.Duration) {
	time.Sleep(d)
}

// SyncDCache orders memory accesses around DMA. x86 keeps DMA coherent, so
// a full fence from a locked operation suffices.
func (h *Host) SyncDCache() {
	var fence uint32
	atomic.AddUint32(&fence, 1)
}

// AllocAligned carves size bytes from the arena. An allocation never spans two
// hugepages, so it is always physically contiguous.
func (h *Host) AllocAligned(size uint64, align uint32) uint64 {
	if size == 0 || size > hugePageSize || !utils.IsPowerOfTwo(uint64(align)) {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off := utils.AlignUp(h.next, uint64(align))
	if off/hugePageSize != (off+size-1)/hugePageSize {
		off = utils.AlignUp(off, hugePageSize)
	}
	if off+size > uint64(len(h.arena)) {
		return 0
	}
	h.next = off + size

	b := h.arena[off : off+size]
	for i := range b {
		b[i] = 0
	}

	return h.pages[off/hugePageSize] + off%hugePageSize
}

func (h *Host) offset(pa, size uint64) (uint64, bool) {
	for i, base := range h.pages {
		if pa >= base && pa+size <= base+hugePageSize {
			return uint64(i)*hugePageSize + pa - base, true
		}
	}
	return 0, false
}

func (h *Host) PhysToVirt(pa uint64, size uint64) []byte {
	off, ok := h.offset(pa, size)
	if !ok {
		panic(fmt.Sprintf("uio: %#x+%#x outside DMA arena", pa, size))
	}
	return h.arena[off : off+size : off+size]
}

// VirtToPhys resolves buffers inside the arena. Ordinary Go memory is not
// pinned and reports false, which makes the driver bounce it.
func (h *Host) VirtToPhys(buf []byte) (uint64, bool) {
	if len(buf) == 0 || len(h.arena) == 0 {
		return 0, false
	}

	start := uintptr(unsafe.Pointer(&h.arena[0]))
	p := uintptr(unsafe.Pointer(&buf[0]))
	if p < start || p+uintptr(len(buf)) > start+uintptr(len(h.arena)) {
		return 0, false
	}

	off := uint64(p - start)
	end := off + uint64(len(buf)) - 1
	if off/hugePageSize != end/hugePageSize {
		return 0, false
	}
	return h.pages[off/hugePageSize] + off%hugePageSize, true
}

// Buffer returns size bytes of arena memory that the HBA can reach directly.
func (h *Host) Buffer(size int) ([]byte, error) {
	pa := h.AllocAligned(uint64(size), 2)
	if pa == 0 {
		return nil, errors.Errorf("DMA arena exhausted allocating %d bytes", size)
	}
	return h.PhysToVirt(pa, uint64(size)), nil
}

// MapMMIO maps BAR5 through sysfs. pa must be the ABAR reported by the device.
// Controllers with a BAR smaller than size (ICH parts decode 2 KiB) get a
// window of the BAR's size.
func (h *Host) MapMMIO(pa uint64, size uint64) (platform.Regs, error) {
	abar, err := h.abar()
	if err != nil {
		return nil, err
	}
	if pa != abar.Start {
		return nil, errors.Errorf("%#x is not the ABAR of %s (%#x)", pa, filepath.Base(h.dir), abar.Start)
	}
	if n := abar.Size(); n < size {
		size = n
	}

	path := filepath.Join(h.dir, fmt.Sprintf("resource%d", ABARIndex))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}

	defer f.Close()
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	h.mu.Lock()
	h.mmio = mem
	h.mu.Unlock()

	return platform.NewMMIO(mem), nil
}

// Close unmaps the register window and the DMA arena.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.mmio != nil {
		err = unix.Munmap(h.mmio)
		h.mmio = nil
	}
	if h.arena != nil {
		if e := unix.Munmap(h.arena); err == nil {
			err = e
		}
		h.arena, h.pages = nil, nil
	}
	return err
}
