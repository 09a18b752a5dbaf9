// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago

package mem

import (
	"reflect"
	"unsafe"

	"github.com/usbarmory/tamago-hv/mmio"
)

// Hardware is the real Memory backing: guest physical addresses are host
// physical addresses reinterpreted as byte slices, exactly as the teacher's
// dma package does for its own DMA buffers. Probe consults a caller-supplied
// range predicate (normally the page table engine's Walk) instead of
// touching the address, since an actual load is what would fault.
type Hardware struct {
	// InRange reports whether [addr, addr+size) is backed by real memory.
	// Fed by the page table engine in practice.
	InRange func(addr, size uint64) bool
}

func bytesAt(addr uint64, size int) []byte {
	var b []byte

	sh := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	sh.Data = uintptr(addr)
	sh.Len = size
	sh.Cap = size

	return b
}

func (h *Hardware) Probe(addr, size uint64) bool {
	if h.InRange == nil {
		return true
	}
	return h.InRange(addr, size)
}

func (h *Hardware) ReadInto(addr uint64, p []byte) error {
	if !h.Probe(addr, uint64(len(p))) {
		return &FaultError{Addr: addr}
	}
	copy(p, bytesAt(addr, len(p)))
	return nil
}

func (h *Hardware) WriteFrom(addr uint64, p []byte) error {
	if !h.Probe(addr, uint64(len(p))) {
		return &FaultError{Addr: addr}
	}
	copy(bytesAt(addr, len(p)), p)
	return nil
}

func (h *Hardware) ChecksumRange(addr, size uint64) (uint32, error) {
	if !h.Probe(addr, size) {
		return 0, &FaultError{Addr: addr}
	}
	return mmio.ChecksumFinish(mmio.Checksum(mmio.ChecksumSeed, bytesAt(addr, int(size)))), nil
}

func (h *Hardware) FetchInstruction(addr uint64) (uint32, error) {
	var b [4]byte
	if err := h.ReadInto(addr, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
