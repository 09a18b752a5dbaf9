// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mem

import "github.com/usbarmory/tamago-hv/mmio"

// Fake is a hosted, flat-buffer Memory for tests. Addresses are relative to
// Base. A configurable [HoleStart, HoleEnd) range reports as unmapped
// regardless of Buf's contents, so tests can exercise the fault paths
// without needing a real MMU.
type Fake struct {
	Base      uint64
	Buf       []byte
	HoleStart uint64
	HoleEnd   uint64
}

func (f *Fake) inHole(addr, size uint64) bool {
	if f.HoleStart == f.HoleEnd {
		return false
	}
	return addr < f.HoleEnd && addr+size > f.HoleStart
}

func (f *Fake) bounds(addr, size uint64) (lo, hi uint64, ok bool) {
	if f.inHole(addr, size) {
		return 0, 0, false
	}
	if addr < f.Base {
		return 0, 0, false
	}
	lo = addr - f.Base
	hi = lo + size
	if hi > uint64(len(f.Buf)) {
		return 0, 0, false
	}
	return lo, hi, true
}

func (f *Fake) Probe(addr, size uint64) bool {
	_, _, ok := f.bounds(addr, size)
	return ok
}

func (f *Fake) ReadInto(addr uint64, p []byte) error {
	lo, hi, ok := f.bounds(addr, uint64(len(p)))
	if !ok {
		return &FaultError{Addr: addr}
	}
	copy(p, f.Buf[lo:hi])
	return nil
}

func (f *Fake) WriteFrom(addr uint64, p []byte) error {
	lo, hi, ok := f.bounds(addr, uint64(len(p)))
	if !ok {
		return &FaultError{Addr: addr}
	}
	copy(f.Buf[lo:hi], p)
	return nil
}

func (f *Fake) ChecksumRange(addr, size uint64) (uint32, error) {
	lo, hi, ok := f.bounds(addr, size)
	if !ok {
		return 0, &FaultError{Addr: addr}
	}
	return mmio.ChecksumFinish(mmio.Checksum(mmio.ChecksumSeed, f.Buf[lo:hi])), nil
}

func (f *Fake) FetchInstruction(addr uint64) (uint32, error) {
	var b [4]byte
	if err := f.ReadInto(addr, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
