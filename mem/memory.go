// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mem declares guarded access to guest physical memory: the abort
// handler's emulated loads/stores and the transport's MEMREAD/MEMWRITE
// commands both go through it rather than touching raw pointers directly,
// so that a fault partway through a probe is recoverable instead of fatal.
package mem

import "fmt"

// FaultError reports that addr could not be accessed because it falls
// outside mapped physical memory.
type FaultError struct {
	Addr uint64
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("mem: fault accessing %#x", e.Addr)
}

// Memory is guarded access to a flat physical address space. Every method
// returns a *FaultError (wrapped, if at all) rather than panicking or
// crashing when addr is unmapped, so that the caller can recover and report
// failure over the transport instead of taking down the hypervisor.
type Memory interface {
	// Probe reports whether every byte of [addr, addr+size) is accessible,
	// without reading its contents.
	Probe(addr, size uint64) bool

	// ReadInto copies len(p) bytes starting at addr into p.
	ReadInto(addr uint64, p []byte) error

	// WriteFrom copies p into [addr, addr+len(p)).
	WriteFrom(addr uint64, p []byte) error

	// ChecksumRange computes the transport checksum (see package
	// transport) over [addr, addr+size) without copying it out.
	ChecksumRange(addr, size uint64) (uint32, error)

	// FetchInstruction reads the 4-byte instruction word at addr. It is a
	// convenience wrapper used by the abort handler, which always needs a
	// whole instruction word regardless of the trapped access width.
	FetchInstruction(addr uint64) (uint32, error)
}
