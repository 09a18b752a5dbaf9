// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cpu declares the narrow system-register contract the abort
// handler needs from the processor it runs on. The real binding lives in
// hardware_arm64.go/.s, following the same declare-in-Go/define-in-assembly
// split the teacher uses for its own exception and MMU plumbing.
package cpu

// Exception levels, as encoded in SPSR_EL2.M[3:2].
type EL uint8

const (
	EL0 EL = iota
	EL1
	EL2
	EL3
)

// ESR_EL2 field layout relevant to a data abort (EC == 0b100100/0b100101).
const (
	ESRECShift   = 26
	ESRECMask    = 0x3F
	ESRECDataAbortLowerEL = 0b100100
	ESRECDataAbortSameEL  = 0b100101

	ESRISSWnR  uint64 = 1 << 6 // write, not read
	ESRISSSSE  uint64 = 1 << 21
	ESRISSISV  uint64 = 1 << 24 // instruction syndrome valid
)

// SystemRegs is the set of ARM64 system register operations the abort
// handler depends on. A real implementation reads and writes hardware
// registers directly (ESR_EL2, FAR_EL2, ELR_EL2, SPSR_EL2, VTCR_EL2,
// VTTBR_EL2) and executes the AT S1E*W/R instructions for stage-1
// translation; a hosted fake can simulate all of it for tests.
type SystemRegs interface {
	// ESR returns the current value of ESR_EL2 (exception syndrome).
	ESR() uint64
	// FAR returns the current value of FAR_EL2 (faulting virtual address).
	FAR() uint64
	// ELR returns the current value of ELR_EL2 (return address).
	ELR() uint64
	// SetELR updates ELR_EL2, used to skip a faulting instruction.
	SetELR(addr uint64)
	// SPSR returns the current value of SPSR_EL2 (saved program status),
	// used to recover the guest's exception level at the time of the
	// fault.
	SPSR() uint64

	// Translate performs a stage-1 (or stage-1+2) translation of vaddr as
	// the given exception level and access direction would, returning the
	// resulting (intermediate) physical address. ok is false if the
	// translation itself faults.
	Translate(vaddr uint64, el EL, write bool) (addr uint64, ok bool)

	// WriteVTCR programs VTCR_EL2 (stage-2 translation control).
	WriteVTCR(val uint64)
	// WriteVTTBR programs VTTBR_EL2 (stage-2 translation table base).
	WriteVTTBR(val uint64)
}
