// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm64

package cpu

// Hardware is the real SystemRegs binding: every method reads or writes an
// EL2 system register directly, or executes an AT instruction followed by
// a PAR_EL1 read. Defined in hardware_arm64.s.
type Hardware struct{}

// esr reads ESR_EL2. Defined in hardware_arm64.s.
func esr() uint64

// far reads FAR_EL2. Defined in hardware_arm64.s.
func far() uint64

// elr reads ELR_EL2. Defined in hardware_arm64.s.
func elr() uint64

// setELR writes ELR_EL2. Defined in hardware_arm64.s.
func setELR(addr uint64)

// spsr reads SPSR_EL2. Defined in hardware_arm64.s.
func spsr() uint64

// writeVTCR writes VTCR_EL2. Defined in hardware_arm64.s.
func writeVTCR(val uint64)

// writeVTTBR writes VTTBR_EL2. Defined in hardware_arm64.s.
func writeVTTBR(val uint64)

// atS1E0R executes "at s1e0r, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS1E0R(vaddr uint64) uint64

// atS1E0W executes "at s1e0w, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS1E0W(vaddr uint64) uint64

// atS1E1R executes "at s1e1r, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS1E1R(vaddr uint64) uint64

// atS1E1W executes "at s1e1w, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS1E1W(vaddr uint64) uint64

// atS12E0R executes "at s12e0r, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS12E0R(vaddr uint64) uint64

// atS12E0W executes "at s12e0w, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS12E0W(vaddr uint64) uint64

// atS12E1R executes "at s12e1r, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS12E1R(vaddr uint64) uint64

// atS12E1W executes "at s12e1w, <vaddr>" and returns PAR_EL1. Defined in
// hardware_arm64.s.
func atS12E1W(vaddr uint64) uint64

const parF uint64 = 1 << 0 // PAR_EL1.F: translation faulted

func (Hardware) ESR() uint64         { return esr() }
func (Hardware) FAR() uint64         { return far() }
func (Hardware) ELR() uint64         { return elr() }
func (Hardware) SetELR(addr uint64)  { setELR(addr) }
func (Hardware) SPSR() uint64        { return spsr() }
func (Hardware) WriteVTCR(val uint64)  { writeVTCR(val) }
func (Hardware) WriteVTTBR(val uint64) { writeVTTBR(val) }

// Translate executes the stage-1 AT variant matching the guest's exception
// level and access direction, and returns the intermediate physical address
// from PAR_EL1 (PA[51:12]) combined with vaddr's low 12 bits.
func (Hardware) Translate(vaddr uint64, el EL, write bool) (uint64, bool) {
	var par uint64

	switch {
	case el == EL0 && write:
		par = atS1E0W(vaddr)
	case el == EL0 && !write:
		par = atS1E0R(vaddr)
	case el == EL1 && write:
		par = atS1E1W(vaddr)
	default:
		par = atS1E1R(vaddr)
	}

	if par&parF != 0 {
		return 0, false
	}
	return par&0x000FFFFFFFFFF000 | vaddr&0xFFF, true
}
