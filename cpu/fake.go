// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cpu

// Fake is a hosted software model of SystemRegs for tests: a flat map of
// guest virtual to intermediate physical addresses stands in for a real
// stage-1 walk.
type Fake struct {
	ESRVal  uint64
	FARVal  uint64
	ELRVal  uint64
	SPSRVal uint64

	VTCR  uint64
	VTTBR uint64

	// Map, when non-nil, backs Translate: identity translation is used
	// for any address not present.
	Map map[uint64]uint64
}

func (f *Fake) ESR() uint64       { return f.ESRVal }
func (f *Fake) FAR() uint64       { return f.FARVal }
func (f *Fake) ELR() uint64       { return f.ELRVal }
func (f *Fake) SetELR(addr uint64) { f.ELRVal = addr }
func (f *Fake) SPSR() uint64      { return f.SPSRVal }

func (f *Fake) WriteVTCR(val uint64)  { f.VTCR = val }
func (f *Fake) WriteVTTBR(val uint64) { f.VTTBR = val }

func (f *Fake) Translate(vaddr uint64, el EL, write bool) (uint64, bool) {
	if f.Map == nil {
		return vaddr, true
	}
	if pa, ok := f.Map[vaddr]; ok {
		return pa, true
	}
	return vaddr, true
}
