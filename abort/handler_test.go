// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package abort

import (
	"testing"

	"github.com/usbarmory/tamago-hv/cpu"
	"github.com/usbarmory/tamago-hv/mem"
	"github.com/usbarmory/tamago-hv/mmio"
	"github.com/usbarmory/tamago-hv/pte"
)

type stubEvents struct {
	events  []MMIOTraceEvent
	flushed int
}

func (s *stubEvents) EmitMMIOTrace(ev MMIOTraceEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *stubEvents) Flush() error {
	s.flushed++
	return nil
}

type stubProxy struct {
	calls int
	value uint64
}

func (s *stubProxy) CallProxyHook(ipa uint64, kind pte.Kind, value *uint64, write bool, width mmio.Width) (bool, error) {
	s.calls++
	if write {
		s.value = *value
	} else {
		*value = s.value
	}
	return true, nil
}

func noStage1(cpu.EL) bool { return false }

func alwaysDataAbort() *cpu.Fake {
	return &cpu.Fake{
		ESRVal: cpu.ESRECDataAbortLowerEL << cpu.ESRECShift,
	}
}

// putInstr encodes instr little-endian into the 4 bytes starting at addr in m.
func putInstr(t *testing.T, m *mem.Fake, addr uint64, instr uint32) {
	t.Helper()
	var b [4]byte
	b[0] = byte(instr)
	b[1] = byte(instr >> 8)
	b[2] = byte(instr >> 16)
	b[3] = byte(instr >> 24)
	if err := m.WriteFrom(addr, b[:]); err != nil {
		t.Fatalf("putInstr: %v", err)
	}
}

func TestDecodeTableCoversAllForms(t *testing.T) {
	cases := []uint32{
		0x39000000, // STR (unsigned offset)
		0x39400000, // LDR (unsigned offset)
		0x39800000, // LDRS (unsigned offset)
		0x38000C00, // STR (pre-index)
		0x38400C00, // LDR (pre-index)
		0x38800C00, // LDRS (pre-index)
		0x38000400, // STR (post-index)
		0x38400400, // LDR (post-index)
		0x38800400, // LDRS (post-index)
		0x38200800, // STR (register offset)
		0x38600800, // LDR (register offset)
	}

	for _, instr := range cases {
		if _, ok := decode(instr); !ok {
			t.Errorf("decode(%#08x): no match, want a hit", instr)
		}
	}

	if _, ok := decode(0x94000000); ok { // BL, unrelated encoding
		t.Errorf("decode(BL) matched, want no match")
	}
}

func TestHandleHookLoadSignExtends(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x1000
	regsCPU.ELRVal = 0x4000

	m := &mem.Fake{Buf: make([]byte, 0x8000)}
	// LDRS (unsigned offset), size=00 (byte), Rn=x1, Rt=x0: the abort
	// handler only inspects Rt/Rn/width, not a real immediate offset.
	putInstr(t, m, 0x4000, 0x39800020)

	e := pte.NewEngine(pte.NewArenaAllocator())
	idx := e.RegisterHook(func(ipa uint64, value *uint64, isWrite bool, width mmio.Width) bool {
		*value = 0x80 // top bit set at byte width
		return true
	})
	if err := e.MapHook(0x1000, 4, idx); err != nil {
		t.Fatalf("MapHook: %v", err)
	}

	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: &stubEvents{},
		Proxy:  &stubProxy{},
	}

	var regs Regs
	regs.Set(1, 0x1000)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := uint64(0xFFFFFFFFFFFFFF80)
	if got := regs.Get(0); got != want {
		t.Errorf("x0 = %#x, want %#x", got, want)
	}
	if regsCPU.ELRVal != 0x4004 {
		t.Errorf("ELR = %#x, want %#x", regsCPU.ELRVal, 0x4004)
	}
}

func TestHandleHookStore(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x2000
	regsCPU.ELRVal = 0x5000

	m := &mem.Fake{Buf: make([]byte, 0x8000)}
	putInstr(t, m, 0x5000, 0xB9000020) // STR (unsigned offset), word width, Rt=x0, Rn=x1

	var seen uint64
	e := pte.NewEngine(pte.NewArenaAllocator())
	idx := e.RegisterHook(func(ipa uint64, value *uint64, isWrite bool, width mmio.Width) bool {
		seen = *value
		return true
	})
	if err := e.MapHook(0x2000, 4, idx); err != nil {
		t.Fatalf("MapHook: %v", err)
	}
	desc, _, _, _ := e.Walk(0x2000)
	_ = desc

	events := &stubEvents{}
	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: events,
		Proxy:  &stubProxy{},
	}

	var regs Regs
	regs.Set(0, 0x11223344)
	regs.Set(1, 0x2000)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if seen&0xFFFFFFFF != 0x11223344 {
		t.Errorf("hook saw %#x, want %#x", seen, 0x11223344)
	}
}

func TestHandleProxyHookRReadIsProxied(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x3000
	regsCPU.ELRVal = 0x6000

	m := &mem.Fake{Buf: make([]byte, 0x8000)}
	putInstr(t, m, 0x6000, 0x39400040) // LDR (unsigned offset), Rt=x0, Rn=x2

	e := pte.NewEngine(pte.NewArenaAllocator())
	if err := e.MapProxyHook(0x3000, 4, 7, pte.KindProxyHookR); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	proxy := &stubProxy{value: 0x99}
	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: &stubEvents{},
		Proxy:  proxy,
	}

	var regs Regs
	regs.Set(2, 0x3000)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proxy.calls != 1 {
		t.Errorf("proxy called %d times, want 1", proxy.calls)
	}
	if got := regs.Get(0); got != 0x99 {
		t.Errorf("x0 = %#x, want 0x99", got)
	}
}

func TestHandleProxyHookRWriteFallsBackToMap(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x4000
	regsCPU.ELRVal = 0x5000

	m := &mem.Fake{Buf: make([]byte, 0x8000)}
	putInstr(t, m, 0x5000, 0x39000020) // STR (unsigned offset), byte width, Rt=x0, Rn=x1

	e := pte.NewEngine(pte.NewArenaAllocator())
	if err := e.MapProxyHook(0x4000, 4, 7, pte.KindProxyHookR); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	proxy := &stubProxy{}
	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: &stubEvents{},
		Proxy:  proxy,
	}

	var regs Regs
	regs.Set(0, 0x11223344)
	regs.Set(1, 0x4000)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proxy.calls != 0 {
		t.Errorf("proxy called %d times, want 0 (write should fall back to Map)", proxy.calls)
	}

	var b [1]byte
	if err := m.ReadInto(0x4000, b[:]); err != nil {
		t.Fatalf("ReadInto: %v", err)
	}
	if b[0] != 0x44 {
		t.Errorf("memory[0x4000] = %#x, want 0x44", b[0])
	}
}

func TestHandleProxyHookWReadFallsBackToMap(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x4100
	regsCPU.ELRVal = 0x6000

	m := &mem.Fake{Buf: make([]byte, 0x8000)}
	putInstr(t, m, 0x6000, 0x39400040) // LDR (unsigned offset), byte width, Rt=x0, Rn=x2
	if err := m.WriteFrom(0x4100, []byte{0x77}); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}

	e := pte.NewEngine(pte.NewArenaAllocator())
	if err := e.MapProxyHook(0x4100, 4, 9, pte.KindProxyHookW); err != nil {
		t.Fatalf("MapProxyHook: %v", err)
	}

	proxy := &stubProxy{}
	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: &stubEvents{},
		Proxy:  proxy,
	}

	var regs Regs
	regs.Set(2, 0x4100)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if proxy.calls != 0 {
		t.Errorf("proxy called %d times, want 0 (read should fall back to Map)", proxy.calls)
	}
	if got := regs.Get(0); got != 0x77 {
		t.Errorf("x0 = %#x, want 0x77", got)
	}
}

// TestHandleMapStoreWritesPayload covers the Map row of the dispatch table:
// a guest store to a SW-Map region must write the value at the mapped host
// target directly, rather than going through a hook or proxy.
func TestHandleMapStoreWritesPayload(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x2_0000_0000
	regsCPU.ELRVal = 0x5000

	m := &mem.Fake{Buf: make([]byte, 0x10000)}
	putInstr(t, m, 0x5000, 0xB9000020) // STR (unsigned offset), word width, Rt=x0, Rn=x1

	e := pte.NewEngine(pte.NewArenaAllocator())
	if err := e.MapSW(0x2_0000_0000, 0x100, 4); err != nil {
		t.Fatalf("MapSW: %v", err)
	}

	events := &stubEvents{}
	h := &Handler{
		Regs:   regsCPU,
		Mem:    m,
		Engine: e,
		Events: events,
		Proxy:  &stubProxy{},
	}

	var regs Regs
	regs.Set(0, 0x11223344)
	regs.Set(1, 0x2_0000_0000)

	if err := h.Handle(&regs, noStage1); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var buf [4]byte
	if err := m.ReadInto(0x100, buf[:]); err != nil {
		t.Fatalf("ReadInto: %v", err)
	}
	want := uint32(0x11223344)
	if got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24; got != want {
		t.Errorf("payload bytes = %#x, want %#x", got, want)
	}
}

func TestHandleRejectsNonTrappedMapping(t *testing.T) {
	regsCPU := alwaysDataAbort()
	regsCPU.FARVal = 0x9000
	regsCPU.ELRVal = 0x7000

	m := &mem.Fake{Buf: make([]byte, 0x10000)}
	e := pte.NewEngine(pte.NewArenaAllocator())
	if err := e.MapHW(0x9000, 0x4000_0000, 4); err != nil {
		t.Fatalf("MapHW: %v", err)
	}

	h := &Handler{Regs: regsCPU, Mem: m, Engine: e, Events: &stubEvents{}, Proxy: &stubProxy{}}

	var regs Regs
	if err := h.Handle(&regs, noStage1); err == nil {
		t.Errorf("Handle on a hardware mapping: want error, got nil")
	}
}
