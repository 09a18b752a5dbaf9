// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package abort emulates the single load or store instruction that trapped
// on a software-only or hooked stage-2 mapping, so that hardware never sees
// the access and the guest never notices it was intercepted.
package abort

import (
	"fmt"

	"github.com/usbarmory/tamago-hv/cpu"
	"github.com/usbarmory/tamago-hv/mem"
	"github.com/usbarmory/tamago-hv/mmio"
	"github.com/usbarmory/tamago-hv/pte"
)

// Regs is the guest general-purpose register file at the moment of the
// trap. x31 is not a real storage slot: Get always returns 0 for it and Set
// silently discards, so callers never need to special-case it themselves.
type Regs struct {
	x [31]uint64 // x0..x30
}

// Get returns the value of guest register n (0..31; 31 is the zero
// register).
func (r *Regs) Get(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return r.x[n]
}

// Set stores val into guest register n. Writes to register 31 are
// discarded.
func (r *Regs) Set(n uint32, val uint64) {
	if n == 31 {
		return
	}
	r.x[n] = val
}

// MMIOTraceEvent describes one traced access, reported upstream when a
// descriptor's TraceOnRead/TraceOnWrite flag is set.
type MMIOTraceEvent struct {
	IPA     uint64
	Value   uint64
	Write   bool
	Width   mmio.Width
}

// EventSink delivers trace events to the host, and lets the handler force a
// synchronous flush when a descriptor demands it.
type EventSink interface {
	EmitMMIOTrace(ev MMIOTraceEvent) error
	Flush() error
}

// ProxyCaller forwards a proxy-hooked access to the external RPC command
// processor across the framed transport.
type ProxyCaller interface {
	CallProxyHook(ipa uint64, kind pte.Kind, value *uint64, write bool, width mmio.Width) (bool, error)
}

// Handler emulates trapped data aborts using the page table engine to
// classify the fault and the supplied collaborators to resolve it.
type Handler struct {
	Regs   cpu.SystemRegs
	Mem    mem.Memory
	Engine *pte.Engine
	Events EventSink
	Proxy  ProxyCaller
}

func elFromSPSR(spsr uint64) cpu.EL {
	return cpu.EL((spsr >> 2) & 0x3)
}

// Stage1Check reports whether the guest had its own stage-1 MMU enabled for
// exception level el at the time of the fault. SPSR_EL2 alone doesn't carry
// MMU state; a real deployment derives this from the cached SCTLR value for
// the guest's current EL. It is parameterized here so tests can drive both
// paths without a full SCTLR model.
type Stage1Check func(el cpu.EL) bool

// Handle emulates the single instruction that trapped, given its GPR
// snapshot. On success it advances ELR past the faulting instruction (and,
// for a pre/post-index form, writes back the updated base register) so the
// guest resumes as if the access had completed natively.
func (h *Handler) Handle(regs *Regs, stage1 Stage1Check) error {
	esr := h.Regs.ESR()
	ec := (esr >> cpu.ESRECShift) & cpu.ESRECMask
	if ec != cpu.ESRECDataAbortLowerEL && ec != cpu.ESRECDataAbortSameEL {
		return fmt.Errorf("abort: ESR_EL2 EC %#x is not a data abort", ec)
	}

	write := esr&cpu.ESRISSWnR != 0
	far := h.Regs.FAR()
	el := elFromSPSR(h.Regs.SPSR())

	ipa := far
	if stage1 != nil && stage1(el) {
		pa, ok := h.Regs.Translate(far, el, write)
		if !ok {
			return fmt.Errorf("abort: stage-1 translation of %#x faulted", far)
		}
		ipa = pa
	}

	desc, blockBase, _, err := h.Engine.Walk(ipa)
	if err != nil {
		return fmt.Errorf("abort: walk %#x: %w", ipa, err)
	}
	if desc.IsZero() || desc.IsHardware() {
		return fmt.Errorf("abort: %#x is not a trapped mapping", ipa)
	}

	elr := h.Regs.ELR()
	instr, err := h.Mem.FetchInstruction(elr)
	if err != nil {
		return fmt.Errorf("abort: fetch instruction at %#x: %w", elr, err)
	}

	d, ok := decode(instr)
	if !ok {
		return fmt.Errorf("abort: instruction %#08x at %#x is not an emulated load/store", instr, elr)
	}

	var value uint64
	if d.enc.store {
		value = regs.Get(d.rt) & mask(d.width)
		if err := h.dispatch(desc, ipa, &value, true, d.width); err != nil {
			return err
		}
	} else {
		if err := h.dispatch(desc, ipa, &value, false, d.width); err != nil {
			return err
		}
		if d.enc.signed {
			regs.Set(d.rt, uint64(mmio.SignExtend(value, d.width.Bits())))
		} else {
			regs.Set(d.rt, value&mask(d.width))
		}
	}

	if (desc.TraceOnRead() && !d.enc.store) || (desc.TraceOnWrite() && d.enc.store) {
		if err := h.Events.EmitMMIOTrace(MMIOTraceEvent{
			IPA:   blockBase + (ipa - blockBase),
			Value: value,
			Write: d.enc.store,
			Width: d.width,
		}); err != nil {
			return fmt.Errorf("abort: trace event: %w", err)
		}
		if desc.SyncFlush() {
			if err := h.Events.Flush(); err != nil {
				return fmt.Errorf("abort: sync flush: %w", err)
			}
		}
	}

	if d.enc.form == formPreIndex || d.enc.form == formPostIndex {
		regs.Set(d.rn, uint64(int64(regs.Get(d.rn))+int64(d.imm9)))
	}

	h.Regs.SetELR(elr + 4)
	return nil
}

func mask(w mmio.Width) uint64 {
	if w == mmio.Width64 {
		return ^uint64(0)
	}
	return (uint64(1) << w.Bits()) - 1
}

// dispatch resolves a trapped access against the descriptor's kind: a
// software pass-through read/write, an in-process Hook callback, or a proxy
// hook forwarded over the transport. ProxyHookR and ProxyHookW only proxy
// the direction they're named for; the other direction behaves as Map,
// using ipa itself as the physical target.
func (h *Handler) dispatch(desc pte.Descriptor, ipa uint64, value *uint64, write bool, width mmio.Width) error {
	switch desc.Kind() {
	case pte.KindMap:
		addr, err := h.Engine.Translate(ipa)
		if err != nil {
			return fmt.Errorf("abort: map access at %#x: %w", ipa, err)
		}
		return h.accessMem(addr, value, write, width)

	case pte.KindHook:
		fn := h.Engine.Hook(desc.Payload())
		if fn == nil {
			return fmt.Errorf("abort: hook index %d not registered", desc.Payload())
		}
		if !fn(ipa, value, write, width) {
			return fmt.Errorf("abort: hook at %#x rejected access", ipa)
		}
		return nil

	case pte.KindProxyHookR:
		if write {
			return h.accessMem(ipa, value, true, width)
		}
		return h.callProxy(desc, ipa, value, write, width)

	case pte.KindProxyHookW:
		if !write {
			return h.accessMem(ipa, value, false, width)
		}
		return h.callProxy(desc, ipa, value, write, width)

	case pte.KindProxyHookRW:
		return h.callProxy(desc, ipa, value, write, width)

	default:
		return fmt.Errorf("abort: %#x has unexpected descriptor kind %s", ipa, desc.Kind())
	}
}

func (h *Handler) callProxy(desc pte.Descriptor, ipa uint64, value *uint64, write bool, width mmio.Width) error {
	ok, err := h.Proxy.CallProxyHook(ipa, desc.Kind(), value, write, width)
	if err != nil {
		return fmt.Errorf("abort: proxy hook at %#x: %w", ipa, err)
	}
	if !ok {
		return fmt.Errorf("abort: proxy hook at %#x rejected access", ipa)
	}
	return nil
}

// accessMem performs a software pass-through load or store of the given
// width directly against guest physical memory at addr.
func (h *Handler) accessMem(addr uint64, value *uint64, write bool, width mmio.Width) error {
	if write {
		if err := h.Mem.WriteFrom(addr, widthToBytes(*value, width)); err != nil {
			return fmt.Errorf("abort: write %#x: %w", addr, err)
		}
		return nil
	}
	buf := make([]byte, width.Bytes())
	if err := h.Mem.ReadInto(addr, buf); err != nil {
		return fmt.Errorf("abort: read %#x: %w", addr, err)
	}
	*value = bytesToWidth(buf)
	return nil
}

func widthToBytes(value uint64, w mmio.Width) []byte {
	buf := make([]byte, w.Bytes())
	for i := range buf {
		buf[i] = byte(value >> (8 * uint(i)))
	}
	return buf
}

func bytesToWidth(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}
