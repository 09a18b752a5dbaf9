// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pte

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/usbarmory/tamago-hv/mmio"
)

// ErrAlignment is returned by MapHW/MapSW/MapHook/MapProxyHook/Unmap
// when the requested range is not word-aligned. It is never a panic: guest-
// and caller-triggerable input is always reported as an error, not a crash.
var ErrAlignment = errors.New("pte: misaligned mapping")

const (
	l2BlockSize = uint64(1) << l2OffsetBits // 32MiB
	l3BlockSize = uint64(1) << l3OffsetBits // 16KiB
	l4BlockSize = uint64(1) << l4OffsetBits // 4B (one word)
)

func l2Index(ipa uint64) int { return int((ipa >> l2OffsetBits) & (l2Entries - 1)) }
func l3Index(ipa uint64) int { return int((ipa >> l3OffsetBits) & (l3Entries - 1)) }
func l4Index(ipa uint64) int { return int((ipa >> l4OffsetBits) & (l4Entries - 1)) }

func alignedTo(addr, blockSize uint64) bool { return addr&(blockSize-1) == 0 }

func tableDescriptor(handle uint64) uint64 { return (handle << 2) | pteType }
func tableHandle(d uint64) uint64          { return d >> 2 }

// Engine is the stage-2 page table engine. A zero Engine is not usable;
// construct one with NewEngine.
type Engine struct {
	alloc Allocator
	root  []uint64

	hooks []mmio.HookFunc
}

// NewEngine allocates a fresh, entirely-unmapped root L2 table backed by
// alloc. The root table itself is never handed to alloc: it is owned
// directly by the Engine for the duration of its lifetime.
func NewEngine(alloc Allocator) *Engine {
	return &Engine{
		alloc: alloc,
		root:  make([]uint64, l2Entries),
	}
}

// RegisterHook appends fn to the hook registry and returns the index to
// store as a Hook descriptor's payload. The Engine does not take ownership
// of fn beyond holding the reference: the caller remains responsible for
// fn's lifetime and behavior.
func (e *Engine) RegisterHook(fn mmio.HookFunc) uint64 {
	e.hooks = append(e.hooks, fn)
	return uint64(len(e.hooks) - 1)
}

// Hook returns the callback registered at idx, or nil if idx is out of
// range.
func (e *Engine) Hook(idx uint64) mmio.HookFunc {
	if idx >= uint64(len(e.hooks)) {
		return nil
	}
	return e.hooks[idx]
}

// freeL3 recursively releases l3Table and every L4 child table it owns.
func (e *Engine) freeL3(handle uint64, table []uint64) error {
	for i := range table {
		d := table[i]
		if l3IsTable(d) {
			if err := e.alloc.FreeTable(tableHandle(d)); err != nil {
				return err
			}
		}
	}
	return e.alloc.FreeTable(handle)
}

// splitLeaf expands a single block/hook/proxy descriptor d, which currently
// covers a region of blockSize bytes, into n sub-descriptors each covering
// blockSize/n bytes. Map-kind (and hardware) descriptors carry a real
// target address and so are offset per sub-entry; Hook and ProxyHook
// payloads are opaque identifiers and are replicated unchanged. A hardware
// descriptor split below L3 granularity becomes software Map entries over
// the same addresses, since L4 is software-only.
func splitLeaf(d uint64, n int, subBlockSize uint64) []uint64 {
	out := make([]uint64, n)

	desc := Descriptor(d)
	kind := desc.Kind()
	traceFlags := d & (spteTraceRead | spteTraceWrite | spteSyncTrace)

	for i := 0; i < n; i++ {
		off := uint64(i) * subBlockSize

		switch {
		case desc.IsHardware() && subBlockSize < l3BlockSize:
			out[i] = swMapDescriptor((desc.Payload() &^ pteLowerAttributes) + off)
		case desc.IsHardware():
			// an L3 hardware descriptor is a page: TYPE set
			out[i] = hwDescriptor(desc.Payload()+off) | pteType
		case desc.IsSoftware() && kind == KindMap:
			out[i] = traceFlags | swMapDescriptor(desc.Payload()+off)
		default:
			// Hook / ProxyHook*: payload is an identifier, not an
			// address; every child keeps the parent's payload.
			out[i] = d
		}
	}

	return out
}

// mapL2 installs desc at root index idx, freeing any L3 subtree it
// replaces.
func (e *Engine) mapL2(idx int, desc uint64) error {
	cur := atomic.LoadUint64(&e.root[idx])

	if l2IsTable(cur) {
		handle := tableHandle(cur)
		table, err := e.alloc.Table(handle)
		if err != nil {
			return err
		}
		if err := e.freeL3(handle, table); err != nil {
			return err
		}
	}

	atomic.StoreUint64(&e.root[idx], desc)
	return nil
}

// getL3 returns the L3 table rooted at root[idx], creating it (and, if
// necessary, splitting an existing L2 block into equivalent L3 entries)
// when no table is present yet.
func (e *Engine) getL3(idx int) ([]uint64, error) {
	cur := atomic.LoadUint64(&e.root[idx])

	switch {
	case cur == 0:
		handle, table, err := e.alloc.AllocTable(l3Entries)
		if err != nil {
			return nil, err
		}
		atomic.StoreUint64(&e.root[idx], tableDescriptor(handle))
		return table, nil

	case l2IsTable(cur):
		return e.alloc.Table(tableHandle(cur))

	default:
		// An L2 block (hardware or software Map/Hook/ProxyHook) occupies
		// this slot: split it into l3Entries equivalent L3 blocks before
		// handing back a fresh table.
		handle, table, err := e.alloc.AllocTable(l3Entries)
		if err != nil {
			return nil, err
		}
		copy(table, splitLeaf(cur, l3Entries, l3BlockSize))
		atomic.StoreUint64(&e.root[idx], tableDescriptor(handle))
		return table, nil
	}
}

// mapL3 installs desc at l3Table[idx], freeing any L4 subtree it replaces.
func (e *Engine) mapL3(l3Table []uint64, idx int, desc uint64) error {
	cur := atomic.LoadUint64(&l3Table[idx])

	if l3IsTable(cur) {
		if err := e.alloc.FreeTable(tableHandle(cur)); err != nil {
			return err
		}
	}

	atomic.StoreUint64(&l3Table[idx], desc)
	return nil
}

// getL4 returns the L4 table rooted at l3Table[idx], creating it (and
// splitting an existing L3 block if necessary).
func (e *Engine) getL4(l3Table []uint64, idx int) ([]uint64, error) {
	cur := atomic.LoadUint64(&l3Table[idx])

	switch {
	case cur == 0:
		handle, table, err := e.alloc.AllocTable(l4Entries)
		if err != nil {
			return nil, err
		}
		atomic.StoreUint64(&l3Table[idx], tableDescriptor(handle))
		return table, nil

	case l3IsTable(cur):
		return e.alloc.Table(tableHandle(cur))

	default:
		handle, table, err := e.alloc.AllocTable(l4Entries)
		if err != nil {
			return nil, err
		}
		copy(table, splitLeaf(cur, l4Entries, l4BlockSize))
		atomic.StoreUint64(&l3Table[idx], tableDescriptor(handle))
		return table, nil
	}
}

// mapBuilder produces the descriptor to install at each level for a given
// target payload. incr controls whether target advances in lock-step with
// the guest address as mapRange chunks across a range (true for MapSW/MapHW,
// false for Hook/ProxyHook, whose payload is a fixed identifier repeated
// across the whole range).
type mapBuilder struct {
	build func(target uint64) uint64
	incr  bool
}

// mapRange walks [from, from+size) and installs descriptors built by b,
// greedily preferring the coarsest granularity (L2, then L3, then L4) that
// both the guest address and, when b.incr is set, the target address admit,
// and that still fits within the remaining size.
func (e *Engine) mapRange(from, target, size uint64, b mapBuilder) error {
	if size == 0 {
		return fmt.Errorf("pte: zero-length mapping")
	}
	if !alignedTo(from, l4BlockSize) {
		return fmt.Errorf("%w: guest address %#x", ErrAlignment, from)
	}
	if size%l4BlockSize != 0 {
		return fmt.Errorf("%w: size %#x is not word-aligned", ErrAlignment, size)
	}

	cur := from
	end := from + size
	t := target

	for cur < end {
		remaining := end - cur

		canL2 := alignedTo(cur, l2BlockSize) && remaining >= l2BlockSize && (!b.incr || alignedTo(t, l2BlockSize))
		canL3 := alignedTo(cur, l3BlockSize) && remaining >= l3BlockSize && (!b.incr || alignedTo(t, l3BlockSize))

		switch {
		case canL2:
			if err := e.mapL2(l2Index(cur), b.build(t)); err != nil {
				return err
			}
			cur += l2BlockSize
			if b.incr {
				t += l2BlockSize
			}

		case canL3:
			l3Table, err := e.getL3(l2Index(cur))
			if err != nil {
				return err
			}
			desc := b.build(t)
			if isHW(desc) {
				desc |= pteType // an L3 hardware descriptor is a page
			}
			if err := e.mapL3(l3Table, l3Index(cur), desc); err != nil {
				return err
			}
			cur += l3BlockSize
			if b.incr {
				t += l3BlockSize
			}

		default:
			l3Table, err := e.getL3(l2Index(cur))
			if err != nil {
				return err
			}
			l4Table, err := e.getL4(l3Table, l3Index(cur))
			if err != nil {
				return err
			}
			atomic.StoreUint64(&l4Table[l4Index(cur)], b.build(t))
			cur += l4BlockSize
			if b.incr {
				t += l4BlockSize
			}
		}
	}

	return nil
}

// MapHW installs a hardware pass-through mapping of [ipa, ipa+size) onto
// host physical addresses starting at hpa.
func (e *Engine) MapHW(ipa, hpa, size uint64) error {
	return e.mapRange(ipa, hpa, size, mapBuilder{build: hwDescriptor, incr: true})
}

// MapSW installs a software pass-through mapping, identical in effect to
// MapHW but never installed into hardware: every access still traps and is
// resolved by Walk.
func (e *Engine) MapSW(ipa, hpa, size uint64) error {
	return e.mapRange(ipa, hpa, size, mapBuilder{build: swMapDescriptor, incr: true})
}

// MapHook installs a Hook descriptor referencing hook registry index idx
// across [ipa, ipa+size).
func (e *Engine) MapHook(ipa, size, idx uint64) error {
	return e.mapRange(ipa, idx, size, mapBuilder{build: hookDescriptor, incr: false})
}

// MapProxyHook installs a proxy hook descriptor of the given kind
// (KindProxyHookR, KindProxyHookW, or KindProxyHookRW) tagged with id
// across [ipa, ipa+size).
func (e *Engine) MapProxyHook(ipa, size, id uint64, kind Kind) error {
	if kind != KindProxyHookR && kind != KindProxyHookW && kind != KindProxyHookRW {
		return fmt.Errorf("pte: %s is not a proxy hook kind", kind)
	}
	return e.mapRange(ipa, id, size, mapBuilder{
		build: func(target uint64) uint64 { return proxyHookDescriptor(target, kind) },
		incr:  false,
	})
}

// Unmap clears [ipa, ipa+size), freeing any subtree it replaces.
func (e *Engine) Unmap(ipa, size uint64) error {
	return e.mapRange(ipa, 0, size, mapBuilder{build: func(uint64) uint64 { return 0 }, incr: false})
}

// Walk resolves ipa to the descriptor governing it, along with the base
// address of the block it belongs to and that block's size. It never
// mutates the tree.
func (e *Engine) Walk(ipa uint64) (desc Descriptor, blockBase, blockSize uint64, err error) {
	l2 := atomic.LoadUint64(&e.root[l2Index(ipa)])

	if !l2IsTable(l2) {
		base := ipa &^ (l2BlockSize - 1)
		return Descriptor(l2), base, l2BlockSize, nil
	}

	l3Table, err := e.alloc.Table(tableHandle(l2))
	if err != nil {
		return 0, 0, 0, err
	}
	l3 := atomic.LoadUint64(&l3Table[l3Index(ipa)])

	if !l3IsTable(l3) {
		base := ipa &^ (l3BlockSize - 1)
		return Descriptor(l3), base, l3BlockSize, nil
	}

	l4Table, err := e.alloc.Table(tableHandle(l3))
	if err != nil {
		return 0, 0, 0, err
	}
	l4 := atomic.LoadUint64(&l4Table[l4Index(ipa)])

	base := ipa &^ (l4BlockSize - 1)
	return Descriptor(l4), base, l4BlockSize, nil
}

// Translate resolves ipa all the way to a host physical address, for the
// common case where the caller knows the descriptor is a Map (hardware or
// software) leaf and just wants the address. It returns an error for any
// other kind.
func (e *Engine) Translate(ipa uint64) (uint64, error) {
	desc, base, _, err := e.Walk(ipa)
	if err != nil {
		return 0, err
	}
	if desc.IsZero() {
		return 0, fmt.Errorf("pte: %#x is unmapped", ipa)
	}
	if desc.IsSoftware() && desc.Kind() != KindMap {
		return 0, fmt.Errorf("pte: %#x is a %s, not a pass-through mapping", ipa, desc.Kind())
	}
	addr := desc.Payload()
	if desc.IsHardware() {
		addr &^= pteLowerAttributes
	}
	return addr + (ipa - base), nil
}
