// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pte implements the stage-2 page table engine: a four-level
// translation structure (hardware L2/L3, software-only L4) that lets the
// hypervisor pass most guest physical addresses through to hardware while
// trapping designated sub-page regions for emulation.
//
// The on-the-wire bit layout of a descriptor is fixed by the ARMv8 stage-2
// MMU ABI (hardware variant) and by this hypervisor's own software
// extension (software variant); it is not renegotiable. See Descriptor.
package pte

import "fmt"

// Translation geometry: 16KiB granules, 36-bit guest physical address
// space, a fourth software-only level for word-granularity trapping.
const (
	l4OffsetBits = 2
	l3OffsetBits = 14
	l2OffsetBits = 25

	l3IndexBits = 11
	l2IndexBits = 11
	l4IndexBits = 12

	vaddrBits = 36

	l2Entries = 1 << l2IndexBits
	l3Entries = 1 << l3IndexBits
	l4Entries = 1 << l4IndexBits
)

func genmask(hi, lo uint) uint64 {
	return ((uint64(1) << (hi - lo + 1)) - 1) << lo
}

func mask(bits uint) uint64 {
	return (uint64(1) << bits) - 1
}

// Hardware/software descriptor tag bits and type/attribute fields, mirrored
// bit-for-bit from the stage-2 descriptor ABI.
const (
	pteValid uint64 = 1 << 0
	pteType  uint64 = 1 << 1

	pteBlock = 0
	pteTable = 1
	ptePage  = 1

	// target field: bits [49:2], the finest (L4, word) granularity.
	pteTargetMaskL4 = 0x3FFFFFFFFFFFC // genmask(49, 2)
	// target field at L3 (16KiB) granularity: bits [49:14].
	pteTargetMask = 0x3FFFFFFFFC000 // genmask(49, 14)
	// lower attribute bits of a hardware descriptor, same bit range as
	// the L3-to-L4 intra-page offset.
	pteLowerAttributes = 0x3FFC // genmask(13, 2)

	spteTypeShift = 50
	spteTypeMask  = 0x7 // 3 bits, [52:50]

	spteTraceRead  uint64 = 1 << 63
	spteTraceWrite uint64 = 1 << 62
	spteSyncTrace  uint64 = 1 << 61
)

// Fixed hardware attribute bundle applied by MapHW: access flag, inner/outer
// shareable non-secure, full stage-2 read/write, and "do not override
// stage-1 memory attributes".
const (
	pteAccess            uint64 = 1 << 10
	pteShareabilityNS    uint64 = 0b11 << 8
	pteStage2AccessRW    uint64 = 0b11 << 6
	pteMemAttrUnchanged  uint64 = 0b1111 << 2
	pteHardwareAttributes = pteAccess | pteShareabilityNS | pteStage2AccessRW | pteMemAttrUnchanged
)

func init() {
	// sanity-check the hand-derived masks above against genmask, since the
	// bit layout itself must never drift from the ABI.
	if pteTargetMaskL4 != genmask(49, 2) {
		panic("pte: pteTargetMaskL4 mismatch")
	}
	if pteTargetMask != genmask(49, 14) {
		panic("pte: pteTargetMask mismatch")
	}
	if pteLowerAttributes != genmask(13, 2) {
		panic("pte: pteLowerAttributes mismatch")
	}
}

// Kind identifies the role of a software descriptor.
type Kind uint8

const (
	KindMap Kind = iota
	KindHook
	KindProxyHookR
	KindProxyHookW
	KindProxyHookRW
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindHook:
		return "hook"
	case KindProxyHookR:
		return "proxy-hook-r"
	case KindProxyHookW:
		return "proxy-hook-w"
	case KindProxyHookRW:
		return "proxy-hook-rw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Descriptor is a single 64-bit stage-2 page table entry. When bit 0
// (VALID) is set it is a hardware descriptor interpreted by the MMU;
// otherwise it is a software descriptor visible only to the hypervisor.
type Descriptor uint64

func isHW(d uint64) bool { return d != 0 && d&pteValid != 0 }
func isSW(d uint64) bool { return d != 0 && d&pteValid == 0 }

func fieldType(d uint64) uint64 { return (d >> 1) & 1 }
func spteKind(d uint64) uint64  { return (d >> spteTypeShift) & spteTypeMask }

func l2IsTable(d uint64) bool    { return d != 0 && fieldType(d) == pteTable }
func l2IsHWBlock(d uint64) bool  { return isHW(d) && fieldType(d) == pteBlock }
func l2IsSWBlock(d uint64) bool  { return isSW(d) && fieldType(d) == pteBlock && spteKind(d) == uint64(KindMap) }
func l3IsTable(d uint64) bool    { return isSW(d) && fieldType(d) == pteTable }
func l3IsHWBlock(d uint64) bool  { return isHW(d) && fieldType(d) == ptePage }
func l3IsSWBlock(d uint64) bool  { return isSW(d) && fieldType(d) == pteBlock && spteKind(d) == uint64(KindMap) }

// IsZero reports whether the descriptor is entirely unmapped.
func (d Descriptor) IsZero() bool { return d == 0 }

// IsHardware reports whether the descriptor is a hardware-valid mapping
// interpreted directly by the MMU.
func (d Descriptor) IsHardware() bool { return isHW(uint64(d)) }

// IsSoftware reports whether the descriptor is a software-only mapping
// visible only to the hypervisor.
func (d Descriptor) IsSoftware() bool { return isSW(uint64(d)) }

// Kind returns the software descriptor's kind. It is only meaningful when
// IsSoftware is true.
func (d Descriptor) Kind() Kind { return Kind(spteKind(uint64(d))) }

// Payload returns the descriptor's target field: a host physical address
// for Map, a hook registry index for Hook, or a proxy identifier for the
// ProxyHook kinds. Hook indices and proxy identifiers are stored shifted
// above the VALID and TYPE bits and are shifted back here. Walk returns
// descriptors unchanged, so Payload never includes the accessed address's
// offset within its block; callers add ipa minus Walk's blockBase.
func (d Descriptor) Payload() uint64 {
	target := uint64(d) & pteTargetMaskL4
	if d.IsSoftware() && d.Kind() != KindMap {
		return target >> l4OffsetBits
	}
	return target
}

// TraceOnRead reports whether a matching load should emit an MMIOTRACE
// event. Meaningful only on software descriptors.
func (d Descriptor) TraceOnRead() bool { return uint64(d)&spteTraceRead != 0 }

// TraceOnWrite reports whether a matching store should emit an MMIOTRACE
// event. Meaningful only on software descriptors.
func (d Descriptor) TraceOnWrite() bool { return uint64(d)&spteTraceWrite != 0 }

// SyncFlush reports whether the transport must be flushed synchronously
// after a trace event produced by this descriptor. Meaningful only on
// software descriptors.
func (d Descriptor) SyncFlush() bool { return uint64(d)&spteSyncTrace != 0 }

// hwDescriptor builds a hardware pass-through descriptor for host physical
// address addr.
func hwDescriptor(addr uint64) uint64 {
	return addr | pteHardwareAttributes | pteValid
}

// swMapDescriptor builds a software pass-through (Map) descriptor for host
// physical address addr.
func swMapDescriptor(addr uint64) uint64 {
	return addr | uint64(KindMap)<<spteTypeShift
}

// hookDescriptor builds a Hook descriptor referencing hook registry index
// idx.
func hookDescriptor(idx uint64) uint64 {
	return idx<<l4OffsetBits | uint64(KindHook)<<spteTypeShift
}

// proxyHookDescriptor builds a proxy hook descriptor of the given kind
// (ProxyHookR/W/RW) tagged with id.
func proxyHookDescriptor(id uint64, kind Kind) uint64 {
	return id<<l4OffsetBits | uint64(kind)<<spteTypeShift
}
