// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package abort

import "github.com/usbarmory/tamago-hv/mmio"

// form identifies which addressing mode a matched encoding uses. The
// writeback forms mutate Rn after the transfer completes; the register and
// unsigned-offset forms never do.
type form uint8

const (
	formUnsignedOffset form = iota
	formPreIndex
	formPostIndex
	formRegisterOffset
)

// encoding is one row of the load/store immediate and register-offset
// decode table. An instruction word matches when (word & mask) == pattern.
type encoding struct {
	name    string
	mask    uint32
	pattern uint32
	form    form
	signed  bool // LDRS*: the loaded value sign-extends to 64 bits
	store   bool
}

// decodeTable enumerates the LDR/LDRS/STR forms this hypervisor is willing
// to emulate on a trapped access: immediate pre-index, post-index, and
// unsigned-offset encodings, plus the register-offset encoding, across
// byte/halfword/word/doubleword widths. Anything else (e.g. LDP/STP,
// exclusive/atomic forms, SIMD loads) is left to the caller to report as
// unemulated.
var decodeTable = []encoding{
	{name: "STR (unsigned offset)", mask: 0x3FC00000, pattern: 0x39000000, form: formUnsignedOffset, store: true},
	{name: "LDR (unsigned offset)", mask: 0x3FC00000, pattern: 0x39400000, form: formUnsignedOffset, store: false},
	{name: "LDRS (unsigned offset)", mask: 0x3FC00000, pattern: 0x39800000, form: formUnsignedOffset, store: false, signed: true},

	{name: "STR (pre-index)", mask: 0x3FE00C00, pattern: 0x38000C00, form: formPreIndex, store: true},
	{name: "LDR (pre-index)", mask: 0x3FE00C00, pattern: 0x38400C00, form: formPreIndex, store: false},
	{name: "LDRS (pre-index)", mask: 0x3FE00C00, pattern: 0x38800C00, form: formPreIndex, store: false, signed: true},

	{name: "STR (post-index)", mask: 0x3FE00C00, pattern: 0x38000400, form: formPostIndex, store: true},
	{name: "LDR (post-index)", mask: 0x3FE00C00, pattern: 0x38400400, form: formPostIndex, store: false},
	{name: "LDRS (post-index)", mask: 0x3FE00C00, pattern: 0x38800400, form: formPostIndex, store: false, signed: true},

	{name: "STR (register offset)", mask: 0x3FE00C00, pattern: 0x38200800, form: formRegisterOffset, store: true},
	{name: "LDR (register offset)", mask: 0x3FE00C00, pattern: 0x38600800, form: formRegisterOffset, store: false},
}

// decoded is the result of matching instr against decodeTable: the register
// operands and addressing-mode fields, with no side effects yet applied.
type decoded struct {
	enc   *encoding
	width mmio.Width
	rt    uint32
	rn    uint32
	imm9  int32 // sign-extended 9-bit immediate, pre/post-index forms only
}

func bits(instr uint32, hi, lo uint) uint32 {
	return (instr >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func signExtend9(v uint32) int32 {
	return int32(mmio.SignExtend(uint64(v), 9))
}

// decode matches instr against decodeTable in order and returns the first
// hit, or ok == false if no row matches (an instruction this handler does
// not emulate).
func decode(instr uint32) (decoded, bool) {
	size := bits(instr, 31, 30)

	for i := range decodeTable {
		enc := &decodeTable[i]
		if instr&enc.mask != enc.pattern {
			continue
		}

		d := decoded{
			enc:   enc,
			width: mmio.Width(size),
			rt:    bits(instr, 4, 0),
			rn:    bits(instr, 9, 5),
		}

		switch enc.form {
		case formPreIndex, formPostIndex:
			d.imm9 = signExtend9(bits(instr, 20, 12))
		}

		return d, true
	}

	return decoded{}, false
}
