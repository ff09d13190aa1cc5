// Package insn decodes and encodes the handful of arm64 instructions that
// appear around return-address signing points.
package insn

import (
	"fmt"

	"github.com/pkg/errors"
)

type Op uint8

const (
	Invalid Op = iota
	STPPre     // stp rt, rt2, [rn, #imm]!
	STPOff     // stp rt, rt2, [rn, #imm]
	STRPre     // str rt, [rn, #imm]!
	STROff     // str rt, [rn, #imm]
	LDPPost    // ldp rt, rt2, [rn], #imm
	LDPOff     // ldp rt, rt2, [rn, #imm]
	LDRPost    // ldr rt, [rn], #imm
	LDROff     // ldr rt, [rn, #imm]
	SUBImm     // sub rt, rn, #imm
	ADDImm     // add rt, rn, #imm
)

var opNames = [...]string{
	Invalid: "invalid",
	STPPre:  "stp(pre)",
	STPOff:  "stp",
	STRPre:  "str(pre)",
	STROff:  "str",
	LDPPost: "ldp(post)",
	LDPOff:  "ldp",
	LDRPost: "ldr(post)",
	LDROff:  "ldr",
	SUBImm:  "sub",
	ADDImm:  "add",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Pair reports whether the op moves two registers.
func (op Op) Pair() bool {
	return op == STPPre || op == STPOff || op == LDPPost || op == LDPOff
}

// Inst is a decoded instruction. Imm is in bytes: the scaled offset for the
// offset forms, the signed writeback amount for the indexed forms and the
// (possibly shifted) immediate for add/sub. For add/sub Rt is the
// destination register.
type Inst struct {
	Op  Op
	Rn  Reg
	Rt  Reg
	Rt2 Reg
	Imm int64
}

func (i Inst) String() string {
	switch {
	case i.Op == SUBImm || i.Op == ADDImm:
		return fmt.Sprintf("%s x%d, x%d, #%d", i.Op, i.Rt, i.Rn, i.Imm)
	case i.Op.Pair():
		return fmt.Sprintf("%s x%d, x%d, [x%d], #%d", i.Op, i.Rt, i.Rt2, i.Rn, i.Imm)
	}
	return fmt.Sprintf("%s x%d, [x%d], #%d", i.Op, i.Rt, i.Rn, i.Imm)
}

func maskAt(x uint32, mask uint32, shift uint) uint32 {
	return (x >> shift) & mask
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// Bit patterns of the 64-bit variants, see section C6 of the Arm
// Architecture Reference Manual for A-profile.
type template struct {
	op     Op
	mask   uint32
	value  uint32
	decode func(x uint32) Inst
}

func pair(op Op) func(x uint32) Inst {
	return func(x uint32) Inst {
		return Inst{
			Op:  op,
			Rt:  Reg(maskAt(x, 0x1F, 0)),
			Rn:  Reg(maskAt(x, 0x1F, 5)),
			Rt2: Reg(maskAt(x, 0x1F, 10)),
			Imm: signExtend(maskAt(x, 0x7F, 15), 7) * 8,
		}
	}
}

func indexed(op Op) func(x uint32) Inst {
	return func(x uint32) Inst {
		return Inst{
			Op:  op,
			Rt:  Reg(maskAt(x, 0x1F, 0)),
			Rn:  Reg(maskAt(x, 0x1F, 5)),
			Rt2: RegNone,
			Imm: signExtend(maskAt(x, 0x1FF, 12), 9),
		}
	}
}

func unsignedOffset(op Op) func(x uint32) Inst {
	return func(x uint32) Inst {
		return Inst{
			Op:  op,
			Rt:  Reg(maskAt(x, 0x1F, 0)),
			Rn:  Reg(maskAt(x, 0x1F, 5)),
			Rt2: RegNone,
			Imm: int64(maskAt(x, 0xFFF, 10)) * 8,
		}
	}
}

func arith(op Op) func(x uint32) Inst {
	return func(x uint32) Inst {
		imm := int64(maskAt(x, 0xFFF, 10))
		if maskAt(x, 1, 22) == 1 {
			imm <<= 12
		}
		return Inst{
			Op:  op,
			Rt:  Reg(maskAt(x, 0x1F, 0)),
			Rn:  Reg(maskAt(x, 0x1F, 5)),
			Rt2: RegNone,
			Imm: imm,
		}
	}
}

var templates = []template{
	{STPPre, 0xFFC00000, 0xA9800000, pair(STPPre)},
	{STPOff, 0xFFC00000, 0xA9000000, pair(STPOff)},
	{STRPre, 0xFFE00C00, 0xF8000C00, indexed(STRPre)},
	{STROff, 0xFFC00000, 0xF9000000, unsignedOffset(STROff)},
	{LDPPost, 0xFFC00000, 0xA8C00000, pair(LDPPost)},
	{LDPOff, 0xFFC00000, 0xA9400000, pair(LDPOff)},
	{LDRPost, 0xFFE00C00, 0xF8400400, indexed(LDRPost)},
	{LDROff, 0xFFC00000, 0xF9400000, unsignedOffset(LDROff)},
	{SUBImm, 0xFF800000, 0xD1000000, arith(SUBImm)},
	{ADDImm, 0xFF800000, 0x91000000, arith(ADDImm)},
}

// Decode matches x against every known template. It is total: any word that
// is not one of them yields false.
func Decode(x uint32) (Inst, bool) {
	for _, t := range templates {
		if x&t.mask == t.value {
			return t.decode(x), true
		}
	}
	return Inst{}, false
}

// DecodeAs decodes x only if it is an instance of op.
func DecodeAs(x uint32, op Op) (Inst, bool) {
	for _, t := range templates {
		if t.op == op {
			if x&t.mask == t.value {
				return t.decode(x), true
			}
			return Inst{}, false
		}
	}
	return Inst{}, false
}

func (i Inst) regs() error {
	if i.Rn > 31 || i.Rt > 31 {
		return errors.Errorf("%s: register out of range", i.Op)
	}
	if i.Op.Pair() && i.Rt2 > 31 {
		return errors.Errorf("%s: second register out of range", i.Op)
	}
	return nil
}

// Encode is the inverse of Decode.
func (i Inst) Encode() (uint32, error) {
	if err := i.regs(); err != nil {
		return 0, err
	}
	var t *template
	for n := range templates {
		if templates[n].op == i.Op {
			t = &templates[n]
		}
	}
	if t == nil {
		return 0, errors.Errorf("cannot encode %s", i.Op)
	}
	x := t.value | uint32(i.Rt) | uint32(i.Rn)<<5
	switch i.Op {
	case STPPre, STPOff, LDPPost, LDPOff:
		if i.Imm%8 != 0 || i.Imm < -512 || i.Imm > 504 {
			return 0, errors.Errorf("%s: offset %d not encodable", i.Op, i.Imm)
		}
		x |= uint32(i.Rt2)<<10 | (uint32(i.Imm/8)&0x7F)<<15
	case STRPre, LDRPost:
		if i.Imm < -256 || i.Imm > 255 {
			return 0, errors.Errorf("%s: writeback %d not encodable", i.Op, i.Imm)
		}
		x |= (uint32(i.Imm) & 0x1FF) << 12
	case STROff, LDROff:
		if i.Imm%8 != 0 || i.Imm < 0 || i.Imm > 0xFFF*8 {
			return 0, errors.Errorf("%s: offset %d not encodable", i.Op, i.Imm)
		}
		x |= uint32(i.Imm/8) << 10
	case SUBImm, ADDImm:
		imm := i.Imm
		if imm < 0 {
			return 0, errors.Errorf("%s: negative immediate %d", i.Op, imm)
		}
		if imm > 0xFFF {
			if imm&0xFFF != 0 || imm>>12 > 0xFFF {
				return 0, errors.Errorf("%s: immediate %d not encodable", i.Op, imm)
			}
			x |= 1 << 22
			imm >>= 12
		}
		x |= uint32(imm) << 10
	}
	return x, nil
}

// MustEncode is Encode for operands known to be valid.
func MustEncode(i Inst) uint32 {
	x, err := i.Encode()
	if err != nil {
		panic(err)
	}
	return x
}
