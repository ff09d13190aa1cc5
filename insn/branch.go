package insn

import "github.com/pkg/errors"

const (
	opB  uint32 = 0x05 << 26
	opBL uint32 = 0x25 << 26

	// BranchRange bounds the imm26 displacement of B and BL: a target must be
	// in [from-BranchRange, from+BranchRange-Size].
	BranchRange = 128 << 20
)

// ErrOutOfRange is returned for branch targets beyond the imm26 reach.
var ErrOutOfRange = errors.New("branch target out of range")

// BranchInRange reports whether a B or BL at from can reach to.
func BranchInRange(from, to uintptr) bool {
	delta := int64(to) - int64(from)
	return delta%Size == 0 && delta >= -BranchRange && delta <= BranchRange-Size
}

func encodeBranch(op uint32, from, to uintptr) (uint32, error) {
	if !BranchInRange(from, to) {
		return 0, errors.Wrapf(ErrOutOfRange, "0x%x -> 0x%x", from, to)
	}
	delta := int64(to) - int64(from)
	return op | uint32(delta>>2)&0x3FFFFFF, nil
}

// EncodeBL encodes a branch-with-link placed at from to target to.
func EncodeBL(from, to uintptr) (uint32, error) {
	return encodeBranch(opBL, from, to)
}

// EncodeB encodes an unconditional branch placed at from to target to.
func EncodeB(from, to uintptr) (uint32, error) {
	return encodeBranch(opB, from, to)
}

// DecodeBranch returns the byte displacement of a B or BL.
func DecodeBranch(x uint32) (delta int64, link bool, ok bool) {
	switch x & 0xFC000000 {
	case opB:
	case opBL:
		link = true
	default:
		return 0, false, false
	}
	return signExtend(x&0x3FFFFFF, 26) * 4, link, true
}

// EncodeSVC encodes a supervisor call with the given immediate.
func EncodeSVC(imm uint16) uint32 {
	return 0xD4000001 | uint32(imm)<<5
}

// EncodeMOVZ encodes movz xd, #imm.
func EncodeMOVZ(rd Reg, imm uint16) uint32 {
	return 0xD2800000 | uint32(imm)<<5 | uint32(rd&0x1F)
}

func encodeLiteral(op uint32, rt Reg, delta int64) (uint32, error) {
	if delta%Size != 0 || delta < -(1<<20) || delta >= 1<<20 {
		return 0, errors.Errorf("literal displacement %d out of range", delta)
	}
	return op | (uint32(delta>>2)&0x7FFFF)<<5 | uint32(rt&0x1F), nil
}

// EncodeLDRLiteral encodes ldr xt, [pc, #delta].
func EncodeLDRLiteral(rt Reg, delta int64) (uint32, error) {
	return encodeLiteral(0x58000000, rt, delta)
}

// EncodeCBZ encodes cbz xt, pc+delta.
func EncodeCBZ(rt Reg, delta int64) (uint32, error) {
	return encodeLiteral(0xB4000000, rt, delta)
}

// EncodeBR encodes br xn.
func EncodeBR(rn Reg) uint32 {
	return 0xD61F0000 | uint32(rn&0x1F)<<5
}
