package routine

import (
	"encoding/binary"

	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
)

// Layout of one operation section of the blob. Every stack offset the
// matcher accepts has its own thunk; thunks are laid out backwards from the
// canonical entry so that the thunk for offset N sits N/8 strides below it.
//
//	+0    movz x16, #504 ; b common      thunk for offset 504
//	...
//	+496  movz x16, #8   ; b common      thunk for offset 8
//	+504  movz x16, #0   ; b common      canonical entry
//	+512  common: ldr x17, primitive
//	+516          cbz x17, trap
//	+520          br  x17
//	+524  trap:   svc #imm
//	+528          ret
//	+532          nop
//	+536  primitive: .quad
//
// On entry x30 holds the return address into the patched function and x16
// the offset of the spilled link register from sp. A zero primitive leaves
// the work to the supervisor call handler.
const (
	ThunkSize = 8
	Slots     = match.MaxOffset/match.SlotStride + 1

	entryOffset     = (Slots - 1) * ThunkSize
	commonOffset    = Slots * ThunkSize
	trapOffset      = commonOffset + 12
	literalOffset   = commonOffset + 24
	sectionSize     = literalOffset + 8
	signSection     = 0
	authSection     = sectionSize
	BlobSize        = 2 * sectionSize
	SignEntryOffset = signSection + entryOffset
	AuthEntryOffset = authSection + entryOffset
)

func put(b []byte, off int, x uint32) {
	binary.LittleEndian.PutUint32(b[off:], x)
}

func must(x uint32, err error) uint32 {
	if err != nil {
		panic(err)
	}
	return x
}

func assembleSection(b []byte, svc uint16, primitive uintptr) {
	for k := 0; k < Slots; k++ {
		at := k * ThunkSize
		off := uint16((Slots - 1 - k) * match.SlotStride)
		put(b, at, insn.EncodeMOVZ(16, off))
		put(b, at+4, must(insn.EncodeB(uintptr(at+4), commonOffset)))
	}
	put(b, commonOffset, must(insn.EncodeLDRLiteral(17, literalOffset-commonOffset)))
	put(b, commonOffset+4, must(insn.EncodeCBZ(17, trapOffset-(commonOffset+4))))
	put(b, commonOffset+8, insn.EncodeBR(17))
	put(b, trapOffset, insn.EncodeSVC(svc))
	put(b, trapOffset+4, insn.RET)
	put(b, trapOffset+8, insn.NOP)
	binary.LittleEndian.PutUint64(b[literalOffset:], uint64(primitive))
}

// Assemble builds the position independent routine blob. sign and auth are
// the absolute addresses of the external primitives, or zero.
func Assemble(sign, auth uintptr) []byte {
	b := make([]byte, BlobSize)
	assembleSection(b[signSection:authSection], insn.SVCSignImm, sign)
	assembleSection(b[authSection:], insn.SVCAuthImm, auth)
	return b
}
