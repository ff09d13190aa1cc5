package insn

// Reg is an arm64 general purpose register number. 31 means SP in the
// addressing forms decoded here.
type Reg uint8

const (
	RegFP Reg = 29
	RegLR Reg = 30
	RegSP Reg = 31

	// RegNone fills operand slots an instruction does not have.
	RegNone Reg = 0xff
)

// Size is the width of every instruction word.
const Size = 4

const (
	PACIASP uint32 = 0xD503233F // hint #25, prologue sentinel
	AUTIASP uint32 = 0xD50323BF // hint #29, epilogue sentinel
	NOP     uint32 = 0xD503201F
	RET     uint32 = 0xD65F03C0

	// Supervisor calls taken by the external handler in place of a sentinel.
	SVCSignImm uint16 = 0x9AC
	SVCAuthImm uint16 = 0x9AD
)

var (
	SVCSign = EncodeSVC(SVCSignImm) // 0xD4013581
	SVCAuth = EncodeSVC(SVCAuthImm) // 0xD40135A1
)
