// Package match recognises the compiler-generated instruction sequences
// around return-address signing sentinels.
//
// A prologue sentinel is followed by the store that spills the link
// register; an epilogue sentinel is preceded by the load that reloads it.
// Only the idioms compilers actually emit are recognised, without any
// dataflow analysis:
//
//	paciasp                      ldp x29, x30, [sp], #N
//	stp x29, x30, [sp, #-N]!     autiasp
//
//	paciasp                      ldr x30, [sp], #N
//	str x30, [sp, #-N]!          autiasp
//
//	paciasp                      ldp x29, x30, [sp, #M]
//	sub sp, sp, #N               add sp, sp, #N
//	stp x29, x30, [sp, #M]       autiasp
//
// (and the str/ldr variant of the last form). Anything else is left to the
// trap fallback.
package match

import (
	"fmt"

	"github.com/pkujhd/kpac/insn"
)

type Kind uint8

const (
	Prologue Kind = iota + 1
	Epilogue
)

func (k Kind) String() string {
	switch k {
	case Prologue:
		return "pac"
	case Epilogue:
		return "aut"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Sentinel returns the marker instruction for the kind.
func (k Kind) Sentinel() uint32 {
	if k == Epilogue {
		return insn.AUTIASP
	}
	return insn.PACIASP
}

// Trap returns the supervisor call that replaces an unpatchable sentinel.
func (k Kind) Trap() uint32 {
	if k == Epilogue {
		return insn.SVCAuth
	}
	return insn.SVCSign
}

type Shape uint8

const (
	None Shape = iota
	PairIndexed
	SingleIndexed
	AdjustPair
	AdjustSingle
)

var shapeNames = [...]string{
	None:          "none",
	PairIndexed:   "pair-indexed",
	SingleIndexed: "single-indexed",
	AdjustPair:    "adjust-pair",
	AdjustSingle:  "adjust-single",
}

func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("Shape(%d)", s)
}

const (
	// SlotStride is the distance between two stack slots.
	SlotStride = 8
	// MaxOffset is the highest link register stack offset a routine has an
	// entry for.
	MaxOffset = 504
)

// ValidOffset reports whether a routine has an entry for offset.
func ValidOffset(offset int64) bool {
	return offset >= 0 && offset <= MaxOffset && offset%SlotStride == 0
}

// Match describes a recognised sentinel window.
type Match struct {
	Kind  Kind
	Shape Shape
	// Slot is the position of the link register in a pair, 0 or 1.
	Slot int
	// Offset is where the link register lives relative to SP at the
	// moment the routine is called.
	Offset int
	// Span is the number of instructions next to the sentinel that belong
	// to the idiom.
	Span int
}

// CallIndex is the index of the word that receives the call when the
// sentinel at i is rewritten.
func (m Match) CallIndex(i int) int {
	if m.Kind == Epilogue {
		return i - m.Span
	}
	return i + m.Span
}

// KindOf reports which sentinel x is, if any.
func KindOf(x uint32) (Kind, bool) {
	switch x {
	case insn.PACIASP:
		return Prologue, true
	case insn.AUTIASP:
		return Epilogue, true
	}
	return 0, false
}

// Scan returns the indices of every sentinel in text.
func Scan(text []uint32) []int {
	var sites []int
	for i, x := range text {
		if _, ok := KindOf(x); ok {
			sites = append(sites, i)
		}
	}
	return sites
}

func lrSlot(in insn.Inst) (int, bool) {
	switch insn.RegLR {
	case in.Rt:
		return 0, true
	case in.Rt2:
		return 1, true
	}
	return 0, false
}

func spAdjust(x uint32, op insn.Op) bool {
	in, ok := insn.DecodeAs(x, op)
	return ok && in.Rn == insn.RegSP && in.Rt == insn.RegSP
}

// lrAccess recognises a pair or single access of the link register through
// SP, returning the link register slot and the access offset.
func lrAccess(x uint32, pairOp, singleOp insn.Op) (slot int, imm int64, pair bool, ok bool) {
	if in, ok := insn.DecodeAs(x, pairOp); ok && in.Rn == insn.RegSP {
		if slot, ok := lrSlot(in); ok {
			return slot, in.Imm, true, true
		}
	}
	if in, ok := insn.DecodeAs(x, singleOp); ok && in.Rn == insn.RegSP && in.Rt == insn.RegLR {
		return 0, in.Imm, false, true
	}
	return 0, 0, false, false
}

func build(kind Kind, pair, adjusted bool, slot int, imm int64) (Match, bool) {
	m := Match{Kind: kind, Slot: slot, Span: 1}
	switch {
	case adjusted && pair:
		m.Shape, m.Span = AdjustPair, 2
	case adjusted:
		m.Shape, m.Span = AdjustSingle, 2
	case pair:
		m.Shape = PairIndexed
	default:
		m.Shape = SingleIndexed
	}
	off := int64(slot) * SlotStride
	if adjusted {
		off += imm
	}
	if !ValidOffset(off) {
		return Match{}, false
	}
	m.Offset = int(off)
	return m, true
}

func classifyPrologue(text []uint32, i int) (Match, bool) {
	if i+1 >= len(text) {
		return Match{}, false
	}
	if slot, imm, pair, ok := lrAccess(text[i+1], insn.STPPre, insn.STRPre); ok {
		return build(Prologue, pair, false, slot, imm)
	}
	if i+2 < len(text) && spAdjust(text[i+1], insn.SUBImm) {
		if slot, imm, pair, ok := lrAccess(text[i+2], insn.STPOff, insn.STROff); ok {
			return build(Prologue, pair, true, slot, imm)
		}
	}
	return Match{}, false
}

func classifyEpilogue(text []uint32, i int) (Match, bool) {
	if i < 1 {
		return Match{}, false
	}
	if slot, imm, pair, ok := lrAccess(text[i-1], insn.LDPPost, insn.LDRPost); ok {
		return build(Epilogue, pair, false, slot, imm)
	}
	if i >= 2 && spAdjust(text[i-1], insn.ADDImm) {
		if slot, imm, pair, ok := lrAccess(text[i-2], insn.LDPOff, insn.LDROff); ok {
			return build(Epilogue, pair, true, slot, imm)
		}
	}
	return Match{}, false
}

// Classify inspects the sentinel at text[i] and its neighbours. The first
// matching shape wins; false means the site can only be trapped.
func Classify(text []uint32, i int) (Match, bool) {
	if i < 0 || i >= len(text) {
		return Match{}, false
	}
	kind, ok := KindOf(text[i])
	if !ok {
		return Match{}, false
	}
	if kind == Prologue {
		return classifyPrologue(text, i)
	}
	return classifyEpilogue(text, i)
}
