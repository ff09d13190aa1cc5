package patch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
	"github.com/pkujhd/kpac/mmap"
	"github.com/pkujhd/kpac/mmap/mapping"
	"github.com/pkujhd/kpac/routine"
)

const (
	sp   = insn.RegSP
	lr   = insn.RegLR
	fp   = insn.RegFP
	none = insn.RegNone
	base = uintptr(1 << 40)
)

func enc(op insn.Op, rn, rt, rt2 insn.Reg, imm int64) uint32 {
	return insn.MustEncode(insn.Inst{Op: op, Rn: rn, Rt: rt, Rt2: rt2, Imm: imm})
}

func memMapper() routine.Mapper {
	return routine.MapperFunc(func(addr uintptr, code []byte) ([]byte, error) {
		page := mmap.PageSize()
		mem := make([]byte, (uintptr(len(code))+page-1)&^(page-1))
		copy(mem, code)
		return mem, nil
	})
}

func textSegment(text []uint32) []mapping.Mapping {
	return []mapping.Mapping{{
		StartAddr:   base,
		EndAddr:     base + mmap.PageSize(),
		ReadPerm:    true,
		ExecutePerm: true,
		PrivatePerm: true,
	}}
}

// function is
//
//	paciasp
//	stp x30, x29, [sp, #-16]!
//	mov x29, sp
//	mov x0, #1
//	ldp x30, x29, [sp], #16
//	autiasp
//	ret
func function() []uint32 {
	return []uint32{
		insn.PACIASP,
		enc(insn.STPPre, sp, lr, fp, -16),
		enc(insn.ADDImm, sp, fp, none, 0),
		insn.EncodeMOVZ(0, 1),
		enc(insn.LDPPost, sp, lr, fp, 16),
		insn.AUTIASP,
		insn.RET,
	}
}

func checkCall(t *testing.T, text []uint32, idx int, want uintptr) {
	t.Helper()
	delta, link, ok := insn.DecodeBranch(text[idx])
	if !ok || !link {
		t.Fatalf("word %d is 0x%08x, want a bl", idx, text[idx])
	}
	if got := uintptr(int64(base) + int64(idx)*insn.Size + delta); got != want {
		t.Errorf("bl at %d targets 0x%x, want 0x%x", idx, got, want)
	}
}

func TestPatchFunctionWithCalls(t *testing.T) {
	text := function()
	orig := function()
	alloc := routine.NewAllocator(memMapper(), 0, 0)
	a := &Applier{Alloc: alloc, Segments: textSegment(text)}

	var st Counts
	sites, err := a.PatchText(text, base, &st)
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 2 {
		t.Fatalf("got %d sites, want 2", len(sites))
	}
	for _, s := range sites {
		if s.Outcome != CallPatched {
			t.Errorf("%v site at 0x%x was %v", s.Kind, s.Addr, s.Outcome)
		}
		if s.Shape != match.PairIndexed {
			t.Errorf("%v site matched as %v", s.Kind, s.Shape)
		}
	}
	if st != (Counts{TotalSign: 1, PatchedSign: 1, TotalAuth: 1, PatchedAuth: 1}) {
		t.Errorf("counts %+v", st)
	}

	r := alloc.Registry.Routines()[0]
	if text[0] != orig[1] {
		t.Errorf("store not moved over the sentinel: 0x%08x", text[0])
	}
	checkCall(t, text, 1, r.SignEntry())
	if text[5] != orig[4] {
		t.Errorf("load not moved over the sentinel: 0x%08x", text[5])
	}
	checkCall(t, text, 4, r.AuthEntry())
	if sites[0].Target != r.SignEntry() || sites[1].Target != r.AuthEntry() {
		t.Errorf("site targets %x %x", sites[0].Target, sites[1].Target)
	}
	for _, i := range []int{2, 3, 6} {
		if text[i] != orig[i] {
			t.Errorf("word %d changed", i)
		}
	}
}

func TestPatchFunctionTrapsOnly(t *testing.T) {
	text := function()
	a := &Applier{Segments: textSegment(text)}
	var st Counts
	sites, err := a.PatchText(text, base, &st)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range sites {
		if s.Outcome != TrapPatched {
			t.Errorf("%v site was %v", s.Kind, s.Outcome)
		}
	}
	if text[0] != insn.SVCSign || text[5] != insn.SVCAuth {
		t.Errorf("sentinels became 0x%08x and 0x%08x", text[0], text[5])
	}
	if text[1] != function()[1] || text[4] != function()[4] {
		t.Errorf("neighbours of trapped sentinels changed")
	}
	if st != (Counts{TotalSign: 1, TotalAuth: 1}) {
		t.Errorf("counts %+v", st)
	}
}

func TestPatchFrameSlots(t *testing.T) {
	text := []uint32{
		insn.PACIASP,
		enc(insn.SUBImm, sp, sp, none, 96),
		enc(insn.STPOff, sp, fp, lr, 80),
		insn.NOP,
		enc(insn.LDROff, sp, lr, none, 40),
		enc(insn.ADDImm, sp, sp, none, 96),
		insn.AUTIASP,
		insn.RET,
	}
	orig := append([]uint32(nil), text...)
	alloc := routine.NewAllocator(memMapper(), 0, 0)
	a := &Applier{Alloc: alloc, Segments: textSegment(text)}
	var st Counts
	if _, err := a.PatchText(text, base, &st); err != nil {
		t.Fatal(err)
	}
	r := alloc.Registry.Routines()[0]
	sign88, _ := r.Entry(match.Prologue, 88)
	auth40, _ := r.Entry(match.Epilogue, 40)

	if text[0] != orig[1] || text[1] != orig[2] {
		t.Errorf("prologue not shifted")
	}
	checkCall(t, text, 2, sign88)
	checkCall(t, text, 4, auth40)
	if text[5] != orig[4] || text[6] != orig[5] {
		t.Errorf("epilogue not shifted")
	}
	if st.PatchedSign != 1 || st.PatchedAuth != 1 {
		t.Errorf("counts %+v", st)
	}
}

func TestPatchUnsupportedOffsetTraps(t *testing.T) {
	text := []uint32{
		insn.PACIASP,
		enc(insn.SUBImm, sp, sp, none, 608),
		enc(insn.STROff, sp, lr, none, 600),
		insn.RET,
	}
	a := &Applier{Alloc: routine.NewAllocator(memMapper(), 0, 0), Segments: textSegment(text)}
	var st Counts
	sites, err := a.PatchText(text, base, &st)
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 1 || sites[0].Outcome != TrapPatched {
		t.Fatalf("sites %+v", sites)
	}
	if text[0] != insn.SVCSign {
		t.Errorf("sentinel became 0x%08x", text[0])
	}
	if st.TotalSign != 1 || st.PatchedSign != 0 || !st.Valid() {
		t.Errorf("counts %+v", st)
	}
}

func TestPatchTwiceIsNoop(t *testing.T) {
	for name, alloc := range map[string]Allocator{
		"calls": routine.NewAllocator(memMapper(), 0, 0),
		"traps": nil,
	} {
		t.Run(name, func(t *testing.T) {
			text := function()
			a := &Applier{Alloc: alloc, Segments: textSegment(text)}
			var first, second Counts
			if _, err := a.PatchText(text, base, &first); err != nil {
				t.Fatal(err)
			}
			patched := append([]uint32(nil), text...)
			sites, err := a.PatchText(text, base, &second)
			if err != nil {
				t.Fatal(err)
			}
			if len(sites) != 0 || second != (Counts{}) {
				t.Errorf("second pass found %d sites, counts %+v", len(sites), second)
			}
			for i := range text {
				if text[i] != patched[i] {
					t.Errorf("word %d changed on the second pass", i)
				}
			}
		})
	}
}

type failingAllocator struct{ err error }

func (f failingAllocator) Get(uintptr, []mapping.Mapping) (*routine.Routine, error) {
	return nil, f.err
}

func TestPatchAllocatorErrors(t *testing.T) {
	t.Run("no reachable gap traps", func(t *testing.T) {
		text := function()
		a := &Applier{Alloc: failingAllocator{errors.Wrap(routine.ErrNoReachableGap, "full")}}
		var st Counts
		sites, err := a.PatchText(text, base, &st)
		if err != nil {
			t.Fatal(err)
		}
		if len(sites) != 2 || sites[0].Outcome != TrapPatched || sites[1].Outcome != TrapPatched {
			t.Errorf("sites %+v", sites)
		}
	})
	t.Run("mapping failure is returned", func(t *testing.T) {
		text := function()
		a := &Applier{Alloc: failingAllocator{errors.New("mmap: out of memory")}}
		var st Counts
		_, err := a.PatchText(text, base, &st)
		if err == nil {
			t.Fatal("expected an error")
		}
		if text[0] != insn.SVCSign {
			t.Errorf("failing site left as 0x%08x", text[0])
		}
		if !st.Valid() {
			t.Errorf("counts %+v", st)
		}
	})
}

func TestCountsAdd(t *testing.T) {
	c := Counts{TotalSign: 2, PatchedSign: 1}
	c.Add(Counts{TotalSign: 1, TotalAuth: 3, PatchedAuth: 3})
	if c != (Counts{TotalSign: 3, PatchedSign: 1, TotalAuth: 3, PatchedAuth: 3}) || !c.Valid() {
		t.Errorf("Add gave %+v", c)
	}
	if (Counts{TotalAuth: 1, PatchedAuth: 2}).Valid() {
		t.Errorf("Valid accepted more patched than found")
	}
}
