package elftext

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
	"github.com/pkujhd/kpac/patch"
)

const textAddr = 0x400000

func words(w ...uint32) []byte {
	b := make([]byte, len(w)*insn.Size)
	encode(b, w)
	return b
}

// writeELF writes a minimal arm64 executable with a .text and a .data
// section.
func writeELF(t *testing.T, text, data []uint32) string {
	t.Helper()
	shstrtab := []byte("\x00.text\x00.data\x00.shstrtab\x00")
	textOff := uint64(64)
	dataOff := textOff + uint64(len(text))*insn.Size
	strOff := dataOff + uint64(len(data))*insn.Size
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_AARCH64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     textAddr,
		Shoff:     shOff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     4,
		Shstrndx:  3,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(&buf, binary.LittleEndian, hdr)
	buf.Write(words(text...))
	buf.Write(words(data...))
	buf.Write(shstrtab)
	buf.Write(make([]byte, shOff-uint64(buf.Len())))

	for _, sh := range []elf.Section64{
		{},
		{Name: 1, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr: textAddr, Off: textOff, Size: uint64(len(text)) * insn.Size, Addralign: 4},
		{Name: 7, Type: uint32(elf.SHT_PROGBITS), Flags: uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr: 0x500000, Off: dataOff, Size: uint64(len(data)) * insn.Size, Addralign: 8},
		{Name: 13, Type: uint32(elf.SHT_STRTAB), Off: strOff, Size: uint64(len(shstrtab)), Addralign: 1},
	} {
		binary.Write(&buf, binary.LittleEndian, sh)
	}

	path := filepath.Join(t.TempDir(), "a.out")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func program() []uint32 {
	return []uint32{
		insn.PACIASP,
		insn.MustEncode(insn.Inst{Op: insn.STPPre, Rn: insn.RegSP, Rt: insn.RegFP, Rt2: insn.RegLR, Imm: -32}),
		insn.NOP,
		insn.MustEncode(insn.Inst{Op: insn.LDPPost, Rn: insn.RegSP, Rt: insn.RegFP, Rt2: insn.RegLR, Imm: 32}),
		insn.AUTIASP,
		insn.RET,
		insn.PACIASP,
		insn.RET,
	}
}

func TestScan(t *testing.T) {
	path := writeELF(t, program(), []uint32{insn.PACIASP, insn.AUTIASP})
	found, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	type row struct {
		Section string
		Addr    uint64
		Kind    match.Kind
		Shape   match.Shape
		Matched bool
	}
	var got []row
	for _, f := range found {
		got = append(got, row{f.Section, f.Addr, f.Kind, f.Match.Shape, f.Matched})
	}
	want := []row{
		{".text", textAddr, match.Prologue, match.PairIndexed, true},
		{".text", textAddr + 16, match.Epilogue, match.PairIndexed, true},
		{".text", textAddr + 24, match.Prologue, match.None, false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("findings mismatch (-want +got):\n%s", diff)
	}
	if found[1].WindowAddr != textAddr+8 || len(found[1].Window) != 5 {
		t.Errorf("window of epilogue at 0x%x, %d words", found[1].WindowAddr, len(found[1].Window))
	}
}

func TestPatch(t *testing.T) {
	path := writeELF(t, program(), []uint32{insn.PACIASP, insn.AUTIASP})
	st, sites, err := Patch(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(patch.Counts{TotalSign: 2, TotalAuth: 1}, st); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if len(sites) != 3 {
		t.Errorf("got %d sites", len(sites))
	}

	f, err := elf.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	text, err := f.Section(".text").Data()
	if err != nil {
		t.Fatal(err)
	}
	want := program()
	want[0], want[4], want[6] = insn.SVCSign, insn.SVCAuth, insn.SVCSign
	if diff := cmp.Diff(want, decode(text)); diff != "" {
		t.Errorf(".text mismatch (-want +got):\n%s", diff)
	}
	data, err := f.Section(".data").Data()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint32{insn.PACIASP, insn.AUTIASP}, decode(data)); diff != "" {
		t.Errorf(".data was modified (-want +got):\n%s", diff)
	}

	// Nothing left to find.
	found, err := Scan(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Errorf("patched file still has %d sentinels", len(found))
	}
}

func TestRejectsOtherMachines(t *testing.T) {
	path := writeELF(t, program(), nil)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	binary.LittleEndian.PutUint16(b[18:], uint16(elf.EM_X86_64))
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Scan(path); err == nil {
		t.Error("Scan accepted an x86-64 file")
	}
	if _, _, err := Patch(path); err == nil {
		t.Error("Patch accepted an x86-64 file")
	}
}
