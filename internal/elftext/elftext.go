// Package elftext finds and rewrites sentinels in arm64 ELF files on disk.
package elftext

import (
	"debug/elf"
	"encoding/binary"
	"os"

	mmapgo "github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
	"github.com/pkujhd/kpac/patch"
)

// Section is an executable section of the file.
type Section struct {
	Name   string
	Addr   uint64
	Offset uint64
	Size   uint64
}

func (s Section) words() uint64 {
	return s.Size / insn.Size
}

// Sections lists the executable sections holding code.
func Sections(f *elf.File) ([]Section, error) {
	if f.Machine != elf.EM_AARCH64 {
		return nil, errors.Errorf("unsupported machine %v", f.Machine)
	}
	if f.ByteOrder != binary.LittleEndian {
		return nil, errors.New("big endian arm64 is not supported")
	}
	var secs []Section
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		secs = append(secs, Section{Name: s.Name, Addr: s.Addr, Offset: s.Offset, Size: s.Size})
	}
	return secs, nil
}

func openSections(path string) ([]Section, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not a valid ELF file", path)
	}
	defer f.Close()
	return Sections(f)
}

func decode(b []byte) []uint32 {
	w := make([]uint32, len(b)/insn.Size)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*insn.Size:])
	}
	return w
}

func encode(b []byte, w []uint32) {
	for i, x := range w {
		binary.LittleEndian.PutUint32(b[i*insn.Size:], x)
	}
}

// Finding is one sentinel found by Scan.
type Finding struct {
	Section string
	Addr    uint64
	Kind    match.Kind
	// Match is valid when Matched is set; unmatched sites can only trap.
	Match   match.Match
	Matched bool
	// Window holds the instructions around the site, starting at WindowAddr.
	Window     []uint32
	WindowAddr uint64
}

// Scan classifies every sentinel in the executable sections of path without
// changing the file.
func Scan(path string) ([]Finding, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not a valid ELF file", path)
	}
	defer f.Close()
	secs, err := Sections(f)
	if err != nil {
		return nil, err
	}

	var found []Finding
	for _, sec := range secs {
		data, err := f.Section(sec.Name).Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", sec.Name)
		}
		text := decode(data)
		for _, i := range match.Scan(text) {
			kind, _ := match.KindOf(text[i])
			m, ok := match.Classify(text, i)
			lo, hi := i-2, i+3
			if lo < 0 {
				lo = 0
			}
			if hi > len(text) {
				hi = len(text)
			}
			found = append(found, Finding{
				Section:    sec.Name,
				Addr:       sec.Addr + uint64(i)*insn.Size,
				Kind:       kind,
				Match:      m,
				Matched:    ok,
				Window:     text[lo:hi],
				WindowAddr: sec.Addr + uint64(lo)*insn.Size,
			})
		}
	}
	return found, nil
}

// Patch rewrites every sentinel in the executable sections of path into a
// trap, in place. No routines exist in a file, so calls are never written.
func Patch(path string) (patch.Counts, []patch.Site, error) {
	var st patch.Counts
	secs, err := openSections(path)
	if err != nil {
		return st, nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return st, nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	m, err := mmapgo.Map(f, mmapgo.RDWR, 0)
	if err != nil {
		return st, nil, errors.Wrapf(err, "failed to map %s", path)
	}
	defer m.Unmap()

	var sites []patch.Site
	a := &patch.Applier{}
	for _, sec := range secs {
		end := sec.Offset + sec.words()*insn.Size
		if end > uint64(len(m)) {
			return st, sites, errors.Errorf("section %s runs past the end of %s", sec.Name, path)
		}
		b := m[sec.Offset:end]
		text := decode(b)
		s, err := a.PatchText(text, uintptr(sec.Addr), &st)
		if err != nil {
			return st, sites, err
		}
		encode(b, text)
		sites = append(sites, s...)
	}
	if err := m.Flush(); err != nil {
		return st, sites, errors.Wrapf(err, "failed to flush %s", path)
	}
	return st, sites, nil
}
