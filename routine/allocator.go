package routine

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/mmap"
	"github.com/pkujhd/kpac/mmap/mapping"
)

// DefaultPadding is kept free at both ends of the branch range so a routine
// chosen for one site never sticks out of range.
const DefaultPadding = 1 << 20

// ErrNoReachableGap means no routine can be placed within reach of a site;
// the caller is expected to fall back to a trap.
var ErrNoReachableGap = errors.New("no reachable gap for routine")

// Mapper places code at a fixed address and leaves it executable.
type Mapper interface {
	MapCode(addr uintptr, code []byte) ([]byte, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(addr uintptr, code []byte) ([]byte, error)

func (f MapperFunc) MapCode(addr uintptr, code []byte) ([]byte, error) {
	return f(addr, code)
}

// SystemMapper maps routines into the current process.
var SystemMapper Mapper = MapperFunc(mmap.MapCode)

// Allocator hands out routines reachable from patch sites, mapping new ones
// next to the code when none of the existing ones is in range.
type Allocator struct {
	Mapper   Mapper
	Registry Registry
	Padding  uintptr

	blob []byte
}

// NewAllocator returns an allocator whose routines call the given
// primitives; zero addresses make the routines trap instead.
func NewAllocator(m Mapper, sign, auth uintptr) *Allocator {
	return &Allocator{
		Mapper:  m,
		Padding: DefaultPadding,
		blob:    Assemble(sign, auth),
	}
}

// Window is the range a routine for site must be placed in.
func (a *Allocator) Window(site uintptr) mmap.Window {
	reach := uintptr(insn.BranchRange) - a.Padding
	w := mmap.Window{Lo: 0, Hi: ^uintptr(0)}
	if site > reach {
		w.Lo = site - reach
	}
	if ^uintptr(0)-site > reach {
		w.Hi = site + reach
	}
	return w
}

func (a *Allocator) occupied(segs []mapping.Mapping) []mapping.Mapping {
	taken := make([]mapping.Mapping, 0, len(segs)+a.Registry.Len())
	taken = append(taken, segs...)
	for _, r := range a.Registry.Routines() {
		end := r.End
		if e := r.Start + uintptr(len(r.mem)); e > end {
			end = e
		}
		taken = append(taken, mapping.Mapping{StartAddr: r.Start, EndAddr: end})
	}
	return taken
}

// Get returns a routine reachable from site. segs is the address space
// snapshot used to find free space. ErrNoReachableGap is returned when
// nothing fits; any other error comes from the mapper and is fatal.
func (a *Allocator) Get(site uintptr, segs []mapping.Mapping) (*Routine, error) {
	if r := a.Registry.Find(site, a.Padding); r != nil {
		return r, nil
	}

	addr, err := mmap.FindFreeAddressNear(site, len(a.blob), a.Window(site), a.occupied(segs))
	if err != nil {
		if errors.Is(err, mmap.ErrNoGap) {
			return nil, errors.Wrap(ErrNoReachableGap, err.Error())
		}
		return nil, err
	}

	mem, err := a.Mapper.MapCode(addr, a.blob)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map routine at 0x%x", addr)
	}
	if len(mem) < len(a.blob) {
		return nil, errors.Errorf("mapper returned %d bytes for a %d byte routine", len(mem), len(a.blob))
	}
	r := &Routine{
		Start: addr,
		End:   addr + uintptr(len(a.blob)),
		mem:   mem,
	}
	if !r.Reachable(site, a.Padding) {
		return nil, errors.Errorf("%s placed out of reach of 0x%x", r, site)
	}
	if err := a.Registry.Push(r); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"start": hex(r.Start),
		"site":  hex(site),
	}).Debug("mapped routine")
	return r, nil
}

func hex(v uintptr) string {
	return fmt.Sprintf("0x%x", v)
}
