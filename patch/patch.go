// Package patch rewrites sentinel instructions into calls to routines or,
// failing that, into supervisor call traps.
package patch

import (
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
	"github.com/pkujhd/kpac/mmap/mapping"
	"github.com/pkujhd/kpac/routine"
)

type Outcome uint8

const (
	CallPatched Outcome = iota + 1
	TrapPatched
)

func (o Outcome) String() string {
	switch o {
	case CallPatched:
		return "call"
	case TrapPatched:
		return "trap"
	}
	return fmt.Sprintf("Outcome(%d)", o)
}

// Site is one sentinel found in a segment and what became of it.
type Site struct {
	Addr    uintptr
	Kind    match.Kind
	Shape   match.Shape
	Outcome Outcome
	// Target is the routine entry called, for call-patched sites.
	Target uintptr
}

// Counts tallies sentinels found and call-patched per kind.
type Counts struct {
	TotalSign   int64
	PatchedSign int64
	TotalAuth   int64
	PatchedAuth int64
}

func (c *Counts) Add(o Counts) {
	c.TotalSign += o.TotalSign
	c.PatchedSign += o.PatchedSign
	c.TotalAuth += o.TotalAuth
	c.PatchedAuth += o.PatchedAuth
}

// Valid reports whether no more sites were patched than found.
func (c Counts) Valid() bool {
	return c.PatchedSign <= c.TotalSign && c.PatchedAuth <= c.TotalAuth
}

func (c *Counts) found(kind match.Kind) {
	if kind == match.Epilogue {
		c.TotalAuth++
	} else {
		c.TotalSign++
	}
}

func (c *Counts) patched(kind match.Kind) {
	if kind == match.Epilogue {
		c.PatchedAuth++
	} else {
		c.PatchedSign++
	}
}

// Allocator supplies routines reachable from a call site.
type Allocator interface {
	Get(site uintptr, segs []mapping.Mapping) (*routine.Routine, error)
}

// Applier patches every sentinel of the text handed to it. A nil Alloc
// turns every sentinel into a trap.
type Applier struct {
	Alloc    Allocator
	Segments []mapping.Mapping
	Log      log.Interface
}

func (a *Applier) logger() log.Interface {
	if a.Log == nil {
		return log.Log
	}
	return a.Log
}

// call tries to turn the sentinel at text[i] into a call. It returns false
// when the site has to be trapped.
func (a *Applier) call(text []uint32, base uintptr, i int, site *Site) (bool, error) {
	m, ok := match.Classify(text, i)
	if !ok {
		return false, nil
	}
	at := m.CallIndex(i)
	from := base + uintptr(at)*insn.Size
	r, err := a.Alloc.Get(from, a.Segments)
	if err != nil {
		if errors.Is(err, routine.ErrNoReachableGap) {
			a.logger().WithField("addr", fmt.Sprintf("%#x", from)).Debug("no routine in reach")
			return false, nil
		}
		return false, err
	}
	target, err := r.Entry(m.Kind, m.Offset)
	if err != nil {
		return false, nil
	}
	bl, err := insn.EncodeBL(from, target)
	if err != nil {
		return false, nil
	}

	// Slide the idiom over the sentinel and put the call where it ended.
	if m.Kind == match.Prologue {
		copy(text[i:at], text[i+1:at+1])
	} else {
		copy(text[at+1:i+1], text[at:i])
	}
	text[at] = bl

	site.Shape = m.Shape
	site.Target = target
	return true, nil
}

// PatchText rewrites every sentinel in text, which is mapped at base, and
// adds to st. Only allocator failures other than running out of reachable
// space are returned; every site is resolved before that can happen.
func (a *Applier) PatchText(text []uint32, base uintptr, st *Counts) ([]Site, error) {
	var sites []Site
	for i := range text {
		kind, ok := match.KindOf(text[i])
		if !ok {
			continue
		}
		st.found(kind)
		site := Site{
			Addr:    base + uintptr(i)*insn.Size,
			Kind:    kind,
			Outcome: TrapPatched,
		}
		if a.Alloc != nil {
			called, err := a.call(text, base, i, &site)
			if err != nil {
				text[i] = kind.Trap()
				sites = append(sites, site)
				return sites, errors.Wrapf(err, "patching %v at %#x", kind, site.Addr)
			}
			if called {
				site.Outcome = CallPatched
				st.patched(kind)
			}
		}
		if site.Outcome == TrapPatched {
			text[i] = kind.Trap()
		}
		a.logger().WithFields(log.Fields{
			"addr":  fmt.Sprintf("%#x", site.Addr),
			"kind":  site.Kind,
			"shape": site.Shape,
		}).Debugf("%v patched", site.Outcome)
		sites = append(sites, site)
	}
	return sites, nil
}
