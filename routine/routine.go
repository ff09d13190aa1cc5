// Package routine owns the mapped sign/authenticate routines that patched
// code branches to, and decides where new ones go.
package routine

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/match"
)

// ErrBadOffset is returned for stack offsets no thunk exists for.
var ErrBadOffset = errors.New("unsupported link register offset")

// Entry returns the address to call for a link register stored offset bytes
// above sp, given a canonical entry base.
func Entry(base uintptr, offset int) (uintptr, error) {
	if !match.ValidOffset(int64(offset)) {
		return 0, errors.Wrapf(ErrBadOffset, "%d", offset)
	}
	if offset == 0 {
		return base, nil
	}
	return base - uintptr(1+(offset-match.SlotStride)/match.SlotStride)*ThunkSize, nil
}

// Routine is one mapped copy of the blob. It is never unmapped.
type Routine struct {
	Start uintptr
	End   uintptr

	mem  []byte
	next *Routine
}

// Canonical returns the offset 0 entry for the sentinel kind.
func (r *Routine) Canonical(kind match.Kind) uintptr {
	if kind == match.Epilogue {
		return r.Start + AuthEntryOffset
	}
	return r.Start + SignEntryOffset
}

func (r *Routine) SignEntry() uintptr {
	return r.Canonical(match.Prologue)
}

func (r *Routine) AuthEntry() uintptr {
	return r.Canonical(match.Epilogue)
}

// Entry returns the sub-entry for kind and offset.
func (r *Routine) Entry(kind match.Kind, offset int) (uintptr, error) {
	return Entry(r.Canonical(kind), offset)
}

// Reachable reports whether the whole routine lies within branch range of
// site, less padding at both ends.
func (r *Routine) Reachable(site uintptr, padding uintptr) bool {
	limit := int64(insn.BranchRange) - int64(padding)
	return int64(r.Start)-int64(site) >= -limit && int64(r.End)-int64(site) <= limit
}

func (r *Routine) overlaps(o *Routine) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r *Routine) String() string {
	return fmt.Sprintf("routine 0x%x-0x%x", r.Start, r.End)
}

// Registry is the newest-first list of every routine mapped so far. It is
// append-only and not safe for concurrent use.
type Registry struct {
	head *Routine
	n    int
}

// Push adds r in front of the registry.
func (g *Registry) Push(r *Routine) error {
	if r.End <= r.Start {
		return errors.Errorf("empty %s", r)
	}
	for o := g.head; o != nil; o = o.next {
		if r.overlaps(o) {
			return errors.Errorf("%s overlaps %s", r, o)
		}
	}
	r.next = g.head
	g.head = r
	g.n++
	return nil
}

// Find returns the newest routine reachable from site.
func (g *Registry) Find(site uintptr, padding uintptr) *Routine {
	for r := g.head; r != nil; r = r.next {
		if r.Reachable(site, padding) {
			return r
		}
	}
	return nil
}

func (g *Registry) Len() int {
	return g.n
}

// Routines lists the registry newest first.
func (g *Registry) Routines() []*Routine {
	var rs []*Routine
	for r := g.head; r != nil; r = r.next {
		rs = append(rs, r)
	}
	return rs
}
