package mmap

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/mmap/mapping"
	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

var maxUserAddr = ^uintptr(0) &^ (pageSize - 1)

// PageSize is the granularity of every mapping and permission change.
func PageSize() uintptr {
	return pageSize
}

func roundPageUp(p uintptr) uintptr {
	return (p + pageSize - 1) &^ (pageSize - 1)
}

func roundPageDown(p uintptr) uintptr {
	return p &^ (pageSize - 1)
}

// ErrNoGap is returned when no unmapped range inside the window can hold the
// requested size.
var ErrNoGap = errors.New("no free address range in window")

// Window is the half-open address range [Lo, Hi) a new mapping must fit in.
type Window struct {
	Lo uintptr
	Hi uintptr
}

type gap struct {
	startAddr uintptr
	endAddr   uintptr
}

// fit returns the page aligned address of a size byte region inside both the
// gap and the window, as high as possible when high is set and as low as
// possible otherwise.
func (g gap) fit(size uintptr, w Window, high bool) (uintptr, bool) {
	lo, hi := g.startAddr, g.endAddr
	if w.Lo > lo {
		lo = w.Lo
	}
	if w.Hi < hi {
		hi = w.Hi
	}
	lo = roundPageUp(lo)
	if hi < lo || hi-lo < size {
		return 0, false
	}
	if high {
		addr := roundPageDown(hi - size)
		if addr < lo {
			return 0, false
		}
		return addr, true
	}
	return lo, true
}

func sortedGaps(mappings []mapping.Mapping) []gap {
	sorted := make([]mapping.Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartAddr < sorted[j].StartAddr
	})

	// The zero page is never handed out.
	prevEnd := pageSize
	var gaps []gap
	for _, m := range sorted {
		if m.StartAddr > prevEnd {
			gaps = append(gaps, gap{startAddr: prevEnd, endAddr: roundPageDown(m.StartAddr)})
		}
		if m.EndAddr > prevEnd {
			prevEnd = roundPageUp(m.EndAddr)
		}
	}
	gaps = append(gaps, gap{startAddr: prevEnd, endAddr: maxUserAddr})
	return gaps
}

// FindFreeAddressNear picks a page aligned address for a size byte region
// inside the window. The gap directly below target (the one ending where the
// mapping containing target begins) is preferred, taking its highest fitting
// address; otherwise the first gap above target that fits is used, taking its
// lowest fitting address.
func FindFreeAddressNear(target uintptr, size int, w Window, mappings []mapping.Mapping) (uintptr, error) {
	need := roundPageUp(uintptr(size))
	gaps := sortedGaps(mappings)

	// gaps[idx] either holds target or is the first gap above it
	idx := sort.Search(len(gaps), func(i int) bool {
		return gaps[i].endAddr > target
	})
	next := idx
	if idx < len(gaps) && gaps[idx].startAddr <= target {
		next = idx + 1
	} else {
		idx--
	}
	if idx >= 0 {
		if addr, ok := gaps[idx].fit(need, w, true); ok {
			return addr, nil
		}
	}
	for i := next; i < len(gaps); i++ {
		if gaps[i].startAddr >= w.Hi {
			break
		}
		if addr, ok := gaps[i].fit(need, w, false); ok {
			return addr, nil
		}
	}
	return 0, errors.Wrapf(ErrNoGap, "size 0x%x near 0x%x in [0x%x, 0x%x)", need, target, w.Lo, w.Hi)
}
