// Package kpac retrofits return address signing onto arm64 code that is
// already mapped into a process.
//
// Compilers emit paciasp/autiasp around the spill and reload of the link
// register. The engine walks every executable segment of the process and
// turns each of those sentinels into a call to a small routine placed within
// branch range, or into a supervisor call trap when no call can be encoded.
// It must run before application code starts and while the process is single
// threaded: segments are briefly made writable and rewritten in place.
package kpac

import (
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/mmap/mapping"
	"github.com/pkujhd/kpac/patch"
	"github.com/pkujhd/kpac/routine"
	"github.com/pkujhd/kpac/stats"
)

// Memory is the address space being patched.
type Memory interface {
	// Words returns the segment's contents as instruction words. The
	// returned slice may only be written inside Bracket.
	Words(seg mapping.Mapping) ([]uint32, error)
	// Bracket makes seg writable, runs fn and restores the segment's
	// original protection whatever fn returns.
	Bracket(seg mapping.Mapping, fn func() error) error
	// Sync makes instruction fetch see writes to [start, end).
	Sync(start, end uintptr)
}

// Engine patches every eligible segment of an address space once.
type Engine struct {
	Config Config
	Memory Memory
	Mapper routine.Mapper
	// Segments lists the address space, in address order.
	Segments func() ([]mapping.Mapping, error)
	// Self is the path of the image running the engine, never patched.
	Self  string
	Stats *stats.Writer
	Log   log.Interface
}

// Object is the outcome for one mapped file.
type Object struct {
	Path     string
	Segments []mapping.Mapping
	Elapsed  time.Duration
	Counts   patch.Counts
	Sites    []patch.Site
}

type Result struct {
	Objects []Object
	Elapsed time.Duration
	Counts  patch.Counts
	// Routines is the number of routines mapped during the run.
	Routines int
}

func (e *Engine) logger() log.Interface {
	if e.Log == nil {
		return log.Log
	}
	return e.Log
}

// Close releases the statistics log.
func (e *Engine) Close() error {
	if e.Stats == nil {
		return nil
	}
	return e.Stats.Close()
}

// SkipReason returns why seg is never patched by a process whose image is
// self, or "" if it is eligible.
func (c *Config) SkipReason(seg mapping.Mapping, self string) string {
	switch {
	case !seg.ExecutePerm:
		return "not executable"
	case seg.Pseudo():
		return "pseudo"
	case seg.PathName == "":
		return "anonymous"
	case self != "" && seg.PathName == self:
		return "self"
	case c.Skipped(seg.PathName):
		return "skip pattern"
	case seg.StartAddr%insn.Size != 0 || seg.Len()%insn.Size != 0:
		return "misaligned"
	}
	return ""
}

// objects groups eligible segments by file, keeping the order in which each
// file first appears.
func (e *Engine) objects(segs []mapping.Mapping) []Object {
	var objs []Object
	index := make(map[string]int)
	for _, seg := range segs {
		if why := e.Config.SkipReason(seg, e.Self); why != "" {
			if seg.ExecutePerm {
				e.logger().WithFields(log.Fields{
					"segment": seg.String(),
					"reason":  why,
				}).Debug("skipping")
			}
			continue
		}
		i, ok := index[seg.PathName]
		if !ok {
			i = len(objs)
			index[seg.PathName] = i
			objs = append(objs, Object{Path: seg.PathName})
		}
		objs[i].Segments = append(objs[i].Segments, seg)
	}
	return objs
}

func (e *Engine) patchSegment(a *patch.Applier, seg mapping.Mapping, obj *Object) error {
	text, err := e.Memory.Words(seg)
	if err != nil {
		return errors.Wrapf(err, "failed to access %s", seg)
	}
	return e.Memory.Bracket(seg, func() error {
		sites, err := a.PatchText(text, seg.StartAddr, &obj.Counts)
		obj.Sites = append(obj.Sites, sites...)
		e.Memory.Sync(seg.StartAddr, seg.EndAddr)
		return err
	})
}

// Run patches the address space. Any error is an environment failure: the
// process must not continue, since some of its code may already be
// rewritten.
func (e *Engine) Run() (*Result, error) {
	start := time.Now()
	if err := e.Config.Compile(); err != nil {
		return nil, err
	}
	segs, err := e.Segments()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate segments")
	}

	var alloc *routine.Allocator
	a := &patch.Applier{Segments: segs, Log: e.logger()}
	if e.Config.Mode == ModeCalls {
		alloc = routine.NewAllocator(e.Mapper, uintptr(e.Config.SignFn), uintptr(e.Config.AuthFn))
		a.Alloc = alloc
	}

	res := &Result{Objects: e.objects(segs)}
	for i := range res.Objects {
		obj := &res.Objects[i]
		t0 := time.Now()
		for _, seg := range obj.Segments {
			if err := e.patchSegment(a, seg, obj); err != nil {
				return res, errors.Wrapf(err, "failed to patch %s", obj.Path)
			}
		}
		obj.Elapsed = time.Since(t0)
		res.Counts.Add(obj.Counts)

		e.logger().WithFields(log.Fields{
			"path":         obj.Path,
			"segments":     len(obj.Segments),
			"sign":         obj.Counts.TotalSign,
			"sign_patched": obj.Counts.PatchedSign,
			"auth":         obj.Counts.TotalAuth,
			"auth_patched": obj.Counts.PatchedAuth,
		}).Info("patched object")
		if e.Stats != nil {
			if err := e.Stats.Object(obj.Path, obj.Elapsed, obj.Counts); err != nil {
				return res, err
			}
		}
	}

	if alloc != nil {
		res.Routines = alloc.Registry.Len()
	}
	res.Elapsed = time.Since(start)
	if e.Stats != nil {
		if err := e.Stats.Total(res.Elapsed, res.Counts); err != nil {
			return res, err
		}
	}
	return res, nil
}
