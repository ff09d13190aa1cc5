package kpac

import (
	"unsafe"

	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/mmap"
	"github.com/pkujhd/kpac/mmap/mapping"
	"github.com/pkujhd/kpac/mprotect"
	"github.com/pkujhd/kpac/routine"
	"github.com/pkujhd/kpac/stats"
)

// processMemory is the address space of the calling process.
type processMemory struct{}

func (processMemory) Words(seg mapping.Mapping) ([]uint32, error) {
	return unsafe.Slice((*uint32)(unsafe.Pointer(seg.StartAddr)), seg.Len()/insn.Size), nil
}

func (processMemory) Bracket(seg mapping.Mapping, fn func() error) error {
	return mprotect.Bracket(seg.StartAddr, seg.Len(), seg.Prot(), fn)
}

func (processMemory) Sync(start, end uintptr) {
	mmap.SyncInstructionCache(start, end)
}

// New returns an engine patching the calling process. The caller closes the
// statistics log, if any, once Run has returned.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Compile(); err != nil {
		return nil, err
	}
	self, err := mmap.ExecutablePath(mmap.Self)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Config: cfg,
		Memory: processMemory{},
		Mapper: routine.SystemMapper,
		Segments: func() ([]mapping.Mapping, error) {
			return mmap.ReadProcMaps(mmap.Self, cfg.MaxSegments)
		},
		Self: self,
	}
	if cfg.StatPath != "" {
		if e.Stats, err = stats.Open(cfg.StatPath, cfg.RunID); err != nil {
			return nil, err
		}
	}
	return e, nil
}
