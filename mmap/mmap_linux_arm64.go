//go:build linux && arm64
// +build linux,arm64

package mmap

func cleanDataCacheLine(addr uintptr)

func invalidateInstructionCacheLine(addr uintptr)

func readCTR() (regval uint32)

func dataSyncBarrierInnerShareableDomain()

func instructionSyncBarrier()

const (
	ctrIDCBit = 28
	ctrDICBit = 29
)

var cacheInfo uint32 // Copy of cache type register contents

func alignAddress(addr, alignment uintptr) uintptr {
	return addr &^ (alignment - 1)
}

// SyncInstructionCache makes freshly written instructions in [start, end)
// visible to instruction fetch on every core.
// Inspired by gcc's __aarch64_sync_cache_range()
func SyncInstructionCache(start uintptr, end uintptr) {
	if cacheInfo == 0 {
		cacheInfo = readCTR()
	}
	iCacheLineSize := uintptr(4) << (cacheInfo & 0xF)
	dCacheLineSize := uintptr(4) << ((cacheInfo >> 16) & 0xF)

	if cacheInfo&(1<<ctrIDCBit) == 0 {
		for addr := alignAddress(start, dCacheLineSize); addr < end; addr += dCacheLineSize {
			cleanDataCacheLine(addr)
		}
	}
	dataSyncBarrierInnerShareableDomain()

	if cacheInfo&(1<<ctrDICBit) == 0 {
		for addr := alignAddress(start, iCacheLineSize); addr < end; addr += iCacheLineSize {
			invalidateInstructionCacheLine(addr)
		}
	}
	dataSyncBarrierInnerShareableDomain()
	instructionSyncBarrier()
}
