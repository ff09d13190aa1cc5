//go:build !linux || !arm64
// +build !linux !arm64

package mmap

// SyncInstructionCache is a no-op where instruction fetch is coherent with
// data writes.
func SyncInstructionCache(start uintptr, end uintptr) {
}
