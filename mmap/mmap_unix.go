//go:build linux
// +build linux

package mmap

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// MapCode maps a private anonymous region at exactly addr, copies code to its
// start and leaves it read+execute. The returned slice covers the whole
// page-rounded region and stays valid for the life of the process.
func MapCode(addr uintptr, code []byte) ([]byte, error) {
	if addr&(pageSize-1) != 0 {
		return nil, errors.Errorf("code address 0x%x is not page aligned", addr)
	}
	size := int(roundPageUp(uintptr(len(code))))
	data, err := mapper.Mmap(
		addr,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return nil, os.NewSyscallError("mmap", err)
	}
	// Kernels older than 4.17 treat MAP_FIXED_NOREPLACE as a plain hint.
	if got := uintptr(unsafe.Pointer(&data[0])); got != addr {
		if err := mapper.Munmap(data); err != nil {
			return nil, errors.Wrapf(err, "mapping landed at 0x%x instead of 0x%x, and munmap failed", got, addr)
		}
		return nil, errors.Errorf("mapping landed at 0x%x instead of 0x%x", got, addr)
	}

	copy(data, code)
	if err := unix.Mprotect(data, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, os.NewSyscallError("mprotect", err)
	}
	SyncInstructionCache(addr, addr+uintptr(len(code)))
	return data, nil
}

// Mapped returns the number of regions MapCode has handed out.
func Mapped() int {
	return mapper.Active()
}
