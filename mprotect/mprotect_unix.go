//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd
// +build darwin dragonfly freebsd linux openbsd solaris netbsd

package mprotect

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func pageRange(addr uintptr, length uintptr) []byte {
	pageSize := uintptr(unix.Getpagesize())
	start := addr &^ (pageSize - 1)
	end := (addr + length + pageSize - 1) &^ (pageSize - 1)
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
}

// Protect sets prot on every page overlapping [addr, addr+length).
func Protect(addr uintptr, length uintptr, prot int) error {
	if length == 0 {
		return nil
	}
	if err := unix.Mprotect(pageRange(addr, length), prot); err != nil {
		return errors.Wrapf(os.NewSyscallError("mprotect", err), "0x%x-0x%x", addr, addr+length)
	}
	return nil
}

// MakeWritable adds write access to the range while keeping execute access,
// since other threads or other mappings of the same file may still be
// running the code.
func MakeWritable(addr uintptr, length uintptr, orig int) error {
	return Protect(addr, length, orig|unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

// Bracket makes the range writable, runs fn and restores orig, even when fn
// fails. The caller must guarantee that no other thread writes to or changes
// the protection of the range for the whole call.
func Bracket(addr uintptr, length uintptr, orig int, fn func() error) (err error) {
	if err := MakeWritable(addr, length, orig); err != nil {
		return err
	}
	defer func() {
		if rerr := Protect(addr, length, orig); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
