//go:build linux
// +build linux

package mmap

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapper owns every region mapped through this package. Code regions are
// never released once written, since patched code may branch into them for
// the rest of the process lifetime; Munmap is only used to back out of a
// mapping that landed somewhere other than requested.
type mmapper struct {
	sync.Mutex
	active map[*byte][]byte // active mappings; key is last byte in mapping
}

var mapper = &mmapper{
	active: make(map[*byte][]byte),
}

func (m *mmapper) Mmap(addr uintptr, length int, prot int, flags int) (data []byte, err error) {
	if length <= 0 {
		return nil, unix.EINVAL
	}

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(addr), uintptr(length), prot, flags)
	if err != nil {
		return nil, err
	}
	b := unsafe.Slice((*byte)(ptr), length)

	// Register mapping in m and return it.
	p := &b[cap(b)-1]
	m.Lock()
	defer m.Unlock()
	m.active[p] = b
	return b, nil
}

func (m *mmapper) Munmap(data []byte) (err error) {
	if len(data) == 0 || len(data) != cap(data) {
		return unix.EINVAL
	}

	// Find the base of the mapping.
	p := &data[cap(data)-1]
	m.Lock()
	defer m.Unlock()
	b := m.active[p]
	if b == nil || &b[0] != &data[0] {
		return unix.EINVAL
	}

	if err := unix.MunmapPtr(unsafe.Pointer(&b[0]), uintptr(len(b))); err != nil {
		return err
	}
	delete(m.active, p)
	return nil
}

// Active returns the number of regions currently held.
func (m *mmapper) Active() int {
	m.Lock()
	defer m.Unlock()
	return len(m.active)
}
