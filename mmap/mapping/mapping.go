package mapping

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Mapping is one row of a process's address-space listing. It is a snapshot:
// the kernel may change the real mapping at any time after it was read.
type Mapping struct {
	StartAddr   uintptr
	EndAddr     uintptr
	ReadPerm    bool
	WritePerm   bool
	ExecutePerm bool
	SharedPerm  bool
	PrivatePerm bool
	Offset      uintptr
	DevMajor    uint32
	DevMinor    uint32
	Inode       uint64
	PathName    string
}

func (m Mapping) Len() uintptr {
	return m.EndAddr - m.StartAddr
}

func (m Mapping) Contains(addr uintptr) bool {
	return addr >= m.StartAddr && addr < m.EndAddr
}

// Prot returns the mapping's permissions as PROT_* bits suitable for mprotect.
func (m Mapping) Prot() int {
	prot := unix.PROT_NONE
	if m.ReadPerm {
		prot |= unix.PROT_READ
	}
	if m.WritePerm {
		prot |= unix.PROT_WRITE
	}
	if m.ExecutePerm {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Perms renders the permission column the way /proc/[pid]/maps does.
func (m Mapping) Perms() string {
	b := []byte("----")
	if m.ReadPerm {
		b[0] = 'r'
	}
	if m.WritePerm {
		b[1] = 'w'
	}
	if m.ExecutePerm {
		b[2] = 'x'
	}
	if m.PrivatePerm {
		b[3] = 'p'
	} else if m.SharedPerm {
		b[3] = 's'
	}
	return string(b)
}

// Pseudo reports whether the mapping is a kernel-provided region such as
// [vdso], [stack] or [heap].
func (m Mapping) Pseudo() bool {
	return len(m.PathName) > 0 && m.PathName[0] == '['
}

func (m Mapping) String() string {
	return fmt.Sprintf("%012x-%012x %s %08x %02x:%02x %d %s",
		m.StartAddr, m.EndAddr, m.Perms(), m.Offset, m.DevMajor, m.DevMinor, m.Inode, m.PathName)
}
