//go:build freebsd || linux || netbsd
// +build freebsd linux netbsd

package mmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/mmap/mapping"
)

// Self selects the calling process in ReadProcMaps and ExecutablePath.
const Self = -1

func procPath(pid int, name string) string {
	if pid == Self {
		return "/proc/self/" + name
	}
	return fmt.Sprintf("/proc/%d/%s", pid, name)
}

// ReadProcMaps returns at most capacity mappings of the given process, in
// address order. A capacity of zero means no limit. A truncated result is not
// an error; callers must treat it as partial coverage.
func ReadProcMaps(pid int, capacity int) ([]mapping.Mapping, error) {
	path := procPath(pid, "maps")
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open '%s'", path)
	}
	defer f.Close()
	mappings, err := ParseMaps(f, capacity)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read '%s'", path)
	}
	return mappings, nil
}

// ExecutablePath resolves the executable image of the given process.
func ExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(procPath(pid, "exe"))
	if err != nil {
		return "", errors.Wrap(err, "readlink")
	}
	return path, nil
}

func getCurrentProcMaps() ([]mapping.Mapping, error) {
	return ReadProcMaps(Self, 0)
}

// ParseMaps reads a /proc/[pid]/maps formatted listing.
// Based on format of /proc/[pid]/maps from https://man7.org/linux/man-pages/man5/proc.5.html
// Malformed lines are skipped, only read errors are returned.
func ParseMaps(r io.Reader, capacity int) ([]mapping.Mapping, error) {
	var mappings []mapping.Mapping
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for i := 1; scanner.Scan(); i++ {
		if capacity > 0 && len(mappings) >= capacity {
			break
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			log.WithError(err).Debugf("skipping line %d of maps listing", i)
			continue
		}
		mappings = append(mappings, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}

func parseMapsLine(line string) (mapping.Mapping, error) {
	var m mapping.Mapping
	mmapFields := strings.Fields(line)
	if len(mmapFields) < 5 {
		return m, errors.Errorf("got %d fields (expected at least 5): %s", len(mmapFields), line)
	}
	addrRange := strings.Split(mmapFields[0], "-")
	if len(addrRange) != 2 {
		return m, errors.Errorf("got %d fields for address range (expected 2): %s", len(addrRange), line)
	}
	startAddr, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse start address (%s)", addrRange[0])
	}
	endAddr, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse end address (%s)", addrRange[1])
	}
	if endAddr < startAddr {
		return m, errors.Errorf("end address 0x%x below start address 0x%x", endAddr, startAddr)
	}
	m.StartAddr = uintptr(startAddr)
	m.EndAddr = uintptr(endAddr)
	perms := mmapFields[1]
	if len(perms) != 4 {
		return m, errors.Errorf("got permission string '%s' of length %d (expected 4)", perms, len(perms))
	}
	for _, char := range perms {
		switch char {
		case 'r':
			m.ReadPerm = true
		case 'w':
			m.WritePerm = true
		case 'x':
			m.ExecutePerm = true
		case 's':
			m.SharedPerm = true
		case 'p':
			m.PrivatePerm = true
		case '-':
		default:
			return m, errors.Errorf("got an unexpected permission bit '%c' in perms '%s'", char, perms)
		}
	}
	offset, err := strconv.ParseUint(mmapFields[2], 16, 64)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse file offset (%s)", mmapFields[2])
	}
	m.Offset = uintptr(offset)
	dev := strings.Split(mmapFields[3], ":")
	if len(dev) != 2 {
		return m, errors.Errorf("got device '%s' (expected major:minor)", mmapFields[3])
	}
	major, err := strconv.ParseUint(dev[0], 16, 32)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse device major (%s)", dev[0])
	}
	minor, err := strconv.ParseUint(dev[1], 16, 32)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse device minor (%s)", dev[1])
	}
	m.DevMajor = uint32(major)
	m.DevMinor = uint32(minor)
	inode, err := strconv.ParseUint(mmapFields[4], 10, 64)
	if err != nil {
		return m, errors.Wrapf(err, "failed to parse inode (%s)", mmapFields[4])
	}
	m.Inode = inode
	if len(mmapFields) > 5 {
		// Paths may contain spaces, and deleted files carry a " (deleted)" suffix.
		m.PathName = strings.Join(mmapFields[5:], " ")
	}
	return m, nil
}
