//go:build linux

// File: internal/session/dispatch_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux implementations of the control dispatch's platform seam: mmap
// for SET_MEM_TABLE regions, and a memfd standing in for the "on-disk
// bytecode object" GET_PROGRAMS hands back (the real BPF program
// compile/load step is the guest driver's concern, outside this core).

package session

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegionFD mmaps fd for mmapOffset+size bytes and returns both the
// real mmap base (needed later to munmap the region) and the
// offset-applied slice the memory table should translate against.
func mapRegionFD(fd int, mmapOffset, size uint64) (base []byte, host []byte, err error) {
	total := mmapOffset + size
	if total == 0 {
		return nil, nil, fmt.Errorf("session: degenerate mmap request (offset=%d size=%d)", mmapOffset, size)
	}
	base, err = unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, err
	}
	return base, base[mmapOffset:], nil
}

// unmapRegion releases a region by its mmap base, never the
// offset-applied slice handed out for translation.
func unmapRegion(base []byte) error {
	if base == nil {
		return nil
	}
	return unix.Munmap(base)
}

func closeFD(fd int) {
	if fd > 0 {
		_ = unix.Close(fd)
	}
}

// openProgramFD returns an anonymous, guest-shareable fd naming the
// negotiated ring family, in lieu of a real compiled bytecode object
// (the guest driver / BPF toolchain are external collaborators).
func openProgramFD(ringFamily string) (int, error) {
	fd, err := unix.MemfdCreate("hvbackend-program", 0)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, int64(len(ringFamily))); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if _, err := unix.Pwrite(fd, []byte(ringFamily), 0); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
