//go:build !linux

// File: internal/session/dispatch_stub.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux stand-in for the control dispatch's mmap/memfd seam: this
// core's control plane (SCM_RIGHTS fd passing, mmap'd guest memory) is a
// Linux hypervisor-backend concern; other platforms build for test
// compilation only, matching the teacher's affinity_stub.go split.

package session

import "github.com/pvnet/hvbackend/api"

func mapRegionFD(fd int, mmapOffset, size uint64) (base []byte, host []byte, err error) {
	return nil, nil, api.ErrResourceFailure
}

func unmapRegion(base []byte) error { return nil }

func closeFD(fd int) {}

func openProgramFD(ringFamily string) (int, error) {
	return -1, api.ErrResourceFailure
}
