//go:build linux

// File: internal/engine/signal_linux.go
// Author: momentics <momentics@gmail.com>
//
// Raises a guest's irqfd by writing the eventfd(2) counter-increment
// value, the same write(2)-of-uint64 protocol the kernel's eventfd
// notification wakeup uses.

package engine

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

func signalEventFD(fd int) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err := unix.Write(fd, buf)
	return err
}
