//go:build linux
// +build linux

// File: internal/egress/tap.go
// Author: momentics <momentics@gmail.com>
//
// TAP-style egress port: iovec read/write on a raw file descriptor via
// golang.org/x/sys/unix.Readv/Writev, EAGAIN mapped to can_recv/can_send
// instead of being treated as an error.

package egress

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/pvnet/hvbackend/api"
)

// TapPort wraps a raw, already-open, non-blocking file descriptor (a
// TAP device or any other byte-stream fd presenting the same read/write
// contract).
type TapPort struct {
	fd         int
	vnetHdrLen int
}

// NewTapPort takes ownership of fd; the caller must have already set it
// non-blocking (O_NONBLOCK) so Readv/Writev return EAGAIN rather than
// parking the whole worker.
func NewTapPort(fd int, vnetHeaderEnabled bool) *TapPort {
	return &TapPort{fd: fd, vnetHdrLen: vnetHdrLenFor(vnetHeaderEnabled)}
}

func (p *TapPort) Send(iovs [][]byte) (n int, canSend bool, err error) {
	n, err = unix.Writev(p.fd, iovs)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("tap writev: %w", err)
	}
	return n, true, nil
}

func (p *TapPort) Recv(iovs [][]byte) (n int, canRecv bool, err error) {
	n, err = unix.Readv(p.fd, iovs)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("tap readv: %w", err)
	}
	return n, true, nil
}

func (p *TapPort) VNetHdrLen() int { return p.vnetHdrLen }

func (p *TapPort) Close() error {
	return unix.Close(p.fd)
}

var _ api.EgressPort = (*TapPort)(nil)
