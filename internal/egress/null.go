//go:build linux
// +build linux

// File: internal/egress/null.go
// Author: momentics <momentics@gmail.com>
//
// Null is an event-only egress port pair: it never moves bytes, but
// wires two eventfds so a worker that polls on notification fds can be
// tested without any data plane at all.

package egress

import (
	"golang.org/x/sys/unix"

	"github.com/pvnet/hvbackend/api"
)

type Null struct {
	sendEventFD int
	recvEventFD int
}

// NewNull creates two non-blocking eventfds: one the caller can signal
// to simulate "ready to send", one for "ready to recv".
func NewNull() (*Null, error) {
	sfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	rfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(sfd)
		return nil, err
	}
	return &Null{sendEventFD: sfd, recvEventFD: rfd}, nil
}

func (n *Null) SendEventFD() int { return n.sendEventFD }
func (n *Null) RecvEventFD() int { return n.recvEventFD }

func (n *Null) Send(iovs [][]byte) (int, bool, error) { return 0, false, nil }
func (n *Null) Recv(iovs [][]byte) (int, bool, error) { return 0, false, nil }
func (n *Null) VNetHdrLen() int                        { return 0 }

func (n *Null) Close() error {
	err1 := unix.Close(n.sendEventFD)
	err2 := unix.Close(n.recvEventFD)
	if err1 != nil {
		return err1
	}
	return err2
}

var _ api.EgressPort = (*Null)(nil)
