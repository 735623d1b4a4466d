//go:build !linux

// File: internal/engine/signal_stub.go
// Author: momentics <momentics@gmail.com>
//
// Non-Linux build of the irqfd signal: eventfd is a Linux kernel
// primitive, so other platforms build for test compilation only.

package engine

func signalEventFD(fd int) error { return nil }
