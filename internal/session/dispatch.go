// File: internal/session/dispatch.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Routes one control-socket connection's messages to a GuestSession,
// mirroring the vhost-user server's one-goroutine-per-connection
// request loop: read a message, mutate state, write the response or an
// error-flagged ack. mmap/munmap/close/memfd specifics live behind the
// small mapRegionFD/unmapRegion/closeFD/openProgramFD seam
// (dispatch_linux.go / dispatch_stub.go) since they are
// inherently OS-specific, the same split the teacher uses for affinity.

package session

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/gpa"
	"github.com/pvnet/hvbackend/internal/ring"
)

// Serve owns one guest's control-socket connection for its lifetime: it
// allocates a session, dispatches every message on the connection to it,
// and tears the session down when the connection closes.
func (m *Manager) Serve(uc *net.UnixConn) error {
	conn := control.NewConn(uc)
	defer conn.Close()

	sess, err := m.Create()
	if err != nil {
		return fmt.Errorf("session: serve: %w", err)
	}
	defer func() {
		sess.closeFDs()
		m.Delete(sess.ID())
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := sess.handle(conn, msg); err != nil {
			log.Printf("session: guest %d: %s: %v", sess.ID(), msg.Header.RequestKind, err)
			if werr := conn.WriteError(msg.Header.RequestKind, err); werr != nil {
				return werr
			}
		}
	}
}

// handle applies one decoded message to the session and writes its
// response, per the request kinds enumerated in the external interfaces
// section: protocol violations and resource failures are reported via
// the error-flagged ack and leave session state unchanged, never abort
// the connection.
func (s *GuestSession) handle(conn *control.Conn, msg control.Message) error {
	switch msg.Header.RequestKind {
	case control.ReqGetFeatures:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(s.Features()))
		return conn.WriteMessage(msg.Header.RequestKind, 0, buf, nil)

	case control.ReqSetFeatures:
		if len(msg.Payload) < 8 {
			return fmt.Errorf("session: SET_FEATURES short payload (%d)", len(msg.Payload))
		}
		requested := binary.LittleEndian.Uint64(msg.Payload)
		negotiated := s.SetFeatures(api.FeatureBitmap(requested))
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(negotiated))
		return conn.WriteMessage(msg.Header.RequestKind, 0, buf, nil)

	case control.ReqSetParameters:
		p, err := control.UnmarshalSetParameters(msg.Payload)
		if err != nil {
			return err
		}
		if err := s.SetParameters(p.NumRXQueues, p.NumTXQueues, p.NumRXBufs, p.NumTXBufs); err != nil {
			return err
		}
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)

	case control.ReqGetPrograms:
		fd, err := openProgramFD(s.ringFamilyName())
		if err != nil {
			return err
		}
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, []int{fd})

	case control.ReqSetMemTable:
		return s.handleSetMemTable(conn, msg)

	case control.ReqSetQueueCtx:
		p, err := control.UnmarshalSetQueueCtx(msg.Payload)
		if err != nil {
			return err
		}
		var mem []byte
		var numSlots uint32
		if p.GPA != 0 {
			mem, numSlots, err = s.resolveQueueRegion(p)
			if err != nil {
				return err
			}
		}
		if err := s.SetQueueCtx(p.QueueIdx, p.Direction, p.GPA, mem, numSlots); err != nil {
			return err
		}
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)

	case control.ReqSetQueueKick, control.ReqSetQueueIRQ:
		p, err := control.UnmarshalSetQueueFD(msg.Payload)
		if err != nil {
			return err
		}
		if len(msg.FDs) < 1 {
			return fmt.Errorf("session: %s missing SCM_RIGHTS eventfd", msg.Header.RequestKind)
		}
		isKick := msg.Header.RequestKind == control.ReqSetQueueKick
		if err := s.SetQueueFD(p.QueueIdx, p.Direction, isKick, msg.FDs[0]); err != nil {
			return err
		}
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)

	case control.ReqSetUpgrade:
		if len(msg.FDs) < 1 {
			return fmt.Errorf("session: SET_UPGRADE missing SCM_RIGHTS eventfd")
		}
		s.SetUpgradeFD(msg.FDs[0])
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)

	case control.ReqRXEnable:
		s.EnableRX()
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)
	case control.ReqTXEnable:
		s.EnableTX()
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)
	case control.ReqRXDisable:
		s.DisableRX()
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)
	case control.ReqTXDisable:
		s.DisableTX()
		return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)

	default:
		return fmt.Errorf("session: unknown request kind %d", uint32(msg.Header.RequestKind))
	}
}

func (s *GuestSession) ringFamilyName() string {
	if s.Features().Has(api.FeatureRingPacked) {
		return "packed"
	}
	return "sring"
}

// directionFor maps the control-socket's QueueDirection onto the ring
// package's Direction, the two enums kept deliberately separate since
// they belong to different layers (wire request vs. transport role).
func directionFor(d control.QueueDirection) ring.Direction {
	if d == control.QueueDirRX {
		return ring.DirRX
	}
	return ring.DirTX
}

// handleSetMemTable mmaps each region's fd at offset 0 for
// mmap_offset+size bytes, as spec.md §6 requires, and installs the
// resulting host slices into the memory table. A previous table's
// regions are only unmapped once the new table has installed
// successfully, per spec.md §6's "previous table is unmapped" rule.
func (s *GuestSession) handleSetMemTable(conn *control.Conn, msg control.Message) error {
	p, err := control.UnmarshalSetMemTable(msg.Payload)
	if err != nil {
		return err
	}
	if int(p.NumRegions) > len(msg.FDs) {
		return fmt.Errorf("session: SET_MEM_TABLE declares %d regions but only %d fds arrived", p.NumRegions, len(msg.FDs))
	}
	regions := make([]gpa.Region, 0, p.NumRegions)
	bases := make([][]byte, 0, p.NumRegions)
	for i := uint32(0); i < p.NumRegions; i++ {
		d := p.Regions[i]
		base, host, err := mapRegionFD(msg.FDs[i], d.MmapOffset, d.Size)
		if err != nil {
			for _, b := range bases {
				unmapRegion(b)
			}
			return fmt.Errorf("session: mmap region %d: %w", i, err)
		}
		bases = append(bases, base)
		regions = append(regions, gpa.Region{
			GPAStart:   d.GPAStart,
			GPAEnd:     d.GPAStart + d.Size,
			Host:       host,
			MMapOffset: d.MmapOffset,
		})
	}
	if err := s.InstallMemTable(regions); err != nil {
		for _, b := range bases {
			unmapRegion(b)
		}
		return err
	}
	for _, old := range s.swapMappedBases(bases) {
		unmapRegion(old)
	}
	return conn.WriteMessage(msg.Header.RequestKind, 0, nil, nil)
}

// resolveQueueRegion translates p.GPA against the installed memory
// table to find the host slice backing the queue's descriptor ring, and
// derives numSlots from the direction's negotiated buffer count.
func (s *GuestSession) resolveQueueRegion(p control.SetQueueCtxPayload) ([]byte, uint32, error) {
	numSlots := s.numRXBufs
	if p.Direction == control.QueueDirTX {
		numSlots = s.numTXBufs
	}
	probe := s.newTransport(directionFor(p.Direction))
	size := probe.Size(numSlots)
	host, ok := s.MemTable().Translate(p.GPA, uint32(size))
	if !ok {
		return nil, 0, fmt.Errorf("session: queue gpa %#x/%d does not resolve under memory table", p.GPA, size)
	}
	return host, numSlots, nil
}

// closeFDs releases kick/irq/upgrade eventfds and unmaps the session's
// current memory table on teardown.
func (s *GuestSession) closeFDs() {
	for _, base := range s.takeMappedBases() {
		unmapRegion(base)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rxQueues {
		closeFD(s.rxQueues[i].kickFD)
		closeFD(s.rxQueues[i].irqFD)
	}
	for i := range s.txQueues {
		closeFD(s.txQueues[i].kickFD)
		closeFD(s.txQueues[i].irqFD)
	}
	closeFD(s.upgradeFD)
}
