// File: internal/control/wire.go
// Author: momentics <momentics@gmail.com>
//
// Hypervisor control-socket wire format: a fixed 12-byte header
// (request_kind, flags, payload_size, all LE u32) followed by a
// fixed-size payload per request kind, with SCM_RIGHTS used to pass
// file descriptors for memory regions, kick/irq eventfds and the
// bytecode program handle. Framing follows the same ReadMsgUnix +
// ParseSocketControlMessage shape vhost-user servers use, built here on
// golang.org/x/sys/unix instead of package syscall.

package control

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// RequestKind identifies a control-socket message.
type RequestKind uint32

const (
	ReqGetFeatures RequestKind = iota
	ReqSetFeatures
	ReqSetParameters
	ReqGetPrograms
	ReqSetMemTable
	ReqSetQueueCtx
	ReqSetQueueKick
	ReqSetQueueIRQ
	ReqSetUpgrade
	ReqRXEnable
	ReqTXEnable
	ReqRXDisable
	ReqTXDisable
)

func (k RequestKind) String() string {
	names := [...]string{
		"GET_FEATURES", "SET_FEATURES", "SET_PARAMETERS", "GET_PROGRAMS",
		"SET_MEM_TABLE", "SET_QUEUE_CTX", "SET_QUEUE_KICK", "SET_QUEUE_IRQ",
		"SET_UPGRADE", "RX_ENABLE", "TX_ENABLE", "RX_DISABLE", "TX_DISABLE",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("RequestKind(%d)", uint32(k))
}

// Flag bits within Header.Flags.
const (
	FlagVersionMask = 0xff
	FlagError       = 1 << 31
)

const HeaderSize = 12

// Header is the fixed preamble of every control message.
type Header struct {
	RequestKind RequestKind
	Flags       uint32
	PayloadSize uint32
}

func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.RequestKind))
	binary.LittleEndian.PutUint32(buf[4:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], h.PayloadSize)
	return buf
}

func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("control: short header (%d bytes)", len(buf))
	}
	return Header{
		RequestKind: RequestKind(binary.LittleEndian.Uint32(buf[0:4])),
		Flags:       binary.LittleEndian.Uint32(buf[4:8]),
		PayloadSize: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// MaxMemRegions bounds SET_MEM_TABLE's fixed-size region table.
const MaxMemRegions = 8

// MemRegionDesc is one slot of a SET_MEM_TABLE payload; the matching
// host fd for slot i arrives as the i-th SCM_RIGHTS descriptor.
type MemRegionDesc struct {
	GPAStart   uint64
	Size       uint64
	MmapOffset uint64
}

const memRegionDescSize = 24

// SetMemTablePayload is SET_MEM_TABLE's fixed-size request body.
type SetMemTablePayload struct {
	NumRegions uint32
	Regions    [MaxMemRegions]MemRegionDesc
}

func (p SetMemTablePayload) Marshal() []byte {
	buf := make([]byte, 4+MaxMemRegions*memRegionDescSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.NumRegions)
	off := 4
	for _, r := range p.Regions {
		binary.LittleEndian.PutUint64(buf[off:off+8], r.GPAStart)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], r.Size)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], r.MmapOffset)
		off += memRegionDescSize
	}
	return buf
}

func UnmarshalSetMemTable(buf []byte) (SetMemTablePayload, error) {
	want := 4 + MaxMemRegions*memRegionDescSize
	if len(buf) < want {
		return SetMemTablePayload{}, fmt.Errorf("control: short SET_MEM_TABLE payload (%d, want %d)", len(buf), want)
	}
	var p SetMemTablePayload
	p.NumRegions = binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	for i := range p.Regions {
		p.Regions[i] = MemRegionDesc{
			GPAStart:   binary.LittleEndian.Uint64(buf[off : off+8]),
			Size:       binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			MmapOffset: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
		}
		off += memRegionDescSize
	}
	return p, nil
}

// SetParametersPayload is SET_PARAMETERS's fixed-size request body.
type SetParametersPayload struct {
	NumRXQueues uint32
	NumTXQueues uint32
	NumRXBufs   uint32
	NumTXBufs   uint32
}

const setParametersSize = 16

func (p SetParametersPayload) Marshal() []byte {
	buf := make([]byte, setParametersSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.NumRXQueues)
	binary.LittleEndian.PutUint32(buf[4:8], p.NumTXQueues)
	binary.LittleEndian.PutUint32(buf[8:12], p.NumRXBufs)
	binary.LittleEndian.PutUint32(buf[12:16], p.NumTXBufs)
	return buf
}

func UnmarshalSetParameters(buf []byte) (SetParametersPayload, error) {
	if len(buf) < setParametersSize {
		return SetParametersPayload{}, fmt.Errorf("control: short SET_PARAMETERS payload (%d)", len(buf))
	}
	return SetParametersPayload{
		NumRXQueues: binary.LittleEndian.Uint32(buf[0:4]),
		NumTXQueues: binary.LittleEndian.Uint32(buf[4:8]),
		NumRXBufs:   binary.LittleEndian.Uint32(buf[8:12]),
		NumTXBufs:   binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// QueueDirection distinguishes the queue a SET_QUEUE_* request targets.
type QueueDirection uint32

const (
	QueueDirRX QueueDirection = iota
	QueueDirTX
)

// SetQueueCtxPayload is SET_QUEUE_CTX's fixed-size request body.
// GPA==0 detaches the queue.
type SetQueueCtxPayload struct {
	QueueIdx  uint32
	Direction QueueDirection
	GPA       uint64
}

const setQueueCtxSize = 16

func (p SetQueueCtxPayload) Marshal() []byte {
	buf := make([]byte, setQueueCtxSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.QueueIdx)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Direction))
	binary.LittleEndian.PutUint64(buf[8:16], p.GPA)
	return buf
}

func UnmarshalSetQueueCtx(buf []byte) (SetQueueCtxPayload, error) {
	if len(buf) < setQueueCtxSize {
		return SetQueueCtxPayload{}, fmt.Errorf("control: short SET_QUEUE_CTX payload (%d)", len(buf))
	}
	return SetQueueCtxPayload{
		QueueIdx:  binary.LittleEndian.Uint32(buf[0:4]),
		Direction: QueueDirection(binary.LittleEndian.Uint32(buf[4:8])),
		GPA:       binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// SetQueueFDPayload is the common body of SET_QUEUE_KICK / SET_QUEUE_IRQ
// (the eventfd itself rides as a single SCM_RIGHTS descriptor).
type SetQueueFDPayload struct {
	QueueIdx  uint32
	Direction QueueDirection
}

const setQueueFDSize = 8

func (p SetQueueFDPayload) Marshal() []byte {
	buf := make([]byte, setQueueFDSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.QueueIdx)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Direction))
	return buf
}

func UnmarshalSetQueueFD(buf []byte) (SetQueueFDPayload, error) {
	if len(buf) < setQueueFDSize {
		return SetQueueFDPayload{}, fmt.Errorf("control: short SET_QUEUE_KICK/IRQ payload (%d)", len(buf))
	}
	return SetQueueFDPayload{
		QueueIdx:  binary.LittleEndian.Uint32(buf[0:4]),
		Direction: QueueDirection(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// Message is one fully-read control message: header, raw payload, and
// any file descriptors carried via SCM_RIGHTS.
type Message struct {
	Header  Header
	Payload []byte
	FDs     []int
}

// Conn wraps a control-socket connection, framing messages per the wire
// format above and (de)multiplexing SCM_RIGHTS ancillary data via
// golang.org/x/sys/unix.
type Conn struct {
	uc *net.UnixConn
}

func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

const maxPayload = 4096

// ReadMessage blocks for one complete request: header, payload, and any
// ancillary file descriptors.
func (c *Conn) ReadMessage() (Message, error) {
	hdrBuf := make([]byte, HeaderSize)
	oobBuf := make([]byte, unix.CmsgSpace(4*8)) // up to 8 fds worst case (SET_MEM_TABLE)

	n, oobn, _, _, err := c.uc.ReadMsgUnix(hdrBuf, oobBuf)
	if err != nil {
		return Message{}, err
	}
	if n < HeaderSize {
		return Message{}, fmt.Errorf("control: short header read (%d bytes)", n)
	}
	hdr, err := UnmarshalHeader(hdrBuf)
	if err != nil {
		return Message{}, err
	}
	fds, err := parseFDs(oobBuf[:oobn])
	if err != nil {
		return Message{}, err
	}

	payload := []byte{}
	if hdr.PayloadSize > 0 {
		if hdr.PayloadSize > maxPayload {
			return Message{}, fmt.Errorf("control: oversized payload_size %d exceeds limit %d", hdr.PayloadSize, maxPayload)
		}
		payload = make([]byte, hdr.PayloadSize)
		pn, poobn, _, _, err := c.uc.ReadMsgUnix(payload, oobBuf)
		if err != nil {
			return Message{}, err
		}
		if uint32(pn) < hdr.PayloadSize {
			return Message{}, fmt.Errorf("control: short payload read (%d, want %d)", pn, hdr.PayloadSize)
		}
		moreFDs, err := parseFDs(oobBuf[:poobn])
		if err != nil {
			return Message{}, err
		}
		fds = append(fds, moreFDs...)
	}
	return Message{Header: hdr, Payload: payload, FDs: fds}, nil
}

func parseFDs(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("control: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		f, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("control: parse unix rights: %w", err)
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

// WriteMessage sends a response with an optional payload and SCM_RIGHTS
// file descriptors (e.g. GET_PROGRAMS' bytecode fd).
func (c *Conn) WriteMessage(kind RequestKind, flags uint32, payload []byte, fds []int) error {
	hdr := Header{RequestKind: kind, Flags: flags, PayloadSize: uint32(len(payload))}
	buf := append(hdr.Marshal(), payload...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	return err
}

// WriteError sends an empty response with the error flag set, matching
// the header's documented high-bit error-response convention.
func (c *Conn) WriteError(kind RequestKind, cause error) error {
	_ = cause
	return c.WriteMessage(kind, FlagError, nil, nil)
}

func (c *Conn) Close() error {
	return c.uc.Close()
}
