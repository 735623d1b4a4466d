//go:build linux

package session_test

import (
	"encoding/binary"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pvnet/hvbackend/api"
	"github.com/pvnet/hvbackend/internal/control"
	"github.com/pvnet/hvbackend/internal/session"
)

func socketpairConns(t *testing.T) (server, client *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	serverFile := os.NewFile(uintptr(fds[0]), "server")
	clientFile := os.NewFile(uintptr(fds[1]), "client")
	sc, err := net.FileConn(serverFile)
	if err != nil {
		t.Fatalf("server fileconn: %v", err)
	}
	cc, err := net.FileConn(clientFile)
	if err != nil {
		t.Fatalf("client fileconn: %v", err)
	}
	serverFile.Close()
	clientFile.Close()
	return sc.(*net.UnixConn), cc.(*net.UnixConn)
}

func TestServeGetFeaturesRoundTrip(t *testing.T) {
	server, client := socketpairConns(t)
	defer client.Close()

	m := session.NewManager(1)
	done := make(chan error, 1)
	go func() { done <- m.Serve(server) }()

	cconn := control.NewConn(client)
	hdr := control.Header{RequestKind: control.ReqGetFeatures}
	if _, _, err := client.WriteMsgUnix(hdr.Marshal(), nil, nil); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := cconn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Header.RequestKind != control.ReqGetFeatures {
		t.Fatalf("unexpected response kind %v", resp.Header.RequestKind)
	}
	if len(resp.Payload) != 8 {
		t.Fatalf("expected 8-byte feature bitmap payload, got %d", len(resp.Payload))
	}
	got := api.FeatureBitmap(binary.LittleEndian.Uint64(resp.Payload))
	if got != 0 {
		t.Fatalf("expected zero features before negotiation, got %x", got)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after client close")
	}
}

func TestServeSetParametersRoundTrip(t *testing.T) {
	server, client := socketpairConns(t)
	defer client.Close()

	m := session.NewManager(1)
	go m.Serve(server)

	cconn := control.NewConn(client)
	payload := control.SetParametersPayload{NumRXQueues: 1, NumTXQueues: 1, NumRXBufs: 256, NumTXBufs: 256}.Marshal()
	hdr := control.Header{RequestKind: control.ReqSetParameters, PayloadSize: uint32(len(payload))}
	if _, _, err := client.WriteMsgUnix(append(hdr.Marshal(), payload...), nil, nil); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := cconn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Header.Flags&control.FlagError != 0 {
		t.Fatalf("expected successful ack, got error flag")
	}
}

func TestServeSetParametersRejectsBadBufCount(t *testing.T) {
	server, client := socketpairConns(t)
	defer client.Close()

	m := session.NewManager(1)
	go m.Serve(server)

	cconn := control.NewConn(client)
	payload := control.SetParametersPayload{NumRXQueues: 1, NumTXQueues: 1, NumRXBufs: 100, NumTXBufs: 256}.Marshal()
	hdr := control.Header{RequestKind: control.ReqSetParameters, PayloadSize: uint32(len(payload))}
	if _, _, err := client.WriteMsgUnix(append(hdr.Marshal(), payload...), nil, nil); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := cconn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Header.Flags&control.FlagError == 0 {
		t.Fatalf("expected error flag for non-power-of-two num_rx_bufs")
	}
}
