// internal/writer/ingest/client_test.go
package ingest

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// serveOnce accepts one connection, captures the packet and answers with resp.
func serveOnce(t *testing.T, resp byte, want int) (string, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, want)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		got <- buf
		_, _ = conn.Write([]byte{resp})
	}()
	return ln.Addr().String(), got
}

func TestBuildPacketV1(t *testing.T) {
	pkt := buildPacketV1(areaRegisters, 9, 0x0102, 2, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	if len(pkt) != headerLen+4 {
		t.Fatalf("unexpected length %d", len(pkt))
	}
	if pkt[0] != 'R' || pkt[1] != 'I' || pkt[2] != versionV1 || pkt[3] != areaRegisters {
		t.Fatalf("bad header prefix % x", pkt[:4])
	}
	if binary.BigEndian.Uint16(pkt[4:6]) != 9 || binary.BigEndian.Uint16(pkt[6:8]) != 0x0102 || binary.BigEndian.Uint16(pkt[8:10]) != 2 {
		t.Fatalf("bad header fields % x", pkt[4:10])
	}
}

func TestWriteRegisters(t *testing.T) {
	addr, got := serveOnce(t, respOK, headerLen+4)
	c, err := NewEndpointClient(Config{Endpoint: addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := c.WriteRegisters(3, 40, []uint16{0x0102, 0x0304}); err != nil {
		t.Fatalf("write: %v", err)
	}

	pkt := <-got
	if binary.BigEndian.Uint16(pkt[6:8]) != 40 {
		t.Fatalf("address not encoded: % x", pkt)
	}
	if pkt[10] != 0x01 || pkt[11] != 0x02 || pkt[12] != 0x03 || pkt[13] != 0x04 {
		t.Fatalf("registers not big-endian: % x", pkt[10:])
	}
}

func TestWriteRegistersRejected(t *testing.T) {
	addr, _ := serveOnce(t, respRejected, headerLen+2)
	c, _ := NewEndpointClient(Config{Endpoint: addr, Timeout: time.Second})

	if err := c.WriteRegisters(1, 0, []uint16{1}); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestNewEndpointClientRequiresEndpoint(t *testing.T) {
	if _, err := NewEndpointClient(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
