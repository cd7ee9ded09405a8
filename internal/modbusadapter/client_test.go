package modbusadapter

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeSlave struct {
	mu        sync.Mutex
	coil      bool
	registers map[uint16]uint16
	reject    bool
}

func (s *fakeSlave) handle(pdu []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc := pdu[0]
	switch fc {
	case 0x01:
		value := byte(0)
		if s.coil {
			value = 1
		}
		return []byte{fc, 1, value}
	case 0x06:
		if s.reject {
			return []byte{fc | 0x80, 0x02}
		}
		address := binary.BigEndian.Uint16(pdu[1:3])
		s.registers[address] = binary.BigEndian.Uint16(pdu[3:5])
		return append([]byte{}, pdu...)
	default:
		return []byte{fc | 0x80, 0x01}
	}
}

func startFakeSlave(t *testing.T, slave *fakeSlave) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveModbus(conn, slave)
		}
	}()
	return ln.Addr().String()
}

func serveModbus(conn net.Conn, slave *fakeSlave) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		pdu := make([]byte, length-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}
		resp := slave.handle(pdu)
		out := make([]byte, 7+len(resp))
		copy(out[0:4], header[0:4])
		binary.BigEndian.PutUint16(out[4:6], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func TestConnReadAndWrite(t *testing.T) {
	slave := &fakeSlave{coil: true, registers: map[uint16]uint16{}}
	addr := startFakeSlave(t, slave)

	dialer := NewDialer(WithTimeout(2 * time.Second))
	conn, err := dialer.Dial(context.Background(), addr, 3)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	state, known, err := conn.ReadCoil(context.Background(), 12)
	if err != nil {
		t.Fatalf("read coil: %v", err)
	}
	if !known || !state {
		t.Fatalf("expected known on state, got state=%v known=%v", state, known)
	}

	ok, err := conn.WriteRegister(context.Background(), 49997, 1)
	if err != nil {
		t.Fatalf("write register: %v", err)
	}
	if !ok {
		t.Fatalf("expected ack")
	}
	slave.mu.Lock()
	got := slave.registers[49997]
	slave.mu.Unlock()
	if got != 1 {
		t.Fatalf("expected register 49997=1, got %d", got)
	}
}

func TestConnWriteRejected(t *testing.T) {
	slave := &fakeSlave{registers: map[uint16]uint16{}, reject: true}
	addr := startFakeSlave(t, slave)

	conn, err := NewDialer().Dial(context.Background(), addr, 1)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ok, err := conn.WriteRegister(context.Background(), 49997, 0)
	if err != nil {
		t.Fatalf("expected exception to be a rejected write, got error %v", err)
	}
	if ok {
		t.Fatalf("expected rejected write")
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	if _, err := NewDialer(WithTimeout(time.Second)).Dial(context.Background(), addr, 1); err == nil {
		t.Fatalf("expected dial error")
	}
	if _, err := NewDialer().Dial(context.Background(), "", 1); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestHostPort(t *testing.T) {
	d := NewDialer(WithPort(1502))
	if got := d.hostPort("10.0.0.5"); got != "10.0.0.5:1502" {
		t.Fatalf("unexpected host port %s", got)
	}
	if got := d.hostPort("10.0.0.5:502"); got != "10.0.0.5:502" {
		t.Fatalf("unexpected host port %s", got)
	}
}
