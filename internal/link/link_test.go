// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package link

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/crc"
	"github.com/cruunnerr/ha-vds2465-server/internal/device"
	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/frame"
)

type capturingSink struct {
	events []events.Event
}

func (s *capturingSink) Emit(e events.Event) { s.events = append(s.events, e) }

func emptyTable(t *testing.T) *device.Table {
	t.Helper()
	table, err := device.NewTable(nil)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return table
}

// readFrame reads one complete wire frame from conn, blocking until the
// header and body have both arrived.
func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	header := make([]byte, frame.HeaderLen)
	if _, err := ioReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	bodyLen := binary.BigEndian.Uint16(header[2:4])
	body := make([]byte, bodyLen)
	if _, err := ioReadFull(conn, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return append(header, body...)
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// plaintextOf strips a frame's 4-byte outer header, returning its
// (unencrypted, since these tests use key id 0) plaintext body.
func plaintextOf(wire []byte) []byte {
	return wire[frame.HeaderLen:]
}

func buildFrame(tb *testing.T, tc, rc uint32, ik byte, l byte, extra []byte) []byte {
	tb.Helper()
	body := make([]byte, 13+len(extra))
	binary.BigEndian.PutUint32(body[0:4], tc)
	binary.BigEndian.PutUint32(body[6:10], rc)
	body[10] = ik
	body[11] = protocolKind
	body[12] = l
	copy(body[13:], extra)
	padded := frame.Pad(body)
	crc.Set(padded)
	wire := make([]byte, frame.HeaderLen+len(padded))
	binary.BigEndian.PutUint16(wire[2:4], uint16(len(padded)))
	copy(wire[frame.HeaderLen:], padded)
	return wire
}

// TestHandshakeAndPoll drives the connection-establishment handshake:
// the server opens with an unencrypted IK1, an IK2 reply from the panel
// with nothing queued draws an immediate IK3, and a further panel poll
// with the server still idle draws no reply (it only arms its poll
// timer).
func TestHandshakeAndPoll(t *testing.T) {
	serverSide, panelSide := net.Pipe()
	defer serverSide.Close()
	defer panelSide.Close()

	sink := &capturingSink{}
	c := New(serverSide, emptyTable(t), sink, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	ik1 := plaintextOf(readFrame(t, panelSide))
	if ik1[10] != ik1Byte() {
		t.Fatalf("expected IK1, got ik=%d", ik1[10])
	}
	if ik1[12] != 1 {
		t.Fatalf("expected L=1 window byte, got %d", ik1[12])
	}
	tcSent := binary.BigEndian.Uint32(ik1[0:4])

	// Panel replies IK2, echoing the server's tc as rc.
	if _, err := panelSide.Write(buildFrame(t, 100, tcSent+1, ik2, 0, nil)); err != nil {
		t.Fatalf("write IK2: %v", err)
	}

	// Server has nothing queued, but IK2 always draws an immediate IK3.
	ik3Reply := plaintextOf(readFrame(t, panelSide))
	if ik3Reply[10] != ik3 {
		t.Fatalf("expected immediate IK3 after IK2, got ik=%d", ik3Reply[10])
	}
	tcRec := binary.BigEndian.Uint32(ik3Reply[0:4])

	// Panel then polls with IK3; server still has nothing queued, so it
	// must not answer with another frame (it only arms its poll timer).
	if _, err := panelSide.Write(buildFrame(t, 101, tcRec+1, ik3, 0, nil)); err != nil {
		t.Fatalf("write IK3: %v", err)
	}

	cancel()
	<-done
}

func ik1Byte() byte { return ik1 }

// TestRetryExhaustionDisconnects covers the case where the panel never
// answers the server's IK1, so the retry timer fires repeatedly; the
// first maxRetries expirations each resend the IK1 frame, and the next
// expiration tears the connection down.
func TestRetryExhaustionDisconnects(t *testing.T) {
	serverSide, panelSide := net.Pipe()
	defer panelSide.Close()

	sink := &capturingSink{}
	c := New(serverSide, emptyTable(t), sink, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	first := readFrame(t, panelSide)
	for i := 0; i < maxRetries; i++ {
		retry := readFrame(t, panelSide)
		if string(retry) != string(first) {
			t.Fatalf("retry %d did not resend the original IK1 frame", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection did not terminate after retry exhaustion")
	}

	var sawDisconnect bool
	for _, e := range sink.events {
		if e.Type == events.Disconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected a disconnected event, got %+v", sink.events)
	}
}

// TestBurstModeAfterIK7 covers the case where an IK7 from the panel puts
// the connection into burst mode, during which the server answers every
// subsequent poll immediately (no poll-timer wait) for burstPolls polls,
// then reverts to idle.
func TestBurstModeAfterIK7(t *testing.T) {
	serverSide, panelSide := net.Pipe()
	defer serverSide.Close()
	defer panelSide.Close()

	sink := &capturingSink{}
	c := New(serverSide, emptyTable(t), sink, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	ik1 := plaintextOf(readFrame(t, panelSide))
	tcSent := binary.BigEndian.Uint32(ik1[0:4])

	if _, err := panelSide.Write(buildFrame(t, 200, tcSent+1, ik2, 0, nil)); err != nil {
		t.Fatalf("write IK2: %v", err)
	}
	// IK2 with nothing queued draws an immediate IK3; read it so the
	// server's write completes before the panel writes again.
	readFrame(t, panelSide)

	// Panel sends IK7 with a deliberately wrong tc to exercise the
	// counter-correction path, then polls burstPolls+1 times; the first
	// burstPolls polls must each draw an immediate IK3 reply.
	if _, err := panelSide.Write(buildFrame(t, 9999, tcSent+2, ik7, 0, nil)); err != nil {
		t.Fatalf("write IK7: %v", err)
	}
	burstReply := plaintextOf(readFrame(t, panelSide))
	if burstReply[10] != ik3 {
		t.Fatalf("expected immediate IK3 after IK7, got ik=%d", burstReply[10])
	}

	for i := 0; i <= burstPolls; i++ {
		tcRec := binary.BigEndian.Uint32(burstReply[0:4])
		if _, err := panelSide.Write(buildFrame(t, 300+uint32(i), tcRec+1, ik3, 0, nil)); err != nil {
			t.Fatalf("write poll %d: %v", i, err)
		}
		if i < burstPolls {
			burstReply = plaintextOf(readFrame(t, panelSide))
			if burstReply[10] != ik3 {
				t.Fatalf("expected burst IK3 reply %d, got ik=%d", i, burstReply[10])
			}
		}
	}

	cancel()
	<-done
}

// TestOutputCommandRidesNextIK4 exercises output-command injection: a
// command enqueued via EnqueueOutput is sent as an IK4 the next time the
// panel polls.
func TestOutputCommandRidesNextIK4(t *testing.T) {
	serverSide, panelSide := net.Pipe()
	defer serverSide.Close()
	defer panelSide.Close()

	sink := &capturingSink{}
	c := New(serverSide, emptyTable(t), sink, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	ik1 := plaintextOf(readFrame(t, panelSide))
	tcSent := binary.BigEndian.Uint32(ik1[0:4])

	if _, err := panelSide.Write(buildFrame(t, 400, tcSent+1, ik2, 0, nil)); err != nil {
		t.Fatalf("write IK2: %v", err)
	}
	// Read the immediate IK3 that IK2 draws while the queue is empty.
	readFrame(t, panelSide)

	c.EnqueueOutput(1, 1, 5, true)

	if _, err := panelSide.Write(buildFrame(t, 401, tcSent+2, ik3, 0, nil)); err != nil {
		t.Fatalf("write poll: %v", err)
	}

	reply := plaintextOf(readFrame(t, panelSide))
	if reply[10] != ik4 {
		t.Fatalf("expected IK4 carrying the queued output command, got ik=%d", reply[10])
	}
	l := reply[12]
	if l == 0 {
		t.Fatalf("expected a non-empty IK4 payload")
	}

	cancel()
	<-done
}
