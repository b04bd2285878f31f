// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package link implements the IK1-IK7 connection state machine: the
// transmit/receive counter discipline, the retry and polling timers,
// and the decision of what to send in response to each received
// information frame. One Conn runs per accepted socket.
package link

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/device"
	"github.com/cruunnerr/ha-vds2465-server/internal/events"
	"github.com/cruunnerr/ha-vds2465-server/internal/frame"
	"github.com/cruunnerr/ha-vds2465-server/internal/metrics"
	"github.com/cruunnerr/ha-vds2465-server/internal/records"
)

// Information kinds (IK), the 1-byte command code at offset 10 of the
// plaintext frame.
const (
	ik1 = 1 // connection request, server -> panel
	ik2 = 2 // connection confirm
	ik3 = 3 // idle poll / acknowledgement
	ik4 = 4 // data-bearing
	ik5 = 5 // positive acknowledgement
	ik6 = 6 // negative acknowledgement
	ik7 = 7 // more-data-available / burst request
)

// protocolKind is the only PK value the server accepts.
const protocolKind = 1

// maxRetries is the number of consecutive retry-timer expirations
// tolerated before the connection is torn down.
const maxRetries = 3

// burstPolls is how many immediate IK3 polls follow an IK7.
const burstPolls = 5

// LivenessNotifier receives notice that a device sent a real test
// message, for the liveness monitor to clear any overdue flag.
type LivenessNotifier interface {
	NoteTest(identity string, at time.Time)
}

// Conn is one connection's IK1-IK7 state machine, bound to a live
// net.Conn for its lifetime.
type Conn struct {
	nc   net.Conn
	peer string

	table    *device.Table
	sink     events.Sink
	liveness LivenessNotifier

	pollingInterval time.Duration

	tc             uint32
	tcRec          uint32
	lastSentRC     uint32
	keyID          uint16
	key            [16]byte
	identity       string
	identitySeen   atomic.Pointer[string]
	sendQueue      [][]byte
	recvBuf        []byte
	lastSentFrame  []byte
	retryCount     int
	burstRemaining int

	retryTimer *time.Timer
	pollTimer  *time.Timer

	readCh   chan readResult
	timerCh  chan timerEvent
	outputCh chan []byte

	log *slog.Logger
}

type readResult struct {
	data []byte
	err  error
}

type timerEvent int

const (
	timerRetryExpired timerEvent = iota
	timerPollExpired
)

// New constructs a Conn bound to nc. pollingInterval configures both
// the poll-timer cadence and the retry-timer deadline
// (pollingInterval + 1s), per the retry/timer controller design.
func New(nc net.Conn, table *device.Table, sink events.Sink, liveness LivenessNotifier, pollingInterval time.Duration) *Conn {
	return &Conn{
		nc:              nc,
		peer:            nc.RemoteAddr().String(),
		table:           table,
		sink:            sink,
		liveness:        liveness,
		pollingInterval: pollingInterval,
		readCh:          make(chan readResult, 1),
		timerCh:         make(chan timerEvent, 2),
		outputCh:        make(chan []byte, 16),
		log:             slog.With("peer", nc.RemoteAddr().String()),
	}
}

// Run drives the connection until ctx is cancelled or the peer
// disconnects. It always closes nc and emits a final disconnected
// event (once) before returning.
func (c *Conn) Run(ctx context.Context) {
	var err error
	c.tc, err = randomUint32()
	if err != nil {
		c.log.Error("failed to seed transmit counter", "err", err)
		c.disconnect()
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer c.disconnect()

	nc := c.nc
	go c.readLoop(nc)

	if err := c.sendIK1(); err != nil {
		c.log.Warn("failed to send IK1", "err", err)
		return
	}
	c.armRetryTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-c.timerCh:
			if c.handleTimerEvent(ev) != nil {
				return
			}

		case payload := <-c.outputCh:
			c.sendQueue = append(c.sendQueue, payload)

		case res := <-c.readCh:
			if res.err != nil {
				if res.err != io.EOF {
					c.log.Info("connection error", "err", res.err)
				}
				return
			}
			c.recvBuf = append(c.recvBuf, res.data...)
			if !c.onData() {
				return
			}
			go c.readLoop(nc)
		}
	}
}

// readLoop performs exactly one blocking read and reports it, so Run
// can multiplex reads against timers without a dedicated reader
// goroutine per iteration outliving the connection. It reads from the
// net.Conn captured at connection start, never from the c.nc field
// directly, so it never races with disconnect() clearing that field.
func (c *Conn) readLoop(nc net.Conn) {
	buf := make([]byte, 4096)
	n, err := nc.Read(buf)
	c.readCh <- readResult{data: buf[:n], err: err}
}

// onData drains as many complete frames as the receive buffer holds.
// It returns false if the connection should be torn down (unknown key
// id or unknown identity).
func (c *Conn) onData() bool {
	for {
		keyID, payload, rest, ok := frame.ExtractFrame(c.recvBuf)
		if !ok {
			return true
		}
		c.recvBuf = rest
		c.keyID = keyID

		plaintext := payload
		if keyID != 0 {
			dev, found := c.table.ByKeyID(keyID)
			if !found {
				c.log.Warn("unknown key id", "key_id", keyID)
				metrics.DisconnectsTotal.WithLabelValues("unknown_key_id").Inc()
				return false
			}
			c.key = dev.Key
			decrypted, err := decryptFrame(c.key, payload)
			if err != nil {
				c.log.Warn("decrypt failed", "err", err)
				continue
			}
			plaintext = decrypted
		}

		if !c.handlePlaintext(plaintext) {
			return false
		}
	}
}

func (c *Conn) handlePlaintext(data []byte) bool {
	if !crcVerify(data) {
		c.log.Warn("CRC mismatch, dropping frame")
		metrics.FramesRejectedTotal.WithLabelValues("crc_mismatch").Inc()
		return true
	}
	if len(data) < 13 {
		return true
	}
	metrics.FramesReceivedTotal.Inc()

	c.tcRec = binary.BigEndian.Uint32(data[0:4])
	ik := data[10]
	pk := data[11]
	l := data[12]

	c.log.Debug("frame received", "tc", c.tcRec, "ik", ik, "pk", pk, "l", l)

	if pk != protocolKind {
		c.log.Warn("unexpected protocol kind", "pk", pk)
		c.sendIK6()
		c.sendIK3()
		return true
	}

	c.retryCount = 0
	c.cancelRetryTimer()

	switch ik {
	case ik1, ik3:
		return c.afterReceive()
	case ik2:
		if len(c.sendQueue) > 0 {
			c.sendIK4FromQueue()
		} else {
			c.sendIK3()
		}
		return true
	case ik4:
		payload := data[13:]
		if int(l) <= len(payload) {
			payload = payload[:l]
		}
		if !c.processPayload(payload) {
			return false
		}
		return c.afterReceive()
	case ik7:
		expectedTC := c.lastSentRC - 1
		if c.tcRec != expectedTC {
			c.log.Debug("IK7 counter correction", "from", c.tcRec, "to", expectedTC)
			c.tcRec = expectedTC
		}
		c.burstRemaining = burstPolls
		c.cancelPollTimer()
		c.sendIK3()
		return true
	default:
		c.sendIK5()
		c.sendIK3()
		return true
	}
}

// afterReceive implements the shared "send IK4 if queued, else go
// idle (subject to burst mode)" transition used by IK1/IK3/IK4
// receipt. IK2 has its own branch in handlePlaintext: an empty send
// queue draws an immediate IK3 rather than arming the poll timer.
func (c *Conn) afterReceive() bool {
	if len(c.sendQueue) > 0 {
		c.sendIK4FromQueue()
		return true
	}
	if c.burstRemaining > 0 {
		c.burstRemaining--
		c.sendIK3()
		return true
	}
	c.armPollTimer()
	return true
}

func (c *Conn) processPayload(payload []byte) bool {
	lookup := func(identity string) bool {
		_, ok := c.table.ByIdentity(identity)
		return ok
	}
	outcome := records.Parse(payload, c.identity, c.keyID, lookup, c.sink)
	if outcome.UnknownIdentity {
		c.log.Warn("unknown identity, disconnecting")
		metrics.DisconnectsTotal.WithLabelValues("unknown_identity").Inc()
		return false
	}
	c.identity = outcome.Identity
	id := c.identity
	c.identitySeen.Store(&id)
	if outcome.SawTest && c.liveness != nil && c.identity != "" {
		c.liveness.NoteTest(c.identity, time.Now())
	}
	c.sendQueue = append(c.sendQueue, outcome.Outgoing...)
	return true
}

// EnqueueOutput queues an output-command record for delivery on the
// connection's next IK4 opportunity. Safe to call from any goroutine;
// a command is silently dropped if the connection has already finished
// (its Run loop is no longer reading outputCh).
func (c *Conn) EnqueueOutput(device, area, address byte, on bool) {
	select {
	case c.outputCh <- records.EncodeOutput(device, area, address, on):
	default:
	}
}

// Identity reports the connection's currently bound identity, or "" if
// none has been established yet. Safe to call from any goroutine: it
// reads an atomically published snapshot rather than the state owned by
// Run's goroutine.
func (c *Conn) Identity() string {
	if p := c.identitySeen.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Conn) handleTimerEvent(ev timerEvent) error {
	switch ev {
	case timerRetryExpired:
		c.retryCount++
		metrics.RetriesTotal.Inc()
		c.log.Debug("retry timer expired", "attempt", c.retryCount)
		if c.retryCount > maxRetries {
			c.log.Warn("retry limit exceeded, disconnecting")
			metrics.DisconnectsTotal.WithLabelValues("retry_exhausted").Inc()
			return fmt.Errorf("link: retry limit exceeded")
		}
		if c.lastSentFrame != nil {
			if err := c.write(c.lastSentFrame); err != nil {
				return err
			}
		}
		c.armRetryTimer()
	case timerPollExpired:
		c.sendIK3()
	}
	return nil
}

func randomUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// disconnect is idempotent: only the first call has any effect.
func (c *Conn) disconnect() {
	if c.nc == nil {
		return
	}
	c.cancelRetryTimer()
	c.cancelPollTimer()
	_ = c.nc.Close()
	identity, keyID := c.identity, c.keyID
	c.nc = nil
	if c.sink != nil {
		c.sink.Emit(events.Event{Type: events.Disconnected, Payload: events.DisconnectedPayload{Identity: identity, KeyID: keyID}})
	}
}
