// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package link

import (
	"encoding/binary"
	"time"

	"github.com/cruunnerr/ha-vds2465-server/internal/cipher"
	"github.com/cruunnerr/ha-vds2465-server/internal/crc"
	"github.com/cruunnerr/ha-vds2465-server/internal/frame"
)

// nextTC returns the current transmit counter and advances it,
// wrapping modulo 2^32.
func (c *Conn) nextTC() uint32 {
	tc := c.tc
	c.tc++
	return tc
}

// buildHeader writes the common 13-byte tc/crc-placeholder/rc/ik/pk/l
// prefix shared by every outgoing frame except IK1, which sendIK1
// builds itself with rc 0. Callers pass rc as tc_rec + 1.
func (c *Conn) buildHeader(rc uint32, ik, l byte) []byte {
	buf := make([]byte, 13)
	binary.BigEndian.PutUint32(buf[0:4], c.nextTC())
	binary.BigEndian.PutUint32(buf[6:10], rc)
	buf[10] = ik
	buf[11] = protocolKind
	buf[12] = l
	c.lastSentRC = rc
	return buf
}

func (c *Conn) sendIK1() error {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint32(buf[0:4], c.nextTC())
	binary.BigEndian.PutUint32(buf[6:10], 0)
	buf[10] = ik1
	buf[11] = protocolKind
	buf[12] = 1 // L
	buf[13] = 1 // window
	c.lastSentRC = 0
	return c.transmit(buf)
}

func (c *Conn) sendIK3() {
	buf := c.buildHeader(c.tcRec+1, ik3, 0)
	_ = c.transmit(buf)
}

func (c *Conn) sendIK4FromQueue() {
	payload := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	buf := c.buildHeader(c.tcRec+1, ik4, byte(len(payload)))
	buf = append(buf, payload...)
	_ = c.transmit(buf)
}

func (c *Conn) sendIK5() {
	buf := c.buildHeader(c.tcRec+1, ik5, 0)
	_ = c.transmit(buf)
}

func (c *Conn) sendIK6() {
	buf := c.buildHeader(c.tcRec+1, ik6, 0)
	_ = c.transmit(buf)
}

// transmit pads, CRCs, optionally encrypts and frames plaintext, then
// writes it to the wire and arms the retry timer. Every outbound frame
// reuses c.keyID/c.key, the key_id learned from the peer's last
// received header.
func (c *Conn) transmit(plaintext []byte) error {
	wire, err := frame.Encode(c.keyID, c.key, plaintext)
	if err != nil {
		c.log.Warn("failed to encode outgoing frame", "err", err)
		return err
	}
	c.lastSentFrame = wire
	if err := c.write(wire); err != nil {
		return err
	}
	c.armRetryTimer()
	return nil
}

func (c *Conn) write(wire []byte) error {
	if c.nc == nil {
		return nil
	}
	if _, err := c.nc.Write(wire); err != nil {
		c.log.Warn("write failed", "err", err)
		return err
	}
	return nil
}

func decryptFrame(key [16]byte, ciphertext []byte) ([]byte, error) {
	return cipher.Decrypt(key, ciphertext)
}

func crcVerify(data []byte) bool {
	return crc.Verify(data)
}

func (c *Conn) armRetryTimer() {
	c.cancelRetryTimer()
	deadline := c.pollingInterval + time.Second
	c.retryTimer = time.AfterFunc(deadline, func() {
		select {
		case c.timerCh <- timerRetryExpired:
		default:
		}
	})
}

func (c *Conn) cancelRetryTimer() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Conn) armPollTimer() {
	c.cancelPollTimer()
	c.pollTimer = time.AfterFunc(c.pollingInterval, func() {
		select {
		case c.timerCh <- timerPollExpired:
		default:
		}
	})
}

func (c *Conn) cancelPollTimer() {
	if c.pollTimer != nil {
		c.pollTimer.Stop()
		c.pollTimer = nil
	}
}
