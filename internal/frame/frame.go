// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package frame implements the outer wire framing for VdS 2465: a
// 4-byte header (key id, payload length) followed by a plaintext or
// AES-CBC encrypted body, always padded to a multiple of 16 bytes and
// at least MinLength.
package frame

import (
	"encoding/binary"

	"github.com/cruunnerr/ha-vds2465-server/internal/cipher"
	"github.com/cruunnerr/ha-vds2465-server/internal/crc"
)

// HeaderLen is the size of the outer (key_id, payload_len) header.
const HeaderLen = 4

// MinLength is the minimum plaintext body length after padding.
const MinLength = 48

// Pad appends 0x00 bytes to data so that the result's length is a
// multiple of 16 and at least MinLength. data is always a prefix of
// the result.
func Pad(data []byte) []byte {
	n := len(data)
	padded := n
	if rem := padded % 16; rem != 0 {
		padded += 16 - rem
	}
	if padded < MinLength {
		padded = MinLength
	}
	out := make([]byte, padded)
	copy(out, data)
	return out
}

// Encode pads body, stamps its CRC-16, optionally AES-CBC encrypts it
// under key when keyID is non-zero, and wraps the result in the outer
// header. body is the plaintext application frame (tc/crc/rc/ik/pk/l
// plus records) built by the link state machine.
func Encode(keyID uint16, key [16]byte, body []byte) ([]byte, error) {
	padded := Pad(body)
	crc.Set(padded)

	wire := padded
	if keyID != 0 {
		ciphertext, err := cipher.Encrypt(key, padded)
		if err != nil {
			return nil, err
		}
		wire = ciphertext
	}

	out := make([]byte, HeaderLen+len(wire))
	binary.BigEndian.PutUint16(out[0:2], keyID)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(wire)))
	copy(out[HeaderLen:], wire)
	return out, nil
}

// ExtractFrame attempts to pull one complete frame off the front of
// buf. It returns the key id, the raw (possibly ciphertext) payload
// bytes (a copy, safe to retain), the unconsumed remainder of buf, and
// whether a complete frame was present. A false return means buf holds
// an incomplete header or body and the caller should wait for more
// data; buf is returned unchanged in that case.
func ExtractFrame(buf []byte) (keyID uint16, payload []byte, rest []byte, ok bool) {
	if len(buf) < HeaderLen {
		return 0, nil, buf, false
	}
	keyID = binary.BigEndian.Uint16(buf[0:2])
	payloadLen := binary.BigEndian.Uint16(buf[2:4])
	total := HeaderLen + int(payloadLen)
	if len(buf) < total {
		return 0, nil, buf, false
	}
	payload = append([]byte(nil), buf[HeaderLen:total]...)
	return keyID, payload, buf[total:], true
}
