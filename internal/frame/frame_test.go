// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package frame

import (
	"bytes"
	"testing"

	"github.com/cruunnerr/ha-vds2465-server/internal/crc"
)

func TestPadMultipleOf16AndMinimum(t *testing.T) {
	cases := [][]byte{
		make([]byte, 0),
		make([]byte, 1),
		make([]byte, 14),
		make([]byte, 16),
		make([]byte, 47),
		make([]byte, 48),
		make([]byte, 49),
		make([]byte, 63),
	}
	for _, data := range cases {
		padded := Pad(data)
		if len(padded)%16 != 0 {
			t.Fatalf("Pad(%d bytes) -> %d bytes not a multiple of 16", len(data), len(padded))
		}
		if len(padded) < MinLength {
			t.Fatalf("Pad(%d bytes) -> %d bytes below MinLength", len(data), len(padded))
		}
		if !bytes.Equal(padded[:len(data)], data) {
			t.Fatalf("Pad must preserve data as a prefix")
		}
		for _, b := range padded[len(data):] {
			if b != 0 {
				t.Fatalf("padding bytes must be zero, got %x", padded[len(data):])
			}
		}
	}
}

func TestEncodeUnencryptedRoundTrip(t *testing.T) {
	body := make([]byte, 14)
	body[10], body[11], body[12], body[13] = 1, 1, 1, 1

	out, err := Encode(0, [16]byte{}, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	keyID, payload, rest, ok := ExtractFrame(out)
	if !ok {
		t.Fatalf("expected a complete frame")
	}
	if keyID != 0 {
		t.Fatalf("expected key id 0, got %d", keyID)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no remainder, got %d bytes", len(rest))
	}
	if len(payload) != MinLength {
		t.Fatalf("expected %d byte payload, got %d", MinLength, len(payload))
	}
	if !crc.Verify(payload) {
		t.Fatalf("expected embedded CRC to verify")
	}
}

func TestExtractFrameWaitsForCompleteData(t *testing.T) {
	if _, _, _, ok := ExtractFrame([]byte{0, 0, 0}); ok {
		t.Fatalf("header-only short buffer should not extract")
	}
	if _, _, _, ok := ExtractFrame([]byte{0, 0, 0, 48}); ok {
		t.Fatalf("header announcing 48 bytes with none present should not extract")
	}
}

func TestExtractFrameDrainsCoalescedFrames(t *testing.T) {
	body := make([]byte, 14)
	frameA, _ := Encode(0, [16]byte{}, body)
	frameB, _ := Encode(0, [16]byte{}, body)
	buf := append(append([]byte{}, frameA...), frameB...)

	_, _, rest, ok := ExtractFrame(buf)
	if !ok {
		t.Fatalf("expected first frame to extract")
	}
	_, _, rest, ok = ExtractFrame(rest)
	if !ok {
		t.Fatalf("expected second frame to extract")
	}
	if len(rest) != 0 {
		t.Fatalf("expected buffer fully drained, got %d bytes left", len(rest))
	}
}

func TestEncodeEncryptedRoundTrip(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	body := make([]byte, 20)
	out, err := Encode(7, key, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	keyID, payload, _, ok := ExtractFrame(out)
	if !ok || keyID != 7 {
		t.Fatalf("expected key id 7, got %d ok=%v", keyID, ok)
	}
	if len(payload)%16 != 0 {
		t.Fatalf("encrypted payload must stay block aligned")
	}
}
