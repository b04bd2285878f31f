// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package crc implements the VdS 2465 CRC-16 variant: a 16-bit
// end-around-carry sum of big-endian word pairs, one's complemented,
// with the 2-byte CRC field itself excluded from the sum.
package crc

// FieldOffset is the byte offset of the embedded CRC-16 word within a
// VdS frame buffer.
const FieldOffset = 4

// compute walks data two bytes at a time as big-endian 16-bit words,
// accumulating an end-around-carry sum while skipping the word at
// FieldOffset, and returns the one's-complemented result alongside the
// word that was actually stored at FieldOffset.
func compute(data []byte) (calculated uint16, embedded uint16) {
	var acc uint32
	n := len(data)
	for pos := 0; pos < n; pos += 2 {
		word := uint32(data[pos]) << 8
		if pos+1 < n {
			word |= uint32(data[pos+1])
		}
		if pos == FieldOffset {
			embedded = uint16(word)
			continue
		}
		acc += word
		if acc > 0xffff {
			acc &= 0xffff
			acc++
		}
	}
	calculated = ^uint16(acc)
	return calculated, embedded
}

// Verify reports whether the CRC-16 word stored at FieldOffset matches
// the checksum computed over the rest of data. Buffers shorter than 6
// bytes never verify.
func Verify(data []byte) bool {
	if len(data) < FieldOffset+2 {
		return false
	}
	calculated, embedded := compute(data)
	return calculated == embedded
}

// Set computes the CRC-16 over data and writes it big-endian into
// data[FieldOffset:FieldOffset+2], overwriting whatever was there.
// data must be at least FieldOffset+2 bytes.
func Set(data []byte) {
	calculated, _ := compute(data)
	data[FieldOffset] = byte(calculated >> 8)
	data[FieldOffset+1] = byte(calculated)
}
