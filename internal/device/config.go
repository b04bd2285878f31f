// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package device holds the static table of alarm transmission devices
// the server is configured to accept connections from: their VdS
// identity numbers, pre-shared AES keys, liveness interval and output
// command defaults.
package device

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Config is one configured device, as loaded from the server's
// configuration file.
type Config struct {
	// Identity is the device's VdS Identnummer, the decimal digit
	// string decoded from the packed-decimal identity record.
	Identity string `mapstructure:"identity"`

	// KeyID selects the pre-shared key slot this device uses on the
	// wire header. 0 means the device connects unencrypted, in which
	// case Key is ignored.
	KeyID uint16 `mapstructure:"key_id"`

	// KeyHex is the 32-hex-character (16-byte) AES key as loaded from
	// configuration.
	KeyHex string `mapstructure:"key"`

	// Key is KeyHex decoded, populated by NewTable.
	Key [16]byte `mapstructure:"-"`

	// TestInterval is the expected cadence of test messages (type
	// 0x40) from this device; zero disables liveness monitoring for
	// it.
	TestInterval time.Duration `mapstructure:"test_interval"`

	// DefaultDevice and DefaultArea are the device/area ordinals used
	// when an output command does not specify its own.
	DefaultDevice byte `mapstructure:"default_device"`
	DefaultArea   byte `mapstructure:"default_area"`

	// Label is an optional human-readable name surfaced in logs; it
	// does not appear on the wire.
	Label string `mapstructure:"label"`
}

// ParseKey decodes a hex-encoded 16-byte AES key.
func ParseKey(s string) ([16]byte, error) {
	var key [16]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("device: invalid key hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("device: key must be %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Table is the immutable, concurrency-safe lookup of configured
// devices, indexed by identity and by key id. A Table is built once at
// server start by NewTable and never mutated afterwards, so it needs
// no internal locking.
type Table struct {
	byIdentity map[string]Config
	byKeyID    map[uint16]Config
}

// NewTable builds a Table from configuration, validating that every
// non-zero key decodes and that no two devices share an identity or a
// non-zero key id.
func NewTable(configs []Config) (*Table, error) {
	byIdentity := make(map[string]Config, len(configs))
	byKeyID := make(map[uint16]Config, len(configs))
	for _, c := range configs {
		if c.Identity == "" {
			return nil, fmt.Errorf("device: empty identity in configuration")
		}
		if _, dup := byIdentity[c.Identity]; dup {
			return nil, fmt.Errorf("device: duplicate identity %q", c.Identity)
		}
		if c.KeyID != 0 {
			key, err := ParseKey(c.KeyHex)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", c.Identity, err)
			}
			c.Key = key
			if _, dup := byKeyID[c.KeyID]; dup {
				return nil, fmt.Errorf("device: duplicate key id %d", c.KeyID)
			}
			byKeyID[c.KeyID] = c
		}
		byIdentity[c.Identity] = c
	}
	return &Table{byIdentity: byIdentity, byKeyID: byKeyID}, nil
}

// ByIdentity reports the configured device for identity, if any.
func (t *Table) ByIdentity(identity string) (Config, bool) {
	c, ok := t.byIdentity[identity]
	return c, ok
}

// ByKeyID reports the configured device expecting keyID, if any. keyID
// 0 never resolves: an unencrypted channel carries no device binding
// until an identity record is parsed.
func (t *Table) ByKeyID(keyID uint16) (Config, bool) {
	if keyID == 0 {
		return Config{}, false
	}
	c, ok := t.byKeyID[keyID]
	return c, ok
}

// All returns every configured device, in no particular order.
func (t *Table) All() []Config {
	out := make([]Config, 0, len(t.byIdentity))
	for _, c := range t.byIdentity {
		out = append(out, c)
	}
	return out
}
