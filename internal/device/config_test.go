// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

package device

import "testing"

func TestNewTableAndLookup(t *testing.T) {
	configs := []Config{
		{
			Identity: "120070001234",
			Label:    "front-door",
			KeyID:    1,
			KeyHex:   "000102030405060708090a0b0c0d0e0f",
		},
	}
	table, err := NewTable(configs)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	cfg, ok := table.ByIdentity("120070001234")
	if !ok {
		t.Fatalf("expected identity to be found")
	}
	if cfg.Label != "front-door" {
		t.Fatalf("unexpected label: %q", cfg.Label)
	}
	if cfg.Key[0] != 0x00 || cfg.Key[15] != 0x0f {
		t.Fatalf("unexpected decoded key: %x", cfg.Key)
	}

	byKey, ok := table.ByKeyID(1)
	if !ok || byKey.Identity != "120070001234" {
		t.Fatalf("expected key id 1 to resolve to the same device")
	}

	if _, ok := table.ByKeyID(2); ok {
		t.Fatalf("expected key id 2 to be absent")
	}
	if _, ok := table.ByKeyID(0); ok {
		t.Fatalf("expected key id 0 to never resolve")
	}
	if _, ok := table.ByIdentity("unknown"); ok {
		t.Fatalf("expected unknown identity to miss")
	}
	if len(table.All()) != 1 {
		t.Fatalf("expected one device, got %d", len(table.All()))
	}
}

func TestNewTableRejectsDuplicateIdentity(t *testing.T) {
	configs := []Config{
		{Identity: "1"},
		{Identity: "1"},
	}
	if _, err := NewTable(configs); err == nil {
		t.Fatalf("expected duplicate identity to be rejected")
	}
}

func TestNewTableRejectsDuplicateKeyID(t *testing.T) {
	configs := []Config{
		{Identity: "1", KeyID: 1, KeyHex: "000102030405060708090a0b0c0d0e0f"},
		{Identity: "2", KeyID: 1, KeyHex: "0f0e0d0c0b0a09080706050403020100"},
	}
	if _, err := NewTable(configs); err == nil {
		t.Fatalf("expected duplicate key id to be rejected")
	}
}

func TestNewTableRejectsBadKeyHex(t *testing.T) {
	if _, err := NewTable([]Config{{Identity: "1", KeyID: 1, KeyHex: "not-hex"}}); err == nil {
		t.Fatalf("expected invalid hex to be rejected")
	}
	if _, err := NewTable([]Config{{Identity: "1", KeyID: 1, KeyHex: "0001"}}); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}

func TestUnencryptedDeviceNeedsNoKey(t *testing.T) {
	table, err := NewTable([]Config{{Identity: "1", KeyID: 0}})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	if _, ok := table.ByIdentity("1"); !ok {
		t.Fatalf("expected unencrypted device to register by identity")
	}
}
