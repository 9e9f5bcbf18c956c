// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package simulated

import (
	"fmt"
	"os"
	"strconv"

	"github.com/calypsonet/legacyhsm/internal/security"
	"gopkg.in/yaml.v3"
)

// Inventory describes the modules and keys of a simulated HSM.
//
//	pin: "1234"
//	modules:
//	  - serial: "0A0B0C0D"
//	    version: 3
//	    structure_version: 1
//	    channels: 4
//	    keys:
//	      - {group: 1, kif: 0x21, kvc: 0x79, algorithm: AES-128, value: "hex:00112233445566778899AABBCCDDEEFF"}
type Inventory struct {
	PIN     security.Secret `yaml:"pin,omitempty"`
	Modules []ModuleSpec    `yaml:"modules"`
}

// ModuleSpec describes one simulated module.
type ModuleSpec struct {
	Serial           string    `yaml:"serial"`
	Version          int       `yaml:"version"`
	StructureVersion int       `yaml:"structure_version"`
	Channels         int       `yaml:"channels"`
	Keys             []KeySpec `yaml:"keys"`
}

// KeySpec describes one key stored in a module.
type KeySpec struct {
	Group     int             `yaml:"group"`
	KIF       int             `yaml:"kif"`
	KVC       int             `yaml:"kvc"`
	Algorithm string          `yaml:"algorithm"`
	Value     security.Secret `yaml:"value"`
}

// DefaultInventory returns a single module with key groups 1 and 2.
func DefaultInventory() *Inventory {
	return &Inventory{
		Modules: []ModuleSpec{{
			Serial:           "0A0B0C0D",
			Version:          3,
			StructureVersion: 1,
			Channels:         4,
			Keys: []KeySpec{
				{Group: 1, KIF: 0x21, KVC: 0x79, Algorithm: "AES-128", Value: security.FromBytes([]byte("legacyhsm-grp-01"))},
				{Group: 1, KIF: 0x27, KVC: 0x79, Algorithm: "AES-128", Value: security.FromBytes([]byte("legacyhsm-grp-01-load"))},
				{Group: 2, KIF: 0x30, KVC: 0x7E, Algorithm: "AES-128", Value: security.FromBytes([]byte("legacyhsm-grp-02"))},
			},
		}},
	}
}

// LoadInventory reads an inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read inventory %s: %w", path, err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes and validates an inventory document.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("could not parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks serials, channel counts and key identifiers.
func (inv *Inventory) Validate() error {
	seen := map[uint32]bool{}
	for i, m := range inv.Modules {
		serial, err := m.serialNumber()
		if err != nil {
			return fmt.Errorf("module %d: %w", i, err)
		}
		if seen[serial] {
			return fmt.Errorf("module %d: duplicate serial %08X", i, serial)
		}
		seen[serial] = true
		if m.Channels <= 0 {
			return fmt.Errorf("module %08X: channels must be positive, got %d", serial, m.Channels)
		}
		for j, k := range m.Keys {
			if k.Group < 0 {
				return fmt.Errorf("module %08X key %d: negative key group", serial, j)
			}
			if k.KIF < 0 || k.KIF > 0xFF || k.KVC < 0 || k.KVC > 0xFF {
				return fmt.Errorf("module %08X key %d: kif/kvc out of range", serial, j)
			}
			if k.Value.Len() == 0 {
				return fmt.Errorf("module %08X key %d: empty key value", serial, j)
			}
		}
	}
	return nil
}

func (m ModuleSpec) serialNumber() (uint32, error) {
	n, err := strconv.ParseUint(m.Serial, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid serial %q: %w", m.Serial, err)
	}
	return uint32(n), nil
}
