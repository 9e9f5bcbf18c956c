// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the application configuration.
type Config struct {
	Database Database  `mapstructure:"database" yaml:"database"`
	Language string    `mapstructure:"language" yaml:"language"`
	HSM      HSM       `mapstructure:"hsm" yaml:"hsm"`
	Resource Resource  `mapstructure:"resource" yaml:"resource"`
	Profiles []Profile `mapstructure:"profiles" yaml:"profiles"`
}

type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

// HSM selects the simulated module inventory. An empty inventory path uses
// the built-in one.
type HSM struct {
	Inventory string `mapstructure:"inventory" yaml:"inventory"`
	PIN       string `mapstructure:"pin" yaml:"pin,omitempty"`
}

type Resource struct {
	AllocationTimeout time.Duration `mapstructure:"allocation_timeout" yaml:"allocation_timeout"`
	Cycle             time.Duration `mapstructure:"cycle" yaml:"cycle"`
	Blocking          bool          `mapstructure:"blocking" yaml:"blocking"`
}

// Profile binds a card resource profile to a reader group. SAMSubtype is the
// hex application subtype expected in the ATR ("C1"); empty accepts any card.
type Profile struct {
	Name       string `mapstructure:"name" yaml:"name"`
	Group      string `mapstructure:"group" yaml:"group"`
	SAMSubtype string `mapstructure:"sam_subtype" yaml:"sam_subtype,omitempty"`
}

// Subtype parses SAMSubtype. ok is false when the profile accepts any card.
func (p Profile) Subtype() (subtype byte, ok bool, err error) {
	s := strings.TrimPrefix(strings.TrimSpace(p.SAMSubtype), "0x")
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, false, fmt.Errorf("profile %s: invalid sam_subtype %q", p.Name, p.SAMSubtype)
	}
	return byte(n), true, nil
}

// Defaults returns the built-in values in Viper key form.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":               "sqlite",
		"database.dsn":                "./legacyhsm.db",
		"language":                    "en",
		"hsm.inventory":               "",
		"hsm.pin":                     "",
		"resource.allocation_timeout": 15 * time.Second,
		"resource.cycle":              100 * time.Millisecond,
		"resource.blocking":           false,
		"profiles": []map[string]any{
			{"name": "SAM C1", "group": "1", "sam_subtype": "C1"},
		},
	}
}
