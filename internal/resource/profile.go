// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package resource

import (
	"fmt"

	"github.com/calypsonet/legacyhsm/internal/apdu"
)

// Extension decides whether the card behind an allocated reader fits a profile.
type Extension interface {
	// Matches returns a description of the accepted card, or an error.
	Matches(powerOnData string) (string, error)
}

// ExtensionFunc adapts a function to Extension.
type ExtensionFunc func(powerOnData string) (string, error)

func (f ExtensionFunc) Matches(powerOnData string) (string, error) { return f(powerOnData) }

// Profile names a kind of card resource and where to find it.
type Profile struct {
	Name string
	// GroupReference selects the reader group in pool plugins.
	GroupReference string
	// Plugins restricts the profile to these plugins; empty means all.
	Plugins   []string
	Extension Extension
}

// Calypso SAM ATR layout.
const (
	samATRLength        = 19
	samApplicationType  = 0x80
	samATRTypeOffset    = 7
	samATRSubtypeOffset = 8
	samATRSerialOffset  = 12
	SAMSubtypeC1        = 0xC1
	SAMSubtypeS1E1      = 0xE1
	SAMSubtypeS1D       = 0xD0
)

// SAMExtension accepts Calypso SAM ATRs of the given application subtype.
// A zero subtype accepts any SAM.
func SAMExtension(subtype byte) Extension {
	return ExtensionFunc(func(powerOnData string) (string, error) {
		atr, err := apdu.FromHex(powerOnData)
		if err != nil {
			return "", fmt.Errorf("invalid power-on data: %w", err)
		}
		if len(atr) != samATRLength || atr[samATRTypeOffset] != samApplicationType {
			return "", fmt.Errorf("not a Calypso SAM: %s", powerOnData)
		}
		if subtype != 0 && atr[samATRSubtypeOffset] != subtype {
			return "", fmt.Errorf("SAM subtype %02X does not match %02X", atr[samATRSubtypeOffset], subtype)
		}
		return fmt.Sprintf("SAM %02X serial %s", atr[samATRSubtypeOffset],
			apdu.ToHex(atr[samATRSerialOffset:samATRSerialOffset+4])), nil
	})
}

// AnyCard accepts every reader.
func AnyCard() Extension {
	return ExtensionFunc(func(powerOnData string) (string, error) { return powerOnData, nil })
}
