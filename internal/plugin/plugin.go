// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package plugin defines the contract between the smart card service and
// reader plugins. Pool plugins lend readers on demand, grouped by a reader
// group reference, instead of exposing a fixed list of readers.
package plugin // import "github.com/calypsonet/legacyhsm/internal/plugin"

// API versions implemented by this package.
const (
	PluginAPIVersion = "2.0"
	CommonAPIVersion = "2.0"
)

// Reader is the plugin-side view of a card reader.
type Reader interface {
	Name() string
	OpenPhysicalChannel() error
	ClosePhysicalChannel() error
	IsPhysicalChannelOpen() bool
	CheckCardPresence() (bool, error)
	// PowerOnData returns the card's answer to reset as hex.
	PowerOnData() string
	TransmitAPDU(apdu []byte) ([]byte, error)
	IsContactless() bool
	OnUnregister()
}

// PoolPlugin lends readers grouped by reference.
type PoolPlugin interface {
	Name() string
	// ReaderGroupReferences returns the available references, sorted.
	ReaderGroupReferences() []string
	AllocateReader(groupReference string) (Reader, error)
	ReleaseReader(r Reader) error
	OnUnregister()
}

// PoolPluginFactory builds a pool plugin on registration.
type PoolPluginFactory interface {
	PluginAPIVersion() string
	CommonAPIVersion() string
	PoolPluginName() string
	PoolPlugin() (PoolPlugin, error)
}
