// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package hsm defines the client-side view of a legacy HSM: a system made of
// modules, each storing keys tagged by key group and opening a bounded number
// of APDU channels. Backends (see hsm/simulated) implement these interfaces.
package hsm // import "github.com/calypsonet/legacyhsm/internal/hsm"

import (
	"fmt"
	"strings"
)

// System is the entry point of an HSM client library.
type System interface {
	// Initialize connects to the HSM. It must be called before Modules.
	Initialize() error
	// Free releases every resource held by the client.
	Free() error
	// Modules lists the modules reachable through the system.
	Modules() ([]Module, error)
}

// Module is one cryptographic module of the HSM.
type Module interface {
	Info() (*ModuleInfo, error)
	Keys() ([]KeyInfo, error)
	// OpenChannel opens a channel bound to keyGroup. It returns
	// ErrNoChannelAvailable when every channel of the module is in use.
	OpenChannel(keyGroup int) (Channel, error)
	String() string
}

// Channel is an open APDU pipe to a virtual SAM.
type Channel interface {
	ID() int
	Module() Module
	Info() ChannelInfo
	Exchange(apdu []byte) ([]byte, error)
	Close() error
}

// ModuleInfo describes a module.
type ModuleInfo struct {
	SerialNumber     uint32
	Version          int
	StructureVersion int
	ChannelsTotal    int
}

// SerialBytes returns the serial number big-endian.
func (i ModuleInfo) SerialBytes() []byte {
	return []byte{byte(i.SerialNumber >> 24), byte(i.SerialNumber >> 16), byte(i.SerialNumber >> 8), byte(i.SerialNumber)}
}

// KeyInfo describes a key stored in a module.
type KeyInfo struct {
	Group     int
	KIF       byte
	KVC       byte
	Algorithm string
}

// ChannelInfo describes an open channel.
type ChannelInfo struct {
	ID       int
	KeyGroup int
	Module   string
	Opened   string
}

const keyRowFormat = "%-8s %-6s %-6s %-10s"

// DumpKeyHeader returns the column header matching KeyInfo.Dump.
func DumpKeyHeader(prefix string) string {
	return prefix + strings.TrimRight(fmt.Sprintf(keyRowFormat, "GROUP", "KIF", "KVC", "ALGORITHM"), " ")
}

// Dump renders the key as one fixed-width line.
func (k KeyInfo) Dump(prefix string) string {
	return prefix + strings.TrimRight(fmt.Sprintf(keyRowFormat,
		fmt.Sprintf("%d", k.Group), fmt.Sprintf("%02X", k.KIF), fmt.Sprintf("%02X", k.KVC), k.Algorithm), " ")
}

// Dump renders the channel as one line.
func (c ChannelInfo) Dump(prefix string) string {
	return fmt.Sprintf("%sid=%d group=%d module=%s opened=%s", prefix, c.ID, c.KeyGroup, c.Module, c.Opened)
}
