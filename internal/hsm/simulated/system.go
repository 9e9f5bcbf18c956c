// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package simulated is a software HSM implementing the hsm interfaces. Each
// channel behaves like a Calypso SAM exposing the digest command subset.
package simulated // import "github.com/calypsonet/legacyhsm/internal/hsm/simulated"

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/security"
)

// System is a simulated HSM client.
type System struct {
	mu          sync.Mutex
	inv         *Inventory
	pin         security.Secret
	rand        io.Reader
	now         func() time.Time
	initialized bool
	modules     []*Module
}

// Option configures a System.
type Option func(*System)

// WithPIN sets the PIN presented at Initialize.
func WithPIN(pin security.Secret) Option { return func(s *System) { s.pin = pin } }

// WithRandom replaces the challenge source.
func WithRandom(r io.Reader) Option { return func(s *System) { s.rand = r } }

// WithClock replaces the clock used for channel timestamps.
func WithClock(now func() time.Time) Option { return func(s *System) { s.now = now } }

// New returns an uninitialized system for inv. A nil inventory means DefaultInventory.
func New(inv *Inventory, opts ...Option) *System {
	if inv == nil {
		inv = DefaultInventory()
	}
	s := &System{inv: inv, rand: rand.Reader, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Initialize validates the inventory and the PIN, then builds the modules.
func (s *System) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.inv.Validate(); err != nil {
		return &hsm.Error{Code: hsm.CodeIO, Message: "invalid inventory", Err: err}
	}
	if s.inv.PIN.Len() > 0 && !s.inv.PIN.Equal(s.pin) {
		return hsm.NewError(hsm.CodeAuth, "PIN verification failed")
	}
	s.modules = s.modules[:0]
	for _, ms := range s.inv.Modules {
		serial, _ := ms.serialNumber()
		m := &Module{
			sys: s,
			info: hsm.ModuleInfo{
				SerialNumber:     serial,
				Version:          ms.Version,
				StructureVersion: ms.StructureVersion,
				ChannelsTotal:    ms.Channels,
			},
			slots: make([]*Channel, ms.Channels),
		}
		for _, k := range ms.Keys {
			m.keys = append(m.keys, storedKey{
				info:  hsm.KeyInfo{Group: k.Group, KIF: byte(k.KIF), KVC: byte(k.KVC), Algorithm: k.Algorithm},
				value: security.FromBytes(k.Value),
			})
		}
		s.modules = append(s.modules, m)
	}
	s.initialized = true
	return nil
}

// Free closes every open channel and drops the modules.
func (s *System) Free() error {
	s.mu.Lock()
	mods := s.modules
	s.modules = nil
	s.initialized = false
	s.mu.Unlock()
	for _, m := range mods {
		m.closeAll()
		for i := range m.keys {
			m.keys[i].value.Zero()
		}
	}
	return nil
}

// Modules lists the modules built at Initialize.
func (s *System) Modules() ([]hsm.Module, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, hsm.NewError(hsm.CodeNotInitialized, "system not initialized")
	}
	out := make([]hsm.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	return out, nil
}

func (s *System) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

type storedKey struct {
	info  hsm.KeyInfo
	value security.Secret
}

// Module is a simulated HSM module.
type Module struct {
	sys  *System
	info hsm.ModuleInfo
	keys []storedKey

	mu    sync.Mutex
	slots []*Channel
}

func (m *Module) String() string { return fmt.Sprintf("HSM[%08X]", m.info.SerialNumber) }

// Info returns a copy of the module description.
func (m *Module) Info() (*hsm.ModuleInfo, error) {
	info := m.info
	return &info, nil
}

// Keys lists the key descriptors (never the values).
func (m *Module) Keys() ([]hsm.KeyInfo, error) {
	if !m.sys.isInitialized() {
		return nil, hsm.NewError(hsm.CodeNotInitialized, "system not initialized")
	}
	out := make([]hsm.KeyInfo, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k.info)
	}
	return out, nil
}

// InUse returns the number of open channels.
func (m *Module) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.slots {
		if c != nil {
			n++
		}
	}
	return n
}

// OpenChannel takes the lowest free slot for keyGroup.
func (m *Module) OpenChannel(keyGroup int) (hsm.Channel, error) {
	if !m.sys.isInitialized() {
		return nil, hsm.NewError(hsm.CodeNotInitialized, "system not initialized")
	}
	if !m.hasGroup(keyGroup) {
		return nil, hsm.NewError(hsm.CodeKeyGroup, "key group %d not present in %s", keyGroup, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.slots {
		if c != nil {
			continue
		}
		ch := &Channel{
			id:       i,
			module:   m,
			keyGroup: keyGroup,
			opened:   m.sys.now(),
		}
		m.slots[i] = ch
		return ch, nil
	}
	return nil, hsm.ErrNoChannelAvailable
}

func (m *Module) hasGroup(group int) bool {
	for _, k := range m.keys {
		if k.info.Group == group {
			return true
		}
	}
	return false
}

func (m *Module) key(group int, kif, kvc byte) (security.Secret, bool) {
	for _, k := range m.keys {
		if k.info.Group == group && k.info.KIF == kif && k.info.KVC == kvc {
			return k.value, true
		}
	}
	return nil, false
}

func (m *Module) release(c *Channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.id < len(m.slots) && m.slots[c.id] == c {
		m.slots[c.id] = nil
		return true
	}
	return false
}

func (m *Module) closeAll() {
	m.mu.Lock()
	chans := make([]*Channel, 0, len(m.slots))
	for i, c := range m.slots {
		if c != nil {
			chans = append(chans, c)
			m.slots[i] = nil
		}
	}
	m.mu.Unlock()
	for _, c := range chans {
		c.markClosed()
	}
}
