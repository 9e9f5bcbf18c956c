// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package service is the smart card service: it registers pool plugins,
// checks their API level and wraps the readers they lend so that exchanges
// are serialized and ISO 7816 transport statuses are handled once.
package service // import "github.com/calypsonet/legacyhsm/internal/service"

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

// Sentinel errors returned by the registry.
var (
	ErrAlreadyRegistered = errors.New("plugin already registered")
	ErrNotRegistered     = errors.New("plugin not registered")
	ErrIncompatibleAPI   = errors.New("incompatible plugin API")
)

// Service is a registry of pool plugins.
type Service struct {
	mu      sync.RWMutex
	plugins map[string]*PoolPlugin
}

// New returns an empty service.
func New() *Service {
	return &Service{plugins: map[string]*PoolPlugin{}}
}

// RegisterPoolPlugin builds the plugin from f and registers it under its name.
func (s *Service) RegisterPoolPlugin(f plugin.PoolPluginFactory) (*PoolPlugin, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil factory", plugin.ErrIllegalArgument)
	}
	name := f.PoolPluginName()
	if err := checkAPIVersion("plugin", f.PluginAPIVersion(), plugin.PluginAPIVersion); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := checkAPIVersion("common", f.CommonAPIVersion(), plugin.CommonAPIVersion); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	spi, err := f.PoolPlugin()
	if err != nil {
		return nil, fmt.Errorf("could not build plugin %s: %w", name, err)
	}
	pp := newPoolPlugin(spi)
	s.plugins[name] = pp
	logging.Infof("Plugin '%s' registered.", name)
	return pp, nil
}

// Plugin returns a registered plugin.
func (s *Service) Plugin(name string) (*PoolPlugin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pp, ok := s.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return pp, nil
}

// PluginNames lists registered plugin names, sorted.
func (s *Service) PluginNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plugins))
	for n := range s.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// UnregisterPlugin releases every reader still allocated and notifies the plugin.
func (s *Service) UnregisterPlugin(name string) error {
	s.mu.Lock()
	pp, ok := s.plugins[name]
	delete(s.plugins, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	pp.unregister()
	logging.Infof("Plugin '%s' unregistered.", name)
	return nil
}

// Close unregisters every plugin.
func (s *Service) Close() {
	for _, n := range s.PluginNames() {
		_ = s.UnregisterPlugin(n)
	}
}

// checkAPIVersion accepts providers sharing our major version.
func checkAPIVersion(kind, provided, expected string) error {
	pMajor, _, _ := strings.Cut(provided, ".")
	eMajor, _, _ := strings.Cut(expected, ".")
	if provided == "" || pMajor != eMajor {
		return fmt.Errorf("%w: %s API version %q, expected %s.x", ErrIncompatibleAPI, kind, provided, eMajor)
	}
	if provided != expected {
		logging.Warnf("The %s API version %s differs from the service's %s.", kind, provided, expected)
	}
	return nil
}
