// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package resource hands out card resources (an allocated reader plus the
// card behind it) per named profile. Resources come from pool plugins; with
// blocking allocation a request waits for a reader to be released.
package resource // import "github.com/calypsonet/legacyhsm/internal/resource"

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/plugin"
	"github.com/calypsonet/legacyhsm/internal/service"
)

// Defaults for blocking allocation.
const (
	DefaultAllocationTimeout = 15 * time.Second
	DefaultCycle             = 100 * time.Millisecond
)

// Sentinel errors.
var (
	ErrNoResource     = errors.New("no card resource available")
	ErrUnknownProfile = errors.New("unknown card resource profile")
	ErrNotStarted     = errors.New("card resource service not started")
	ErrNotConfigured  = errors.New("card resource service not configured")
)

// EventKind tells what happened to a resource.
type EventKind string

const (
	EventAllocated EventKind = "ALLOCATE_RESOURCE"
	EventReleased  EventKind = "RELEASE_RESOURCE"
	EventRemoved   EventKind = "REMOVE_RESOURCE"
)

// Event is sent to auditors.
type Event struct {
	Kind     EventKind
	Resource *CardResource
	At       time.Time
}

// Auditor observes resource events. Events are delivered synchronously,
// outside the service lock.
type Auditor interface {
	OnCardResourceEvent(Event)
}

// Config is applied by Configure.
type Config struct {
	PoolPlugins       []*service.PoolPlugin
	Profiles          []Profile
	Blocking          bool
	AllocationTimeout time.Duration
	Cycle             time.Duration
	Auditors          []Auditor
}

// CardResource is a reader lent for one profile.
type CardResource struct {
	ID          string
	Profile     string
	Card        string
	Reader      *service.Reader
	Plugin      *service.PoolPlugin
	AllocatedAt time.Time
}

// Service is the card resource service.
type Service struct {
	mu         sync.Mutex
	cfg        Config
	profiles   map[string]Profile
	configured bool
	started    bool
	inUse      map[string]*CardResource
}

// New returns an unconfigured service.
func New() *Service {
	return &Service{inUse: map[string]*CardResource{}}
}

// Configure validates and stores cfg. The service must be stopped.
func (s *Service) Configure(cfg Config) error {
	if len(cfg.PoolPlugins) == 0 {
		return errors.New("at least one pool plugin is required")
	}
	if len(cfg.Profiles) == 0 {
		return errors.New("at least one profile is required")
	}
	if cfg.AllocationTimeout <= 0 {
		cfg.AllocationTimeout = DefaultAllocationTimeout
	}
	if cfg.Cycle <= 0 {
		cfg.Cycle = DefaultCycle
	}
	known := map[string]bool{}
	for _, pp := range cfg.PoolPlugins {
		if pp == nil {
			return errors.New("nil pool plugin")
		}
		known[pp.Name()] = true
	}
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		if p.Name == "" {
			return errors.New("profile name must not be empty")
		}
		if _, dup := profiles[p.Name]; dup {
			return fmt.Errorf("duplicate profile %q", p.Name)
		}
		for _, n := range p.Plugins {
			if !known[n] {
				return fmt.Errorf("profile %q references plugin %q which is not configured", p.Name, n)
			}
		}
		if p.Extension == nil {
			p.Extension = AnyCard()
		}
		profiles[p.Name] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("cannot configure a started card resource service")
	}
	s.cfg = cfg
	s.profiles = profiles
	s.configured = true
	return nil
}

// Start enables allocation.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configured {
		return ErrNotConfigured
	}
	s.started = true
	logging.Infof("Card resource service started with %d profile(s).", len(s.profiles))
	return nil
}

// Stop releases every outstanding resource and disables allocation.
func (s *Service) Stop() {
	s.mu.Lock()
	s.started = false
	outstanding := make([]*CardResource, 0, len(s.inUse))
	for _, r := range s.inUse {
		outstanding = append(outstanding, r)
	}
	s.mu.Unlock()
	for _, r := range outstanding {
		if err := s.ReleaseCardResource(r); err != nil {
			logging.Errorf("Error releasing %s while stopping: %v", r.ID, err)
		}
	}
	logging.Infof("Card resource service stopped.")
}

// IsStarted reports whether allocation is enabled.
func (s *Service) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// ProfileNames lists configured profiles, sorted.
func (s *Service) ProfileNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.profiles))
	for n := range s.profiles {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// InUse lists the outstanding resources, oldest first.
func (s *Service) InUse() []*CardResource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*CardResource, 0, len(s.inUse))
	for _, r := range s.inUse {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out
}

// GetCardResource allocates a resource for the named profile. With blocking
// allocation it retries every cycle until the allocation timeout or ctx ends.
func (s *Service) GetCardResource(ctx context.Context, profileName string) (*CardResource, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	profile, ok := s.profiles[profileName]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, profileName)
	}

	res, lastErr := s.tryAllocate(profile, cfg.PoolPlugins)
	if res != nil || !cfg.Blocking {
		return s.finish(cfg, res, profileName, lastErr)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.AllocationTimeout)
	defer cancel()
	ticker := time.NewTicker(cfg.Cycle)
	defer ticker.Stop()
	for res == nil {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return s.finish(cfg, nil, profileName, lastErr)
		case <-ticker.C:
			if !s.IsStarted() {
				return nil, ErrNotStarted
			}
			res, lastErr = s.tryAllocate(profile, cfg.PoolPlugins)
		}
	}
	return s.finish(cfg, res, profileName, nil)
}

func (s *Service) finish(cfg Config, res *CardResource, profile string, lastErr error) (*CardResource, error) {
	if res == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w for profile %q: %w", ErrNoResource, profile, lastErr)
		}
		return nil, fmt.Errorf("%w for profile %q", ErrNoResource, profile)
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		if err := res.Plugin.ReleaseReader(res.Reader); err != nil {
			logging.Errorf("Error releasing reader %s after stop: %v", res.Reader.Name(), err)
		}
		return nil, ErrNotStarted
	}
	s.inUse[res.ID] = res
	s.mu.Unlock()
	logging.Debugf("Card resource %s allocated for profile '%s' on reader %s.", res.ID, profile, res.Reader.Name())
	notify(cfg.Auditors, Event{Kind: EventAllocated, Resource: res, At: res.AllocatedAt})
	return res, nil
}

func (s *Service) tryAllocate(profile Profile, plugins []*service.PoolPlugin) (*CardResource, error) {
	var lastErr error
	for _, pp := range plugins {
		if !profileAccepts(profile, pp.Name()) {
			continue
		}
		reader, err := pp.AllocateReader(profile.GroupReference)
		if err != nil {
			lastErr = err
			continue
		}
		card, err := profile.Extension.Matches(reader.PowerOnData())
		if err != nil {
			logging.Debugf("Reader %s rejected for profile '%s': %v", reader.Name(), profile.Name, err)
			if relErr := pp.ReleaseReader(reader); relErr != nil {
				logging.Errorf("Error releasing rejected reader %s: %v", reader.Name(), relErr)
			}
			lastErr = err
			continue
		}
		return &CardResource{
			ID:          uuid.NewString(),
			Profile:     profile.Name,
			Card:        card,
			Reader:      reader,
			Plugin:      pp,
			AllocatedAt: time.Now(),
		}, nil
	}
	return nil, lastErr
}

func profileAccepts(p Profile, pluginName string) bool {
	if len(p.Plugins) == 0 {
		return true
	}
	for _, n := range p.Plugins {
		if n == pluginName {
			return true
		}
	}
	return false
}

// ReleaseCardResource gives the reader back to its plugin. Releasing twice is a no-op.
func (s *Service) ReleaseCardResource(res *CardResource) error {
	return s.release(res, EventReleased)
}

// RemoveCardResource releases res and reports it as removed.
func (s *Service) RemoveCardResource(res *CardResource) error {
	return s.release(res, EventRemoved)
}

func (s *Service) release(res *CardResource, kind EventKind) error {
	if res == nil {
		return errors.New("nil card resource")
	}
	s.mu.Lock()
	_, ok := s.inUse[res.ID]
	auditors := s.cfg.Auditors
	s.mu.Unlock()
	if !ok {
		return nil
	}
	// A reader the pool no longer tracks is gone for good; forget it.
	err := res.Plugin.ReleaseReader(res.Reader)
	if err != nil && !errors.Is(err, plugin.ErrIllegalArgument) {
		return fmt.Errorf("could not release reader %s: %w", res.Reader.Name(), err)
	}
	s.mu.Lock()
	_, ok = s.inUse[res.ID]
	delete(s.inUse, res.ID)
	s.mu.Unlock()
	if ok {
		notify(auditors, Event{Kind: kind, Resource: res, At: time.Now()})
	}
	return nil
}

func notify(auditors []Auditor, ev Event) {
	for _, a := range auditors {
		a.OnCardResourceEvent(ev)
	}
}
