// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package legacyhsm

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	clog "github.com/charmbracelet/log"

	"github.com/calypsonet/legacyhsm/internal/apdu"
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

func logger() *clog.Logger { return logging.Component("legacyhsm") }

// Plugin is the HSM pool plugin.
type Plugin struct {
	system hsm.System

	mu          sync.RWMutex
	groupToMods map[int][]hsm.Module
}

var _ plugin.PoolPlugin = (*Plugin)(nil)

func newPlugin(sys hsm.System) (*Plugin, error) {
	log := logger()
	log.Debug("Initializing HSM client...")
	if err := sys.Initialize(); err != nil {
		tryFree(sys)
		return nil, fmt.Errorf("unable to initialize the HSM client: %w", err)
	}

	mods, err := sys.Modules()
	if err != nil {
		tryFree(sys)
		return nil, fmt.Errorf("unable to get the list of HSM modules: %w", err)
	}
	log.Debugf("HSM module list size = %d", len(mods))
	if len(mods) == 0 {
		tryFree(sys)
		return nil, errors.New("no HSM module found")
	}

	p := &Plugin{system: sys, groupToMods: map[int][]hsm.Module{}}
	for _, m := range mods {
		info, err := m.Info()
		if err != nil {
			tryFree(sys)
			return nil, fmt.Errorf("an error occurred while getting the infos of %s: %w", m, err)
		}
		if info == nil {
			tryFree(sys)
			return nil, fmt.Errorf("the HSM library returned no info for %s", m)
		}
		log.Infof("Serial number: %s, Version: %d, Structure version: %d, Max channels: %d",
			apdu.ToHex(info.SerialBytes()), info.Version, info.StructureVersion, info.ChannelsTotal)

		if err := p.collectKeyGroups(m); err != nil {
			tryFree(sys)
			return nil, err
		}
	}
	return p, nil
}

func tryFree(sys hsm.System) {
	logger().Debug("Freeing the HSM...")
	if err := sys.Free(); err != nil {
		logger().Errorf("HSM Error: could not free: result=%02X (%v)", hsm.CodeOf(err), err)
	}
}

// collectKeyGroups indexes m under every key group it holds.
func (p *Plugin) collectKeyGroups(m hsm.Module) error {
	log := logger()
	log.Debugf("Reading the keys of the HSM %s", m)
	keys, err := m.Keys()
	if err != nil {
		log.Errorf("HSM Error: could not get keys of %s: result=%02X (%v)", m, hsm.CodeOf(err), err)
		return fmt.Errorf("could not list the keys of %s: %w", m, err)
	}
	if logging.DebugEnabled() {
		log.Debug(hsm.DumpKeyHeader(""))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		if logging.DebugEnabled() {
			log.Debug(k.Dump(""))
		}
		list := p.groupToMods[k.Group]
		if !containsModule(list, m) {
			p.groupToMods[k.Group] = append(list, m)
		}
	}
	log.Debugf("     Total: %d keys", len(keys))
	return nil
}

func containsModule(list []hsm.Module, m hsm.Module) bool {
	for _, x := range list {
		if x == m {
			return true
		}
	}
	return false
}

// Name returns PluginName.
func (p *Plugin) Name() string { return PluginName }

// ReaderGroupReferences lists the key groups, sorted as strings.
func (p *Plugin) ReaderGroupReferences() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	refs := make([]string, 0, len(p.groupToMods))
	for g := range p.groupToMods {
		refs = append(refs, strconv.Itoa(g))
	}
	sort.Strings(refs)
	return refs
}

// Modules returns the modules holding keys of group.
func (p *Plugin) Modules(group int) []hsm.Module {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]hsm.Module(nil), p.groupToMods[group]...)
}

// ParseGroupReference converts a reader group reference to a key group.
// An empty reference selects group 0.
func ParseGroupReference(ref string) (int, error) {
	if strings.TrimSpace(ref) == "" {
		return 0, nil
	}
	g, err := strconv.Atoi(strings.TrimSpace(ref))
	if err != nil {
		return 0, fmt.Errorf("%w: bad group reference string: %q", plugin.ErrIllegalArgument, ref)
	}
	return g, nil
}

// AllocateReader opens a channel for the key group named by ref on the first
// module that has one free.
func (p *Plugin) AllocateReader(ref string) (plugin.Reader, error) {
	log := logger()
	log.Debugf("Reader allocation requested. GROUP_REFERENCE = %s", ref)
	group, err := ParseGroupReference(ref)
	if err != nil {
		return nil, err
	}
	mods := p.Modules(group)
	if len(mods) == 0 {
		return nil, plugin.NewPluginIOError(nil, "the request key group reference %d is not available in the configuration", group)
	}
	for _, m := range mods {
		ch, err := m.OpenChannel(group)
		if errors.Is(err, hsm.ErrNoChannelAvailable) {
			log.Debugf("No free channel on %s for group %d", m, group)
			continue
		}
		if err != nil {
			if !errors.Is(err, hsm.ErrKeyGroup) {
				log.Errorf("Unable to allocate a new HSM channel for %s. result=%02X (%v)", m, hsm.CodeOf(err), err)
			}
			return nil, plugin.NewPluginIOError(err, "HSM library exception")
		}
		r, err := newReader(ch)
		if err != nil {
			_ = ch.Close()
			return nil, plugin.NewPluginIOError(err, "HSM library exception")
		}
		log.Debugf("Reader %s allocated.", r.Name())
		return r, nil
	}
	return nil, plugin.NewPluginIOError(nil, "no channel available at the moment")
}

// ReleaseReader closes the reader's channel. A nil reader is logged and ignored.
func (p *Plugin) ReleaseReader(r plugin.Reader) error {
	log := logger()
	hr, ok := r.(*Reader)
	if r == nil || (ok && hr == nil) {
		log.Error("Reader not released. reader object is null.")
		return nil
	}
	log.Debugf("Reader release request READER_NAME = %s.", r.Name())
	if !ok {
		return fmt.Errorf("%w: reader %s was not allocated by %s", plugin.ErrIllegalArgument, r.Name(), PluginName)
	}
	if err := hr.freeChannel(); err != nil {
		return plugin.NewPluginIOError(err, "a reader error occurred")
	}
	log.Debugf("Reader %s released.", r.Name())
	return nil
}

// OnUnregister frees the HSM.
func (p *Plugin) OnUnregister() {
	tryFree(p.system)
}
