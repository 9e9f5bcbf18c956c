// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

// PoolPlugin wraps a registered plugin and tracks the readers it lent.
type PoolPlugin struct {
	spi plugin.PoolPlugin

	mu        sync.Mutex
	allocated map[string]*Reader
}

func newPoolPlugin(spi plugin.PoolPlugin) *PoolPlugin {
	return &PoolPlugin{spi: spi, allocated: map[string]*Reader{}}
}

func (p *PoolPlugin) Name() string { return p.spi.Name() }

// SPI exposes the wrapped plugin.
func (p *PoolPlugin) SPI() plugin.PoolPlugin { return p.spi }

func (p *PoolPlugin) ReaderGroupReferences() []string { return p.spi.ReaderGroupReferences() }

// AllocateReader borrows a reader from the group.
func (p *PoolPlugin) AllocateReader(groupReference string) (*Reader, error) {
	r, err := p.spi.AllocateReader(groupReference)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, plugin.NewPluginIOError(nil, "plugin %s returned no reader for group %q", p.Name(), groupReference)
	}
	w := newReader(r, p.Name(), groupReference)
	p.mu.Lock()
	p.allocated[r.Name()] = w
	p.mu.Unlock()
	return w, nil
}

// ReleaseReader returns r to the plugin. The reader stays tracked when the
// plugin fails to release it, so the release can be retried.
func (p *PoolPlugin) ReleaseReader(r *Reader) error {
	if r == nil {
		return fmt.Errorf("%w: nil reader", plugin.ErrIllegalArgument)
	}
	p.mu.Lock()
	_, ok := p.allocated[r.Name()]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: reader %s is not allocated by %s", plugin.ErrIllegalArgument, r.Name(), p.Name())
	}
	if err := p.spi.ReleaseReader(r.spi); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.allocated, r.Name())
	p.mu.Unlock()
	r.markReleased()
	return nil
}

// AllocatedReaders lists the readers currently lent, sorted by name.
func (p *PoolPlugin) AllocatedReaders() []*Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Reader, 0, len(p.allocated))
	for _, r := range p.allocated {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (p *PoolPlugin) unregister() {
	for _, r := range p.AllocatedReaders() {
		if err := p.ReleaseReader(r); err != nil {
			logging.Errorf("Error releasing reader %s during unregistration: %v", r.Name(), err)
		}
		r.spi.OnUnregister()
	}
	p.spi.OnUnregister()
}
