// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package legacyhsm is a pool plugin lending virtual SAM readers backed by a
// legacy HSM. Key groups of the HSM are published as reader group references;
// each allocated reader owns one HSM channel until it is released.
package legacyhsm // import "github.com/calypsonet/legacyhsm/internal/legacyhsm"

import (
	"github.com/calypsonet/legacyhsm/internal/hsm"
	"github.com/calypsonet/legacyhsm/internal/plugin"
)

// PluginName is the name the plugin registers under.
const PluginName = "LegacyHsmPlugin"

// Factory builds the pool plugin for a given HSM system.
type Factory struct {
	system hsm.System
}

// NewFactory returns a factory for sys. The system is initialized when the
// plugin is built, not here.
func NewFactory(sys hsm.System) *Factory {
	return &Factory{system: sys}
}

func (f *Factory) PluginAPIVersion() string { return plugin.PluginAPIVersion }
func (f *Factory) CommonAPIVersion() string { return plugin.CommonAPIVersion }
func (f *Factory) PoolPluginName() string   { return PluginName }

// PoolPlugin initializes the HSM and collects its key groups.
func (f *Factory) PoolPlugin() (plugin.PoolPlugin, error) {
	return newPlugin(f.system)
}
