// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calypsonet/legacyhsm/internal/hsm/simulated"
	"github.com/calypsonet/legacyhsm/internal/i18n"
	"github.com/calypsonet/legacyhsm/internal/legacyhsm"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/calypsonet/legacyhsm/internal/resource"
	"github.com/calypsonet/legacyhsm/internal/security"
	"github.com/calypsonet/legacyhsm/internal/service"
	"github.com/calypsonet/legacyhsm/internal/store"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// readPIN prompts for the HSM PIN on the terminal. Tests replace it.
var readPIN = func() (security.Secret, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New(i18n.T("hsm.error_pin_required"))
	}
	fmt.Fprint(os.Stderr, i18n.T("hsm.pin_prompt"))
	pin, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("could not read PIN: %w", err)
	}
	return security.Secret(pin), nil
}

// newSystem builds the simulated HSM described by hsm.inventory. A PIN is
// only asked for when the inventory is protected and none is configured.
func newSystem() (*simulated.System, error) {
	inv := simulated.DefaultInventory()
	if path := appConfig.HSM.Inventory; path != "" {
		loaded, err := simulated.LoadInventory(path)
		if err != nil {
			return nil, err
		}
		inv = loaded
	}
	var opts []simulated.Option
	if inv.PIN.Len() > 0 {
		pin := security.FromString(appConfig.HSM.PIN)
		if pin.Len() == 0 {
			var err error
			if pin, err = readPIN(); err != nil {
				return nil, err
			}
		}
		opts = append(opts, simulated.WithPIN(pin))
	}
	return simulated.New(inv, opts...), nil
}

// openPool registers the pool plugin with a fresh reader service. Closing
// the service frees the HSM.
func openPool() (*service.Service, *service.PoolPlugin, error) {
	sys, err := newSystem()
	if err != nil {
		return nil, nil, err
	}
	svc := service.New()
	pp, err := svc.RegisterPoolPlugin(legacyhsm.NewFactory(sys))
	if err != nil {
		return nil, nil, errors.New(i18n.T("hsm.error_open", err))
	}
	return svc, pp, nil
}

// withReader allocates a reader of group, records the allocation and runs
// fn. The reader is always released and the release recorded.
func withReader(ctx context.Context, pp *service.PoolPlugin, group, purpose string, fn func(r *service.Reader) error) error {
	r, err := pp.AllocateReader(group)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := appStore.RecordAllocation(ctx, model.Allocation{
		ID:          id,
		Plugin:      r.PluginName(),
		GroupRef:    group,
		ReaderName:  r.Name(),
		Profile:     purpose,
		AllocatedAt: r.AllocatedAt(),
	}); err != nil {
		logging.Warnf("could not record allocation of %s: %v", r.Name(), err)
	}

	runErr := fn(r)

	if err := pp.ReleaseReader(r); err != nil && runErr == nil {
		runErr = err
	}
	if err := appStore.RecordRelease(ctx, id, time.Now(), r.Exchanges()); err != nil {
		logging.Warnf("could not record release of %s: %v", r.Name(), err)
	}
	return runErr
}

// newResourceService configures a card resource service over pp from the
// configured profiles, audited into the store.
func newResourceService(pp *service.PoolPlugin) (*resource.Service, error) {
	var profiles []resource.Profile
	for _, p := range appConfig.Profiles {
		subtype, ok, err := p.Subtype()
		if err != nil {
			return nil, err
		}
		prof := resource.Profile{Name: p.Name, GroupReference: p.Group}
		if ok {
			prof.Extension = resource.SAMExtension(subtype)
		}
		profiles = append(profiles, prof)
	}
	rs := resource.New()
	err := rs.Configure(resource.Config{
		PoolPlugins:       []*service.PoolPlugin{pp},
		Profiles:          profiles,
		Blocking:          appConfig.Resource.Blocking,
		AllocationTimeout: appConfig.Resource.AllocationTimeout,
		Cycle:             appConfig.Resource.Cycle,
		Auditors:          []resource.Auditor{store.NewAuditor(appStore)},
	})
	if err != nil {
		return nil, err
	}
	if err := rs.Start(); err != nil {
		return nil, err
	}
	return rs, nil
}
