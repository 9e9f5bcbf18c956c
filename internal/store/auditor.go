// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/calypsonet/legacyhsm/internal/resource"
)

// auditTimeout bounds each write made on behalf of the resource service.
const auditTimeout = 5 * time.Second

// Auditor persists card resource events: every event is logged to the
// audit trail and allocations are tracked in reader_allocations.
type Auditor struct {
	store *Store
}

// NewAuditor returns a resource.Auditor writing to s.
func NewAuditor(s *Store) *Auditor {
	return &Auditor{store: s}
}

var _ resource.Auditor = (*Auditor)(nil)

// OnCardResourceEvent implements resource.Auditor. Write failures are logged.
func (a *Auditor) OnCardResourceEvent(ev resource.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := a.record(ctx, ev); err != nil {
		logging.Errorf("Could not persist %s event for %s: %v", ev.Kind, ev.Resource.ID, err)
	}
}

func (a *Auditor) record(ctx context.Context, ev resource.Event) error {
	res := ev.Resource
	switch ev.Kind {
	case resource.EventAllocated:
		err := a.store.RecordAllocation(ctx, model.Allocation{
			ID:          res.ID,
			Plugin:      res.Plugin.Name(),
			GroupRef:    res.Reader.GroupReference(),
			ReaderName:  res.Reader.Name(),
			Profile:     res.Profile,
			AllocatedAt: res.AllocatedAt,
		})
		if err != nil {
			return err
		}
	case resource.EventReleased, resource.EventRemoved:
		if err := a.store.RecordRelease(ctx, res.ID, ev.At, res.Reader.Exchanges()); err != nil {
			return err
		}
	}
	details := fmt.Sprintf("resource: %s, profile: %s, reader: %s, card: %s", res.ID, res.Profile, res.Reader.Name(), res.Card)
	return a.store.LogAction(ctx, string(ev.Kind), details)
}
