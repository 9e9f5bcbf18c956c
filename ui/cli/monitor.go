// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"time"

	"github.com/calypsonet/legacyhsm/internal/service"
	"github.com/calypsonet/legacyhsm/internal/store"
	"github.com/calypsonet/legacyhsm/internal/tui"
	"github.com/spf13/cobra"
)

// runMonitor is replaced in tests; the real one needs a terminal.
var runMonitor = tui.RunMonitor

// snapshotSource reads group layout from the pool plugin and allocation
// state from the store, so allocations made by other processes show up.
func snapshotSource(pp *service.PoolPlugin, s *store.Store) tui.Source {
	return tui.SourceFunc(func(ctx context.Context) (tui.Snapshot, error) {
		allocs, err := s.GetAllocations(ctx, false)
		if err != nil {
			return tui.Snapshot{}, err
		}
		audit, err := s.GetAllAuditLogEntries(ctx)
		if err != nil {
			return tui.Snapshot{}, err
		}

		open := make(map[string]int)
		for _, a := range allocs {
			if a.Open() {
				open[a.GroupRef]++
			}
		}
		snap := tui.Snapshot{Allocations: allocs, Audit: audit, At: time.Now()}
		for _, g := range pp.ReaderGroupReferences() {
			snap.Groups = append(snap.Groups, tui.GroupStatus{Reference: g, Modules: moduleCount(pp, g), Open: open[g]})
		}
		return snap, nil
	})
}

func newMonitorCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch reader groups, allocations and the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, pp, err := openPool()
			if err != nil {
				return err
			}
			defer svc.Close()
			return runMonitor(cmd.Context(), snapshotSource(pp, appStore), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Refresh interval")
	return cmd
}
