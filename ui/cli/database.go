// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/calypsonet/legacyhsm/internal/i18n"
	"github.com/calypsonet/legacyhsm/internal/logging"
	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func newAuditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := appStore.GetAllAuditLogEntries(cmd.Context())
			if err != nil {
				return errors.New(i18n.T("audit.error_load", err))
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, i18n.T("audit.empty"))
				return nil
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[:limit]
			}
			fmt.Fprintf(out, "%-19s  %-12s  %-20s  %s\n", "TIMESTAMP", "USER", "ACTION", "DETAILS")
			for _, e := range entries {
				fmt.Fprintf(out, "%-19s  %-12s  %-20s  %s\n", e.Timestamp.Local().Format(timeLayout), e.Username, e.Action, e.Details)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most n entries (0 shows all)")
	return cmd
}

func newAllocationsCmd() *cobra.Command {
	var openOnly bool
	cmd := &cobra.Command{
		Use:   "allocations",
		Short: "Show recorded reader allocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			allocs, err := appStore.GetAllocations(cmd.Context(), openOnly)
			if err != nil {
				return errors.New(i18n.T("allocations.error_load", err))
			}
			out := cmd.OutOrStdout()
			if len(allocs) == 0 {
				fmt.Fprintln(out, i18n.T("allocations.empty"))
				return nil
			}
			fmt.Fprintf(out, "%-19s  %-19s  %-9s  %-40s  %s\n", "ALLOCATED", "RELEASED", "EXCHANGES", "READER", "PROFILE")
			for _, a := range allocs {
				fmt.Fprintf(out, "%-19s  %-19s  %-9s  %-40s  %s\n",
					a.AllocatedAt.Local().Format(timeLayout), releasedColumn(a), strconv.Itoa(a.Exchanges), a.String(), a.Profile)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&openOnly, "open", false, "Only show allocations that were not released")
	return cmd
}

func releasedColumn(a model.Allocation) string {
	if a.Open() {
		return "-"
	}
	return a.ReleasedAt.Local().Format(timeLayout)
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [output-file]",
		Short: "Back up the audit database to a compressed JSON file",
		Long: `Exports the audit log and the allocation history to a zstd compressed JSON
file. Without an output file a timestamped name is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputFile := fmt.Sprintf("legacyhsm-backup-%s.json.zst", time.Now().Format("2006-01-02-150405"))
			if len(args) > 0 {
				outputFile = args[0]
			}

			logging.Infof("%s", i18n.T("backup.starting"))
			data, err := appStore.ExportBackup(cmd.Context())
			if err != nil {
				return errors.New(i18n.T("backup.error_export", err))
			}
			if err := writeCompressedBackup(outputFile, data); err != nil {
				return errors.New(i18n.T("backup.error_write", err))
			}
			if err := appStore.LogAction(cmd.Context(), "BACKUP", fmt.Sprintf("file: %s", outputFile)); err != nil {
				logging.Warnf("could not write audit log: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("backup.success", outputFile))
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-file>",
		Short: "Restore the audit database from a backup file",
		Long:  `Replaces the audit log and the allocation history with the content of a backup. This is destructive.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readCompressedBackup(args[0])
			if err != nil {
				return errors.New(i18n.T("restore.error_read", err))
			}
			if err := appStore.ImportBackup(cmd.Context(), data); err != nil {
				return errors.New(i18n.T("restore.error_import", err))
			}
			if err := appStore.LogAction(cmd.Context(), "RESTORE", fmt.Sprintf("file: %s", args[0])); err != nil {
				logging.Warnf("could not write audit log: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("restore.success", args[0]))
			return nil
		},
	}
}

func newDBMaintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-maintain",
		Short: "Run engine specific database maintenance",
		Long:  `Runs VACUUM/ANALYZE on SQLite and PostgreSQL, or OPTIMIZE TABLE on MySQL.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := appStore.RunMaintenance(cmd.Context()); err != nil {
				return errors.New(i18n.T("maintain.error", err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), i18n.T("maintain.success", appStore.Type()))
			return nil
		},
	}
}

// writeCompressedBackup writes data as zstd compressed JSON.
func writeCompressedBackup(path string, data *model.BackupData) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("could not create zstd writer: %w", err)
	}
	je := json.NewEncoder(enc)
	je.SetIndent("", "  ")
	if err := je.Encode(data); err != nil {
		_ = enc.Close()
		return fmt.Errorf("could not encode backup: %w", err)
	}
	return enc.Close()
}

// readCompressedBackup reads a file written by writeCompressedBackup.
func readCompressedBackup(path string) (*model.BackupData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer dec.Close()

	var data model.BackupData
	if err := json.NewDecoder(io.Reader(dec)).Decode(&data); err != nil {
		return nil, fmt.Errorf("could not decode backup: %w", err)
	}
	return &data, nil
}
