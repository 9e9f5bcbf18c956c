// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package store

import (
	"context"
	"fmt"

	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/uptrace/bun"
)

// BackupSchemaVersion is written into every export.
const BackupSchemaVersion = 1

// ExportBackup reads every table inside one transaction.
func (s *Store) ExportBackup(ctx context.Context) (*model.BackupData, error) {
	backup := &model.BackupData{SchemaVersion: BackupSchemaVersion}
	err := WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		var als []AuditLogModel
		if err := tx.NewSelect().Model(&als).OrderExpr("id ASC").Scan(ctx); err != nil {
			return err
		}
		for _, a := range als {
			backup.AuditLogEntries = append(backup.AuditLogEntries, a.toModel())
		}

		var allocs []AllocationModel
		if err := tx.NewSelect().Model(&allocs).OrderExpr("allocated_at ASC").Scan(ctx); err != nil {
			return err
		}
		for _, a := range allocs {
			backup.Allocations = append(backup.Allocations, a.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, MapDBError(err)
	}
	return backup, nil
}

// ImportBackup wipes every table and replaces the content with backup.
func (s *Store) ImportBackup(ctx context.Context, backup *model.BackupData) error {
	if backup == nil {
		return fmt.Errorf("backup is nil")
	}
	if backup.SchemaVersion != BackupSchemaVersion {
		return fmt.Errorf("unsupported backup schema version %d (expected %d)", backup.SchemaVersion, BackupSchemaVersion)
	}
	return WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		for _, t := range []string{"reader_allocations", "audit_log"} {
			if _, err := ExecRaw(ctx, tx, fmt.Sprintf("DELETE FROM %s", t)); err != nil {
				return err
			}
		}
		for _, e := range backup.AuditLogEntries {
			if _, err := ExecRaw(ctx, tx, "INSERT INTO audit_log (id, timestamp, username, action, details) VALUES (?, ?, ?, ?, ?)",
				e.ID, e.Timestamp.UTC(), e.Username, e.Action, e.Details); err != nil {
				return MapDBError(err)
			}
		}
		for _, a := range backup.Allocations {
			m := allocationFromModel(a)
			if _, err := tx.NewInsert().Model(&m).Exec(ctx); err != nil {
				return MapDBError(err)
			}
		}
		// Explicit ids leave the serial sequence behind.
		if s.dbType == TypePostgres && len(backup.AuditLogEntries) > 0 {
			if _, err := ExecRaw(ctx, tx, "SELECT setval(pg_get_serial_sequence('audit_log', 'id'), (SELECT MAX(id) FROM audit_log))"); err != nil {
				return err
			}
		}
		return nil
	})
}
