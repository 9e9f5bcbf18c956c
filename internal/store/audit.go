// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package store

import (
	"context"
	"os/user"
	"strings"
	"time"

	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/uptrace/bun"
)

// AuditLogModel maps the audit_log table.
type AuditLogModel struct {
	bun.BaseModel `bun:"table:audit_log"`
	ID            int       `bun:"id,pk,autoincrement"`
	Timestamp     time.Time `bun:"timestamp"`
	Username      string    `bun:"username"`
	Action        string    `bun:"action"`
	Details       string    `bun:"details"`
}

func (a AuditLogModel) toModel() model.AuditLogEntry {
	return model.AuditLogEntry{ID: a.ID, Timestamp: a.Timestamp, Username: a.Username, Action: a.Action, Details: a.Details}
}

// currentUsername returns the OS user without a Windows domain prefix.
func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	if parts := strings.Split(u.Username, `\`); len(parts) > 1 {
		return parts[1]
	}
	return u.Username
}

// LogAction records an audit trail event attributed to the current OS user.
func (s *Store) LogAction(ctx context.Context, action, details string) error {
	_, err := ExecRaw(ctx, s.bun, "INSERT INTO audit_log (timestamp, username, action, details) VALUES (?, ?, ?, ?)",
		time.Now().UTC(), currentUsername(), action, details)
	return MapDBError(err)
}

// GetAllAuditLogEntries returns the audit trail, most recent first.
func (s *Store) GetAllAuditLogEntries(ctx context.Context) ([]model.AuditLogEntry, error) {
	var rows []AuditLogModel
	if err := s.bun.NewSelect().Model(&rows).OrderExpr("timestamp DESC, id DESC").Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.AuditLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
