// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the records persisted by the store.
package model // import "github.com/calypsonet/legacyhsm/internal/model"

import (
	"fmt"
	"time"
)

// AuditLogEntry is one line of the audit trail.
type AuditLogEntry struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
}

// Allocation records the lifetime of one allocated reader.
type Allocation struct {
	ID          string     `json:"id"`
	Plugin      string     `json:"plugin"`
	GroupRef    string     `json:"group_ref"`
	ReaderName  string     `json:"reader_name"`
	Profile     string     `json:"profile"`
	AllocatedAt time.Time  `json:"allocated_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	Exchanges   int        `json:"exchanges"`
}

// Open reports whether the reader has not been released yet.
func (a Allocation) Open() bool { return a.ReleasedAt == nil }

// String returns "reader (group N)".
func (a Allocation) String() string {
	return fmt.Sprintf("%s (group %s)", a.ReaderName, a.GroupRef)
}

// BackupData is the full content of the store.
type BackupData struct {
	SchemaVersion   int             `json:"schema_version"`
	AuditLogEntries []AuditLogEntry `json:"audit_log"`
	Allocations     []Allocation    `json:"allocations"`
}
