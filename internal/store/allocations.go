// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calypsonet/legacyhsm/internal/model"
	"github.com/uptrace/bun"
)

// AllocationModel maps the reader_allocations table.
type AllocationModel struct {
	bun.BaseModel `bun:"table:reader_allocations"`
	ID            string       `bun:"id,pk"`
	Plugin        string       `bun:"plugin"`
	GroupRef      string       `bun:"group_ref"`
	ReaderName    string       `bun:"reader_name"`
	Profile       string       `bun:"profile"`
	AllocatedAt   time.Time    `bun:"allocated_at"`
	ReleasedAt    sql.NullTime `bun:"released_at"`
	Exchanges     int          `bun:"exchanges"`
}

func allocationFromModel(a model.Allocation) AllocationModel {
	m := AllocationModel{
		ID:          a.ID,
		Plugin:      a.Plugin,
		GroupRef:    a.GroupRef,
		ReaderName:  a.ReaderName,
		Profile:     a.Profile,
		AllocatedAt: a.AllocatedAt.UTC(),
		Exchanges:   a.Exchanges,
	}
	if a.ReleasedAt != nil {
		m.ReleasedAt = sql.NullTime{Time: a.ReleasedAt.UTC(), Valid: true}
	}
	return m
}

func (m AllocationModel) toModel() model.Allocation {
	a := model.Allocation{
		ID:          m.ID,
		Plugin:      m.Plugin,
		GroupRef:    m.GroupRef,
		ReaderName:  m.ReaderName,
		Profile:     m.Profile,
		AllocatedAt: m.AllocatedAt,
		Exchanges:   m.Exchanges,
	}
	if m.ReleasedAt.Valid {
		t := m.ReleasedAt.Time
		a.ReleasedAt = &t
	}
	return a
}

// RecordAllocation stores a new allocation. IDs are unique.
func (s *Store) RecordAllocation(ctx context.Context, a model.Allocation) error {
	if a.ID == "" {
		return fmt.Errorf("allocation id is required")
	}
	m := allocationFromModel(a)
	_, err := s.bun.NewInsert().Model(&m).Exec(ctx)
	return MapDBError(err)
}

// RecordRelease closes an open allocation. It returns ErrNotFound when id is
// unknown or already released.
func (s *Store) RecordRelease(ctx context.Context, id string, releasedAt time.Time, exchanges int) error {
	res, err := s.bun.NewUpdate().Model((*AllocationModel)(nil)).
		Set("released_at = ?", releasedAt.UTC()).
		Set("exchanges = ?", exchanges).
		Where("id = ?", id).
		Where("released_at IS NULL").
		Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("allocation %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetAllocations returns allocations, most recent first. With openOnly only
// readers not yet released are returned.
func (s *Store) GetAllocations(ctx context.Context, openOnly bool) ([]model.Allocation, error) {
	var rows []AllocationModel
	q := s.bun.NewSelect().Model(&rows).OrderExpr("allocated_at DESC")
	if openOnly {
		q = q.Where("released_at IS NULL")
	}
	if err := q.Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	out := make([]model.Allocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
