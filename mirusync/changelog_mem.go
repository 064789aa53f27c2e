// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pezware/mirubato-sub001/normalize"
)

// MemChangeLog is an in-memory ChangeLog for tests and single-process
// embedding. It implements the same per-user ordering, idempotency, and
// duplicate-prevention semantics as PgChangeLog.
type MemChangeLog struct {
	mu     sync.Mutex
	users  map[string]*memUser
	logger *slog.Logger
}

type memUser struct {
	lastVersion int64
	log         []ChangeRecord
	byChangeID  map[string]AppendResult
	rows        map[string]*memRow // entityType/entityID -> current row
	receipts    map[string]*PushResponse
}

type memRow struct {
	entityType normalize.EntityType
	entityID   string
	version    int64
	checksum   string
	deleted    bool
	deletedAt  time.Time
}

// NewMemChangeLog creates an empty in-memory change log.
func NewMemChangeLog(logger *slog.Logger) *MemChangeLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemChangeLog{
		users:  make(map[string]*memUser),
		logger: logger,
	}
}

func (m *MemChangeLog) user(userID string) *memUser {
	u := m.users[userID]
	if u == nil {
		u = &memUser{
			byChangeID: make(map[string]AppendResult),
			rows:       make(map[string]*memRow),
			receipts:   make(map[string]*PushResponse),
		}
		m.users[userID] = u
	}
	return u
}

func rowKey(t normalize.EntityType, id string) string { return string(t) + "/" + id }

// Append implements ChangeLog.
func (m *MemChangeLog) Append(_ context.Context, userID string, rec ChangeRecord, checksum string) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)

	// Idempotent replay: return the first call's result.
	if prior, ok := u.byChangeID[rec.ChangeID]; ok {
		return prior, nil
	}

	// Content-duplicate: same normalized content live under a different
	// entity ID. Only creates are rejected; updates legitimately converge.
	// Checksums are tracked per row, so two live rows converging on the same
	// content keep both indexed.
	if rec.ChangeType == ChangeCreated && checksum != "" {
		for _, row := range u.rows {
			if row.entityType == rec.EntityType && row.entityID != rec.EntityID &&
				!row.deleted && row.checksum == checksum {
				res := AppendResult{Status: StDuplicatePrevented, Record: rec}
				u.byChangeID[rec.ChangeID] = res
				return res, nil
			}
		}
	}

	u.lastVersion++
	now := time.Now().UTC()
	rec.Version = u.lastVersion
	rec.CreatedAt = now

	key := rowKey(rec.EntityType, rec.EntityID)
	row := u.rows[key]
	if row == nil {
		row = &memRow{entityType: rec.EntityType, entityID: rec.EntityID}
		u.rows[key] = row
	}
	row.version = rec.Version
	if rec.ChangeType == ChangeDeleted {
		row.deleted = true
		row.deletedAt = now
		row.checksum = ""
		rec.DeletedAt = &now
	} else {
		row.deleted = false
		row.deletedAt = time.Time{}
		row.checksum = checksum
	}

	u.log = append(u.log, rec)
	res := AppendResult{Status: StApplied, Version: rec.Version, Record: rec}
	u.byChangeID[rec.ChangeID] = res
	return res, nil
}

// ReadSince implements ChangeLog.
func (m *MemChangeLog) ReadSince(_ context.Context, userID string, after int64, limit int) (*ChangePage, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.user(userID)
	page := &ChangePage{NewCursor: after}
	for _, rec := range u.log {
		if rec.Version <= after {
			continue
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}
		page.Changes = append(page.Changes, rec)
		page.NewCursor = rec.Version
	}
	return page, nil
}

// HighestVersion implements ChangeLog.
func (m *MemChangeLog) HighestVersion(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user(userID).lastVersion, nil
}

// Receipt implements ChangeLog.
func (m *MemChangeLog) Receipt(_ context.Context, userID, key string) (*PushResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user(userID).receipts[key], nil
}

// SaveReceipt implements ChangeLog.
func (m *MemChangeLog) SaveReceipt(_ context.Context, userID, key string, resp *PushResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(userID).receipts[key] = resp
	return nil
}

// PurgeTombstones implements ChangeLog. Log rows for purged tombstones are
// removed as well; devices whose cursor predates the retention window are
// served a full catch-up by the coordinator, so the resulting gap is safe.
func (m *MemChangeLog) PurgeTombstones(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for _, u := range m.users {
		for key, row := range u.rows {
			if row.deleted && !row.deletedAt.IsZero() && row.deletedAt.Before(cutoff) {
				delete(u.rows, key)
				kept := u.log[:0]
				for _, rec := range u.log {
					if rec.EntityType == row.entityType && rec.EntityID == row.entityID {
						continue
					}
					kept = append(kept, rec)
				}
				u.log = kept
				purged++
			}
		}
	}
	return purged, nil
}
