// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"fmt"
	"time"

	"github.com/pezware/mirubato-sub001/mirusync"
)

// MergeEngine folds remote change records into the device-local view using
// last-write-wins. The server-assigned version is the primary ordering: a
// record whose version is not newer than the local entity's is discarded.
// Timestamps are a fallback only for entities that have never been
// acknowledged by the server (local version zero), since device clocks are
// not trustworthy.
//
// Merging is idempotent and commutative for records of the same entity:
// applying any permutation of the same set of records converges to the state
// carrying the highest version.
type MergeEngine struct {
	store *Store
}

// NewMergeEngine creates a merge engine over the local store.
func NewMergeEngine(store *Store) *MergeEngine {
	return &MergeEngine{store: store}
}

// shouldApply decides whether remote supersedes the local entity state.
func shouldApply(local *LocalEntity, remote *mirusync.ChangeRecord) bool {
	if local == nil {
		return true
	}
	if local.Version > 0 && remote.Version > 0 {
		return remote.Version > local.Version
	}
	// One side lacks a server version; fall back to timestamps. Equal
	// timestamps favor the remote so an unacknowledged local draft converges
	// to the server's state.
	remoteAt := remote.CreatedAt
	if remote.DeletedAt != nil && remote.DeletedAt.After(remoteAt) {
		remoteAt = *remote.DeletedAt
	}
	return !remoteAt.Before(local.UpdatedAt)
}

// ApplyRemote merges one remote change record. Returns true when the record
// changed the local view, false when it was stale or a duplicate. Tombstones
// are kept locally so a stale update arriving later cannot resurrect the
// entity.
func (m *MergeEngine) ApplyRemote(rec *mirusync.ChangeRecord) (bool, error) {
	local, err := m.store.GetEntity(rec.EntityType, rec.EntityID)
	if err != nil {
		return false, err
	}
	if !shouldApply(local, rec) {
		return false, nil
	}

	e := &LocalEntity{
		EntityID:   rec.EntityID,
		EntityType: rec.EntityType,
		Version:    rec.Version,
		UpdatedAt:  rec.CreatedAt,
	}
	if rec.ChangeType == mirusync.ChangeDeleted {
		e.Deleted = true
		deletedAt := rec.CreatedAt
		if rec.DeletedAt != nil {
			deletedAt = *rec.DeletedAt
		}
		e.DeletedAt = &deletedAt
	} else {
		e.Payload = rec.Payload
	}

	if err := m.store.PutEntity(e); err != nil {
		return false, fmt.Errorf("failed to persist merged entity: %w", err)
	}
	return true, nil
}

// ApplyBulk merges one catch-up chunk and advances the cursor to newCursor.
// Records within a chunk are ordered by version, so per-record merge gives
// the same result as replaying the log. The cursor only advances on
// data-bearing progress; an empty chunk with a zero cursor leaves local
// state untouched.
func (m *MergeEngine) ApplyBulk(records []mirusync.ChangeRecord, newCursor int64) (int, error) {
	applied := 0
	for i := range records {
		ok, err := m.ApplyRemote(&records[i])
		if err != nil {
			return applied, fmt.Errorf("failed to merge record version %d: %w", records[i].Version, err)
		}
		if ok {
			applied++
		}
	}
	if newCursor > 0 {
		if err := m.store.SetCursor(newCursor); err != nil {
			return applied, fmt.Errorf("failed to advance cursor: %w", err)
		}
	}
	return applied, nil
}

// ApplyLive merges one realtime broadcast and advances the cursor to the
// record's version.
func (m *MergeEngine) ApplyLive(rec *mirusync.ChangeRecord) (bool, error) {
	ok, err := m.ApplyRemote(rec)
	if err != nil {
		return false, err
	}
	if rec.Version > 0 {
		if err := m.store.SetCursor(rec.Version); err != nil {
			return ok, fmt.Errorf("failed to advance cursor: %w", err)
		}
	}
	return ok, nil
}

// RecordLocal persists an optimistic local mutation before it is
// acknowledged: the entity carries the device's own state with version zero
// until the server assigns one.
func (m *MergeEngine) RecordLocal(rec *mirusync.ChangeRecord, now time.Time) error {
	e := &LocalEntity{
		EntityID:   rec.EntityID,
		EntityType: rec.EntityType,
		UpdatedAt:  now,
	}
	if rec.ChangeType == mirusync.ChangeDeleted {
		e.Deleted = true
		e.DeletedAt = &now
	} else {
		e.Payload = rec.Payload
	}
	if local, err := m.store.GetEntity(rec.EntityType, rec.EntityID); err != nil {
		return err
	} else if local != nil {
		// Keep the acknowledged version so a later remote record must beat
		// it to override this device's optimistic state.
		e.Version = local.Version
	}
	return m.store.PutEntity(e)
}

// AcknowledgeLocal stamps the server-assigned version onto an entity after
// its change was acknowledged. The cursor is deliberately not advanced here:
// versions between the cursor and the acknowledged one may belong to other
// devices and must still be delivered. Re-delivery of the device's own
// change via catch-up is an idempotent no-op.
func (m *MergeEngine) AcknowledgeLocal(rec *mirusync.ChangeRecord, version int64) error {
	local, err := m.store.GetEntity(rec.EntityType, rec.EntityID)
	if err != nil {
		return err
	}
	if local != nil && version > local.Version {
		local.Version = version
		if err := m.store.PutEntity(local); err != nil {
			return err
		}
	}
	return nil
}
