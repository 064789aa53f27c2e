// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"time"
)

// ChangeLog is the durable, per-user, strictly-ordered record of changes and
// the single writer-serialization point for entity rows. All mutation goes
// through Append; nothing outside the Coordinator/ChangeLog pair writes
// entity rows directly.
type ChangeLog interface {
	// Append assigns the next per-user version, stamps CreatedAt
	// server-side, upserts the single current row per
	// (userID, entityType, entityID), and records the change.
	//
	// checksum is the canonical content checksum of the normalized payload
	// (empty for deletes); a CREATED change whose checksum matches an
	// existing live row under a different entity ID returns
	// StDuplicatePrevented instead of inserting.
	//
	// Append is idempotent on (userID, rec.ChangeID): a replay returns the
	// first call's result without writing a second log row or advancing the
	// version counter.
	Append(ctx context.Context, userID string, rec ChangeRecord, checksum string) (AppendResult, error)

	// ReadSince returns changes with version > after in strictly increasing
	// version order, tombstones included. limit bounds the page size.
	ReadSince(ctx context.Context, userID string, after int64, limit int) (*ChangePage, error)

	// HighestVersion returns the per-user version watermark.
	HighestVersion(ctx context.Context, userID string) (int64, error)

	// Receipt returns the stored push response for an idempotency key, or
	// nil when the key has not been seen.
	Receipt(ctx context.Context, userID, key string) (*PushResponse, error)

	// SaveReceipt stores a push response under an idempotency key.
	SaveReceipt(ctx context.Context, userID, key string, resp *PushResponse) error

	// PurgeTombstones physically removes tombstone rows whose deletion is
	// older than cutoff, returning the number of rows purged. The retention
	// window is an operational policy choice; see Config.TombstoneRetention.
	PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error)
}
