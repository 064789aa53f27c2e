// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgChangeLog is the PostgreSQL-backed ChangeLog. One Append runs in a single
// REPEATABLE READ transaction; the per-user counter row lock serializes
// concurrent writers without any external locking.
type PgChangeLog struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgChangeLog creates the store and initializes the sync schema.
func NewPgChangeLog(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgChangeLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgChangeLog{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync schema: %w", err)
	}
	return s, nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *PgChangeLog) Pool() *pgxpool.Pool { return s.pool }

// Append implements ChangeLog.
func (s *PgChangeLog) Append(ctx context.Context, userID string, rec ChangeRecord, checksum string) (AppendResult, error) {
	var result AppendResult

	// Serialization failures and deadlocks are retried with backoff; the
	// insert-first receipt gate keeps retries idempotent.
	err := withPGTxRetry(ctx, 3, func() error {
		return pgx.BeginTxFunc(ctx, s.pool,
			pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite},
			func(tx pgx.Tx) error {
				var err error
				result, err = s.appendInTx(ctx, tx, userID, rec, checksum)
				return err
			})
	})
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to append change %s: %w", rec.ChangeID, err)
	}
	return result, nil
}

func (s *PgChangeLog) appendInTx(ctx context.Context, tx pgx.Tx, userID string, rec ChangeRecord, checksum string) (AppendResult, error) {
	// Insert-first idempotency gate: the second writer of the same
	// (user_id, change_id) sees the first writer's receipt and returns it.
	tag, err := tx.Exec(ctx, `
		INSERT INTO sync.change_receipt (user_id, change_id, status, version)
		VALUES (@user_id, @change_id, 'pending', NULL)
		ON CONFLICT (user_id, change_id) DO NOTHING`,
		pgx.NamedArgs{"user_id": userID, "change_id": rec.ChangeID})
	if err != nil {
		return AppendResult{}, fmt.Errorf("idempotency gate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.replayReceipt(ctx, tx, userID, rec)
	}

	// Content-duplicate check: a CREATED payload whose canonical checksum
	// matches a live row under a different entity ID is a no-op.
	if rec.ChangeType == ChangeCreated && checksum != "" {
		var otherID string
		err := tx.QueryRow(ctx, `
			SELECT entity_id FROM sync.entity_row
			WHERE user_id = @user_id AND entity_type = @entity_type
			  AND checksum = @checksum AND NOT deleted AND entity_id <> @entity_id
			LIMIT 1`,
			pgx.NamedArgs{
				"user_id":     userID,
				"entity_type": string(rec.EntityType),
				"checksum":    checksum,
				"entity_id":   rec.EntityID,
			}).Scan(&otherID)
		switch {
		case err == nil:
			s.logger.Debug("Content duplicate prevented",
				"user_id", userID, "entity_type", rec.EntityType,
				"entity_id", rec.EntityID, "existing_entity_id", otherID)
			if _, err := tx.Exec(ctx, `
				UPDATE sync.change_receipt SET status = @status
				WHERE user_id = @user_id AND change_id = @change_id`,
				pgx.NamedArgs{"status": StDuplicatePrevented, "user_id": userID, "change_id": rec.ChangeID}); err != nil {
				return AppendResult{}, fmt.Errorf("store duplicate receipt: %w", err)
			}
			return AppendResult{Status: StDuplicatePrevented, Record: rec}, nil
		case errors.Is(err, pgx.ErrNoRows):
			// no duplicate
		default:
			return AppendResult{}, fmt.Errorf("content duplicate check: %w", err)
		}
	}

	// Next per-user version, gap-free. The ON CONFLICT update locks the
	// counter row for the rest of the transaction.
	var version int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO sync.user_version (user_id, last_version)
		VALUES (@user_id, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET last_version = sync.user_version.last_version + 1
		RETURNING last_version`,
		pgx.NamedArgs{"user_id": userID}).Scan(&version); err != nil {
		return AppendResult{}, fmt.Errorf("advance version counter: %w", err)
	}

	// Upsert the current row. A stale device re-creating an existing entity
	// resolves through the conflict clause, never as an error back to the
	// legitimate writer.
	if rec.ChangeType == ChangeDeleted {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync.entity_row (user_id, entity_type, entity_id, version, checksum, payload, deleted, updated_at, deleted_at)
			VALUES (@user_id, @entity_type, @entity_id, @version, NULL, NULL, TRUE, now(), now())
			ON CONFLICT (user_id, entity_type, entity_id)
			DO UPDATE SET version = EXCLUDED.version, checksum = NULL,
				deleted = TRUE, updated_at = now(), deleted_at = now()`,
			pgx.NamedArgs{
				"user_id":     userID,
				"entity_type": string(rec.EntityType),
				"entity_id":   rec.EntityID,
				"version":     version,
			}); err != nil {
			return AppendResult{}, fmt.Errorf("tombstone entity row: %w", err)
		}
	} else {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync.entity_row (user_id, entity_type, entity_id, version, checksum, payload, deleted, updated_at)
			VALUES (@user_id, @entity_type, @entity_id, @version, @checksum, @payload::json, FALSE, now())
			ON CONFLICT (user_id, entity_type, entity_id)
			DO UPDATE SET version = EXCLUDED.version, checksum = EXCLUDED.checksum,
				payload = EXCLUDED.payload, deleted = FALSE, updated_at = now(), deleted_at = NULL`,
			pgx.NamedArgs{
				"user_id":     userID,
				"entity_type": string(rec.EntityType),
				"entity_id":   rec.EntityID,
				"version":     version,
				"checksum":    checksum,
				"payload":     []byte(rec.Payload),
			}); err != nil {
			return AppendResult{}, fmt.Errorf("upsert entity row: %w", err)
		}
	}

	// Append the log row; the server stamps created_at.
	var payload []byte
	if rec.ChangeType != ChangeDeleted {
		payload = rec.Payload
	}
	var createdAt time.Time
	if err := tx.QueryRow(ctx, `
		INSERT INTO sync.change_log (user_id, version, change_id, entity_type, entity_id, change_type, device_id, payload)
		VALUES (@user_id, @version, @change_id, @entity_type, @entity_id, @change_type, @device_id, @payload::json)
		RETURNING created_at`,
		pgx.NamedArgs{
			"user_id":     userID,
			"version":     version,
			"change_id":   rec.ChangeID,
			"entity_type": string(rec.EntityType),
			"entity_id":   rec.EntityID,
			"change_type": rec.ChangeType,
			"device_id":   rec.DeviceID,
			"payload":     payload,
		}).Scan(&createdAt); err != nil {
		return AppendResult{}, fmt.Errorf("append log row: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sync.change_receipt SET status = @status, version = @version
		WHERE user_id = @user_id AND change_id = @change_id`,
		pgx.NamedArgs{"status": StApplied, "version": version, "user_id": userID, "change_id": rec.ChangeID}); err != nil {
		return AppendResult{}, fmt.Errorf("store applied receipt: %w", err)
	}

	rec.Version = version
	rec.CreatedAt = createdAt
	if rec.ChangeType == ChangeDeleted {
		deletedAt := createdAt
		rec.DeletedAt = &deletedAt
	}
	return AppendResult{Status: StApplied, Version: version, Record: rec}, nil
}

// replayReceipt reconstructs the first call's result for a replayed change ID.
func (s *PgChangeLog) replayReceipt(ctx context.Context, tx pgx.Tx, userID string, rec ChangeRecord) (AppendResult, error) {
	var (
		status  string
		version *int64
	)
	if err := tx.QueryRow(ctx, `
		SELECT status, version FROM sync.change_receipt
		WHERE user_id = @user_id AND change_id = @change_id`,
		pgx.NamedArgs{"user_id": userID, "change_id": rec.ChangeID}).Scan(&status, &version); err != nil {
		return AppendResult{}, fmt.Errorf("read receipt: %w", err)
	}

	switch status {
	case StApplied:
		if version == nil {
			return AppendResult{}, fmt.Errorf("applied receipt without version for change %s", rec.ChangeID)
		}
		stored, err := s.readLogRow(ctx, tx, userID, *version)
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Status: StApplied, Version: *version, Record: *stored}, nil
	case StDuplicatePrevented:
		return AppendResult{Status: StDuplicatePrevented, Record: rec}, nil
	default:
		// A 'pending' receipt means a concurrent writer holds the gate row;
		// under REPEATABLE READ that writer either commits or rolls back, so
		// surfacing a retryable error is correct.
		return AppendResult{}, fmt.Errorf("change %s is being applied concurrently; retry", rec.ChangeID)
	}
}

func (s *PgChangeLog) readLogRow(ctx context.Context, tx pgx.Tx, userID string, version int64) (*ChangeRecord, error) {
	var (
		rec     ChangeRecord
		payload []byte
	)
	if err := tx.QueryRow(ctx, `
		SELECT change_id, entity_type, entity_id, change_type, device_id, payload, version, created_at
		FROM sync.change_log
		WHERE user_id = @user_id AND version = @version`,
		pgx.NamedArgs{"user_id": userID, "version": version}).Scan(
		&rec.ChangeID, &rec.EntityType, &rec.EntityID, &rec.ChangeType,
		&rec.DeviceID, &payload, &rec.Version, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("read log row v%d: %w", version, err)
	}
	rec.Payload = payload
	if rec.ChangeType == ChangeDeleted {
		deletedAt := rec.CreatedAt
		rec.DeletedAt = &deletedAt
	}
	return &rec, nil
}

// ReadSince implements ChangeLog.
func (s *PgChangeLog) ReadSince(ctx context.Context, userID string, after int64, limit int) (*ChangePage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l.change_id, l.entity_type, l.entity_id, l.change_type,
		       l.device_id, l.payload, l.version, l.created_at,
		       r.deleted_at
		FROM sync.change_log l
		LEFT JOIN sync.entity_row r
		  ON r.user_id = l.user_id
		 AND r.entity_type = l.entity_type
		 AND r.entity_id = l.entity_id
		WHERE l.user_id = @user_id AND l.version > @after
		ORDER BY l.version
		LIMIT @limit`,
		pgx.NamedArgs{"user_id": userID, "after": after, "limit": limit + 1})
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	defer rows.Close()

	page := &ChangePage{NewCursor: after}
	for rows.Next() {
		var (
			rec       ChangeRecord
			payload   []byte
			deletedAt *time.Time
		)
		if err := rows.Scan(&rec.ChangeID, &rec.EntityType, &rec.EntityID, &rec.ChangeType,
			&rec.DeviceID, &payload, &rec.Version, &rec.CreatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		rec.Payload = payload
		if rec.ChangeType == ChangeDeleted {
			rec.DeletedAt = deletedAt
		}
		if len(page.Changes) == limit {
			page.HasMore = true
			break
		}
		page.Changes = append(page.Changes, rec)
		page.NewCursor = rec.Version
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	return page, nil
}

// HighestVersion implements ChangeLog.
func (s *PgChangeLog) HighestVersion(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_version), 0) FROM sync.user_version WHERE user_id = @user_id`,
		pgx.NamedArgs{"user_id": userID}).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to read version watermark: %w", err)
	}
	return v, nil
}

// Receipt implements ChangeLog.
func (s *PgChangeLog) Receipt(ctx context.Context, userID, key string) (*PushResponse, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT response FROM sync.push_receipt
		WHERE user_id = @user_id AND idempotency_key = @key`,
		pgx.NamedArgs{"user_id": userID, "key": key}).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read push receipt: %w", err)
	}
	var resp PushResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode push receipt: %w", err)
	}
	return &resp, nil
}

// SaveReceipt implements ChangeLog.
func (s *PgChangeLog) SaveReceipt(ctx context.Context, userID, key string, resp *PushResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode push receipt: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync.push_receipt (user_id, idempotency_key, response)
		VALUES (@user_id, @key, @response::json)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		pgx.NamedArgs{"user_id": userID, "key": key, "response": raw})
	if err != nil {
		return fmt.Errorf("failed to save push receipt: %w", err)
	}
	return nil
}

// PurgeTombstones implements ChangeLog. Log rows belonging to purged
// tombstones are removed too; cursors older than the retention window are
// forced through a full catch-up by the coordinator, so the gap is safe.
func (s *PgChangeLog) PurgeTombstones(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM sync.change_log l
			USING sync.entity_row r
			WHERE r.user_id = l.user_id
			  AND r.entity_type = l.entity_type
			  AND r.entity_id = l.entity_id
			  AND r.deleted AND r.deleted_at < @cutoff`,
			pgx.NamedArgs{"cutoff": cutoff}); err != nil {
			return fmt.Errorf("purge log rows: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM sync.entity_row
			WHERE deleted AND deleted_at < @cutoff`,
			pgx.NamedArgs{"cutoff": cutoff})
		if err != nil {
			return fmt.Errorf("purge tombstones: %w", err)
		}
		purged = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("Purged expired tombstones", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}
