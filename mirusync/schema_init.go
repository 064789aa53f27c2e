// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required sync tables within an existing
// transaction.
func initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Dedicated sync schema
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Per-user version counter. The row lock taken by the upsert in
		// Append is what serializes concurrent writers for one user.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.user_version (
			user_id      TEXT   PRIMARY KEY,
			last_version BIGINT NOT NULL DEFAULT 0
		)`,

		// 2) Current row per (user, entity type, entity id). Deletes are
		// tombstones: deleted=true with deleted_at set, retained for the
		// configured retention window.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.entity_row (
			user_id     TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			version     BIGINT      NOT NULL,
			checksum    TEXT,
			payload     JSON,
			deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at  TIMESTAMPTZ,
			PRIMARY KEY (user_id, entity_type, entity_id)
		)`,
		// Content-duplicate detection: one live row per canonical checksum.
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS entity_row_checksum_idx
			ON sync.entity_row (user_id, entity_type, checksum)
			WHERE NOT deleted AND checksum IS NOT NULL`,

		// 3) Append-only distribution log, versioned per user.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_log (
			user_id     TEXT        NOT NULL,
			version     BIGINT      NOT NULL,
			change_id   TEXT        NOT NULL,
			entity_type TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			change_type TEXT        NOT NULL CHECK (change_type IN ('CREATED','UPDATED','DELETED')),
			device_id   TEXT        NOT NULL,
			payload     JSON,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, version),
			UNIQUE (user_id, change_id),
			CONSTRAINT change_log_payload_by_type_chk
			CHECK ((change_type = 'DELETED' AND payload IS NULL) OR (change_type IN ('CREATED','UPDATED') AND payload IS NOT NULL))
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS change_log_entity_idx
			ON sync.change_log (user_id, entity_type, entity_id, version)`,

		// 4) Idempotency receipts: per-change outcomes (insert-first gate)
		// and whole-batch push responses.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.change_receipt (
			user_id   TEXT   NOT NULL,
			change_id TEXT   NOT NULL,
			status    TEXT   NOT NULL,
			version   BIGINT,
			PRIMARY KEY (user_id, change_id)
		)`,
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.push_receipt (
			user_id         TEXT        NOT NULL,
			idempotency_key TEXT        NOT NULL,
			response        JSON        NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, idempotency_key)
		)`,
	}

	for i, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("schema migration %d failed: %w", i, err)
		}
	}
	return nil
}
