// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"encoding/json"
	"time"

	"github.com/pezware/mirubato-sub001/normalize"
)

// ChangeRecord is the unit of synchronization: one create/update/delete
// event for a single entity.
//
// ChangeID is generated by the client when the change is first recorded and
// stays stable across retries; replaying the same ChangeID is a no-op.
// Version and CreatedAt are absent on the wire until the server stamps them.
type ChangeRecord struct {
	ChangeID   string               `json:"changeId"`
	EntityID   string               `json:"entityId"`
	EntityType normalize.EntityType `json:"entityType"`
	ChangeType string               `json:"changeType"`
	DeviceID   string               `json:"deviceId,omitempty"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
	Version    int64                `json:"version,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	DeletedAt  *time.Time           `json:"deletedAt,omitempty"`
}

// AppendResult is the outcome of ChangeLog.Append.
type AppendResult struct {
	Status  string       // StApplied or StDuplicatePrevented
	Version int64        // assigned version, zero when duplicate was prevented
	Record  ChangeRecord // server-stamped record as written to the log
}

// ChangePage is one page of ordered changes returned by ChangeLog.ReadSince.
type ChangePage struct {
	Changes   []ChangeRecord
	NewCursor int64
	HasMore   bool
}

// REST/JSON models for the batch sync gateway.

// PushRequest is a batch upload of pending client changes. The optional
// idempotency key makes the whole batch replay-safe: a replayed request
// returns the stored response verbatim.
type PushRequest struct {
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Changes        []ChangeRecord `json:"changes"`
}

// ChangePushStatus is the per-record outcome of a push.
type ChangePushStatus struct {
	ChangeID string         `json:"changeId"`
	Status   string         `json:"status"`
	Version  *int64         `json:"version,omitempty"`
	Message  string         `json:"message,omitempty"`
	Invalid  map[string]any `json:"invalid,omitempty"`
}

// PushResponse is the server response to a push request.
type PushResponse struct {
	Accepted       bool               `json:"accepted"`
	HighestVersion int64              `json:"highestVersion"`
	Statuses       []ChangePushStatus `json:"statuses"`
}

// PullResponse is the server response to a pull request. Tombstones are
// included; consumers must not filter them out before reconciling deletes.
type PullResponse struct {
	Changes   []ChangeRecord `json:"changes"`
	NewCursor int64          `json:"newCursor"`
	HasMore   bool           `json:"hasMore"`
}

// SchemaVersionResponse reports the wire protocol schema version.
type SchemaVersionResponse struct {
	Version int `json:"schema_version"`
}

// ErrorResponse is a standardized HTTP error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
