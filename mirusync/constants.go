// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

// Change type constants for change records
const (
	ChangeCreated = "CREATED"
	ChangeUpdated = "UPDATED"
	ChangeDeleted = "DELETED"
)

// Status constants for per-change push outcomes
const (
	StApplied            = "applied"
	StDuplicatePrevented = "duplicate_prevented"
	StInvalid            = "invalid"
)

// Invalid reason constants
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnknownEntityType = "unknown_entity_type"
	ReasonBatchTooLarge     = "batch_too_large"
	ReasonInternalError     = "internal_error"
)
