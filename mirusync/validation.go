// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pezware/mirubato-sub001/normalize"
)

// Validation error sentinels for error mapping
var (
	ErrBadPayload        = errors.New("bad_payload")
	ErrUnknownEntityType = errors.New("unknown_entity_type")
)

// validateChange normalizes a change in place and returns the canonical
// content checksum (empty for deletes). Malformed changes fail here, before
// they can reach the change log.
func (c *Coordinator) validateChange(rec *ChangeRecord) (string, error) {
	rec.ChangeID = strings.TrimSpace(rec.ChangeID)
	if rec.ChangeID == "" {
		return "", fmt.Errorf("%w: missing changeId", ErrBadPayload)
	}
	rec.EntityID = strings.TrimSpace(rec.EntityID)
	if rec.EntityID == "" {
		return "", fmt.Errorf("%w: missing entityId", ErrBadPayload)
	}

	rec.EntityType = normalize.EntityType(strings.ToLower(strings.TrimSpace(string(rec.EntityType))))
	if !normalize.KnownEntityType(rec.EntityType) {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, rec.EntityType)
	}

	rec.ChangeType = strings.ToUpper(strings.TrimSpace(rec.ChangeType))
	switch rec.ChangeType {
	case ChangeCreated, ChangeUpdated:
		if c.config.MaxPayloadBytes > 0 && len(rec.Payload) > c.config.MaxPayloadBytes {
			return "", fmt.Errorf("%w: payload too large: %d > %d", ErrBadPayload, len(rec.Payload), c.config.MaxPayloadBytes)
		}
		norm, err := normalize.Normalize(rec.EntityType, rec.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if norm.ID != rec.EntityID {
			return "", fmt.Errorf("%w: payload id %q does not match entityId %q", ErrBadPayload, norm.ID, rec.EntityID)
		}
		rec.Payload = norm.Canonical
		return norm.Checksum, nil
	case ChangeDeleted:
		if len(rec.Payload) != 0 {
			return "", fmt.Errorf("%w: DELETED must not include payload", ErrBadPayload)
		}
		return "", nil
	default:
		return "", fmt.Errorf("%w: invalid changeType %q", ErrBadPayload, rec.ChangeType)
	}
}

// invalidReason maps a validation error to its wire reason.
func invalidReason(err error) string {
	if errors.Is(err, ErrUnknownEntityType) {
		return ReasonUnknownEntityType
	}
	return ReasonBadPayload
}
