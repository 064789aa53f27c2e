// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pezware/mirubato-sub001/mirusync"
	"github.com/pezware/mirubato-sub001/normalize"
)

// Typed mutation helpers over the generic CreateEntity/UpdateEntity/
// DeleteEntity. They assign a fresh entity ID when the caller left it empty
// and marshal the typed payload.

func marshalWithID(id string, v any) (string, json.RawMessage, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	return id, payload, nil
}

// CreateLogbookEntry records a new practice session.
func (c *Client) CreateLogbookEntry(e normalize.LogbookEntry) (entityID, changeID string, err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	id, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", "", err
	}
	changeID, err = c.record(normalize.EntityLogbookEntry, id, mirusync.ChangeCreated, payload)
	return id, changeID, err
}

// UpdateLogbookEntry records an edit to an existing practice session.
func (c *Client) UpdateLogbookEntry(e normalize.LogbookEntry) (string, error) {
	if e.ID == "" {
		return "", fmt.Errorf("logbook entry update requires an id")
	}
	_, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", err
	}
	return c.record(normalize.EntityLogbookEntry, e.ID, mirusync.ChangeUpdated, payload)
}

// DeleteLogbookEntry records the removal of a practice session.
func (c *Client) DeleteLogbookEntry(entityID string) (string, error) {
	return c.DeleteEntity(normalize.EntityLogbookEntry, entityID)
}

// CreateRepertoireItem records a new piece.
func (c *Client) CreateRepertoireItem(e normalize.RepertoireItem) (entityID, changeID string, err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	id, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", "", err
	}
	changeID, err = c.record(normalize.EntityRepertoireItem, id, mirusync.ChangeCreated, payload)
	return id, changeID, err
}

// UpdateRepertoireItem records an edit to an existing piece.
func (c *Client) UpdateRepertoireItem(e normalize.RepertoireItem) (string, error) {
	if e.ID == "" {
		return "", fmt.Errorf("repertoire item update requires an id")
	}
	_, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", err
	}
	return c.record(normalize.EntityRepertoireItem, e.ID, mirusync.ChangeUpdated, payload)
}

// DeleteRepertoireItem records the removal of a piece.
func (c *Client) DeleteRepertoireItem(entityID string) (string, error) {
	return c.DeleteEntity(normalize.EntityRepertoireItem, entityID)
}

// CreateGoal records a new practice goal.
func (c *Client) CreateGoal(e normalize.Goal) (entityID, changeID string, err error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	id, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", "", err
	}
	changeID, err = c.record(normalize.EntityGoal, id, mirusync.ChangeCreated, payload)
	return id, changeID, err
}

// UpdateGoal records an edit to an existing goal.
func (c *Client) UpdateGoal(e normalize.Goal) (string, error) {
	if e.ID == "" {
		return "", fmt.Errorf("goal update requires an id")
	}
	_, payload, err := marshalWithID(e.ID, &e)
	if err != nil {
		return "", err
	}
	return c.record(normalize.EntityGoal, e.ID, mirusync.ChangeUpdated, payload)
}

// DeleteGoal records the removal of a goal.
func (c *Client) DeleteGoal(entityID string) (string, error) {
	return c.DeleteEntity(normalize.EntityGoal, entityID)
}
