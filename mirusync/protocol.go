// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"time"

	"github.com/pezware/mirubato-sub001/normalize"
)

// ProtocolVersion is bumped when the envelope changes incompatibly. Clients
// ignore message types they do not recognize, so additions are free.
const ProtocolVersion = 1

// Realtime message types, client to server.
const (
	MsgPing        = "PING"
	MsgSyncRequest = "SYNC_REQUEST"

	MsgEntryCreated = "ENTRY_CREATED"
	MsgEntryUpdated = "ENTRY_UPDATED"
	MsgEntryDeleted = "ENTRY_DELETED"
	MsgPieceCreated = "PIECE_CREATED"
	MsgPieceUpdated = "PIECE_UPDATED"
	MsgPieceDeleted = "PIECE_DELETED"
	MsgGoalCreated  = "GOAL_CREATED"
	MsgGoalUpdated  = "GOAL_UPDATED"
	MsgGoalDeleted  = "GOAL_DELETED"
)

// Realtime message types, server to client. Change broadcasts reuse the
// ENTRY_*/PIECE_*/GOAL_* types above.
const (
	MsgWelcome  = "WELCOME"
	MsgPong     = "PONG"
	MsgBulkSync = "BULK_SYNC"
	MsgAck      = "ACK"
	MsgError    = "ERROR"
)

// Message is the realtime transport envelope. Fields are populated per type;
// unknown types must be ignored by both sides, not treated as fatal.
//
// ServerTime is stamped by the server on every outgoing message; clients must
// never use their own clock to order received events.
type Message struct {
	Type       string         `json:"type"`
	Cursor     int64          `json:"cursor,omitempty"`    // SYNC_REQUEST
	Change     *ChangeRecord  `json:"change,omitempty"`    // change events and broadcasts
	Records    []ChangeRecord `json:"records,omitempty"`   // BULK_SYNC
	NewCursor  int64          `json:"newCursor,omitempty"` // BULK_SYNC
	ChangeID   string         `json:"changeId,omitempty"`  // ACK
	Status     string         `json:"status,omitempty"`    // ACK
	Version    int64          `json:"version,omitempty"`   // ACK
	Reason     string         `json:"reason,omitempty"`    // ERROR
	Protocol   int            `json:"v,omitempty"`         // WELCOME
	ServerTime time.Time      `json:"serverTime,omitzero"`
}

var entityKindNames = map[normalize.EntityType]string{
	normalize.EntityLogbookEntry:   "ENTRY",
	normalize.EntityRepertoireItem: "PIECE",
	normalize.EntityGoal:           "GOAL",
}

var msgEntityTypes = map[string]normalize.EntityType{
	"ENTRY": normalize.EntityLogbookEntry,
	"PIECE": normalize.EntityRepertoireItem,
	"GOAL":  normalize.EntityGoal,
}

// MessageTypeFor returns the wire message type for a change, e.g.
// (repertoire_item, CREATED) -> PIECE_CREATED.
func MessageTypeFor(t normalize.EntityType, changeType string) (string, bool) {
	kind, ok := entityKindNames[t]
	if !ok {
		return "", false
	}
	switch changeType {
	case ChangeCreated, ChangeUpdated, ChangeDeleted:
		return kind + "_" + changeType, true
	default:
		return "", false
	}
}

// ParseMessageType decodes a change message type into its entity and change
// types. Returns ok=false for non-change messages.
func ParseMessageType(msgType string) (normalize.EntityType, string, bool) {
	for kind, entityType := range msgEntityTypes {
		for _, ct := range [...]string{ChangeCreated, ChangeUpdated, ChangeDeleted} {
			if msgType == kind+"_"+ct {
				return entityType, ct, true
			}
		}
	}
	return "", "", false
}
