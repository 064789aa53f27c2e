// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

// Package normalize canonicalizes Mirubato practice entities so that
// semantically identical records coming from different devices compare equal.
// It owns the closed set of entity variants (logbook entries, repertoire
// items, goals) and validates them before anything reaches the change log.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// EntityType identifies one of the synchronized entity variants.
type EntityType string

const (
	EntityLogbookEntry   EntityType = "logbook_entry"
	EntityRepertoireItem EntityType = "repertoire_item"
	EntityGoal           EntityType = "goal"
)

// Validation error sentinels for error mapping at the coordinator boundary.
var (
	ErrInvalidPayload    = errors.New("invalid_payload")
	ErrUnknownEntityType = errors.New("unknown_entity_type")
)

// KnownEntityType reports whether t is one of the supported entity variants.
func KnownEntityType(t EntityType) bool {
	switch t {
	case EntityLogbookEntry, EntityRepertoireItem, EntityGoal:
		return true
	default:
		return false
	}
}

// LogbookEntry is one practice session record.
type LogbookEntry struct {
	ID              string   `json:"id"`
	Instrument      string   `json:"instrument"`
	EntryType       string   `json:"entryType"`
	DurationMinutes int      `json:"durationMinutes"`
	Mood            string   `json:"mood,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	PieceIDs        []string `json:"pieceIds,omitempty"`
	PracticedAt     string   `json:"practicedAt,omitempty"`
}

// RepertoireItem is a piece the user is working on, identified by
// title+composer in addition to its stable ID.
type RepertoireItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Composer   string `json:"composer,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Status     string `json:"status,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// Goal is a practice goal with an optional target date.
type Goal struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TargetDate  string `json:"targetDate,omitempty"`
	Status      string `json:"status,omitempty"`
}

// NormalizedEntity is the canonical form of an entity payload. Canonical is
// the re-marshaled payload with enums lowercased and free text trimmed;
// Checksum is stable across devices for semantically identical content.
type NormalizedEntity struct {
	Type      EntityType
	ID        string
	Canonical json.RawMessage
	Key       string // canonical title+composer key, repertoire items only
	Checksum  string
}

// Normalize decodes, validates and canonicalizes a raw entity payload.
// Malformed input fails fast here and never reaches the change log.
func Normalize(t EntityType, payload json.RawMessage) (*NormalizedEntity, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	switch t {
	case EntityLogbookEntry:
		var e LogbookEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return normalizeLogbookEntry(&e)
	case EntityRepertoireItem:
		var e RepertoireItem
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return normalizeRepertoireItem(&e)
	case EntityGoal:
		var e Goal
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return normalizeGoal(&e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
}

func normalizeLogbookEntry(e *LogbookEntry) (*NormalizedEntity, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return nil, fmt.Errorf("%w: logbook entry missing id", ErrInvalidPayload)
	}
	e.Instrument = lowerEnum(e.Instrument)
	if e.Instrument == "" {
		return nil, fmt.Errorf("%w: logbook entry missing instrument", ErrInvalidPayload)
	}
	e.EntryType = lowerEnum(e.EntryType)
	if e.EntryType == "" {
		return nil, fmt.Errorf("%w: logbook entry missing entryType", ErrInvalidPayload)
	}
	if e.DurationMinutes < 0 {
		return nil, fmt.Errorf("%w: negative durationMinutes", ErrInvalidPayload)
	}
	e.Mood = lowerEnum(e.Mood)
	e.Notes = strings.TrimSpace(e.Notes)
	for i, id := range e.PieceIDs {
		e.PieceIDs[i] = strings.TrimSpace(id)
	}
	return finish(EntityLogbookEntry, e.ID, "", e)
}

func normalizeRepertoireItem(e *RepertoireItem) (*NormalizedEntity, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return nil, fmt.Errorf("%w: repertoire item missing id", ErrInvalidPayload)
	}
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return nil, fmt.Errorf("%w: repertoire item missing title", ErrInvalidPayload)
	}
	e.Composer = strings.TrimSpace(e.Composer)
	e.Instrument = lowerEnum(e.Instrument)
	e.Status = lowerEnum(e.Status)
	e.Notes = strings.TrimSpace(e.Notes)
	return finish(EntityRepertoireItem, e.ID, CanonicalKey(e.Title, e.Composer), e)
}

func normalizeGoal(e *Goal) (*NormalizedEntity, error) {
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return nil, fmt.Errorf("%w: goal missing id", ErrInvalidPayload)
	}
	e.Title = strings.TrimSpace(e.Title)
	if e.Title == "" {
		return nil, fmt.Errorf("%w: goal missing title", ErrInvalidPayload)
	}
	e.Description = strings.TrimSpace(e.Description)
	e.TargetDate = strings.TrimSpace(e.TargetDate)
	e.Status = lowerEnum(e.Status)
	return finish(EntityGoal, e.ID, "", e)
}

func finish(t EntityType, id, key string, v any) (*NormalizedEntity, error) {
	canonical, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &NormalizedEntity{
		Type:      t,
		ID:        id,
		Canonical: canonical,
		Key:       key,
		Checksum:  checksum(t, key, canonical),
	}, nil
}

// checksum hashes the canonical content, excluding the entity ID so that the
// same logical item created under two different IDs still collides.
func checksum(t EntityType, key string, canonical json.RawMessage) string {
	var fields map[string]json.RawMessage
	// Canonical came out of json.Marshal above, so this cannot fail.
	_ = json.Unmarshal(canonical, &fields)
	delete(fields, "id")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(string(t)))
	h.Write([]byte{0})
	h.Write([]byte(key))
	h.Write([]byte{0})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(fields[k])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalKey builds a deterministic key from a piece title and composer.
// The " :: " delimiter cannot be produced by the folding step (punctuation
// collapses to single spaces), so hyphenated titles cannot collide with it.
func CanonicalKey(title, composer string) string {
	return foldText(title) + " :: " + foldText(composer)
}

// foldText lowercases, strips diacritics, and collapses whitespace and
// punctuation runs to single spaces.
func foldText(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	space := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark left over from decomposition
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		default:
			space = true
		}
	}
	return b.String()
}

func lowerEnum(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
