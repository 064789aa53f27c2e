// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/pezware/mirubato-sub001/normalize"
)

// Bucket layout. entities holds the merged local view keyed by
// entityType/entityID; outbox holds pending changes keyed by a monotonic
// sequence so drain order matches creation order; outboxIdx maps changeID to
// that sequence; deadletter holds changes that exhausted their retries; meta
// holds the cursor and device identity.
var (
	bucketEntities   = []byte("entities")
	bucketOutbox     = []byte("outbox")
	bucketOutboxIdx  = []byte("outbox_idx")
	bucketDeadletter = []byte("deadletter")
	bucketMeta       = []byte("meta")

	metaCursor   = []byte("cursor")
	metaDeviceID = []byte("device_id")
)

// LocalEntity is one entity in the device-local view, including tombstones.
// Version is the server-assigned version of the last change applied to it;
// zero means the entity only exists locally and has never been acknowledged.
type LocalEntity struct {
	EntityID   string               `json:"entityId"`
	EntityType normalize.EntityType `json:"entityType"`
	Version    int64                `json:"version"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Deleted    bool                 `json:"deleted"`
	DeletedAt  *time.Time           `json:"deletedAt,omitempty"`
	Payload    json.RawMessage      `json:"payload,omitempty"`
}

// Store is the durable device-local state: merged entities, the outbox of
// changes awaiting server acknowledgment, and the sync cursor. All state
// survives process restarts; losing the file is equivalent to a fresh device
// and recovers via full catch-up.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (or creates) the local database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketOutbox, bucketOutboxIdx, bucketDeadletter, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entityKey(t normalize.EntityType, id string) []byte {
	return []byte(string(t) + "/" + id)
}

// PutEntity writes one entity to the local view.
func (s *Store) PutEntity(e *LocalEntity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).Put(entityKey(e.EntityType, e.EntityID), data)
	})
}

// GetEntity reads one entity from the local view. Returns (nil, nil) when the
// entity does not exist locally.
func (s *Store) GetEntity(t normalize.EntityType, id string) (*LocalEntity, error) {
	var e *LocalEntity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketEntities).Get(entityKey(t, id))
		if data == nil {
			return nil
		}
		e = &LocalEntity{}
		return json.Unmarshal(data, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read entity: %w", err)
	}
	return e, nil
}

// Entities returns all live (non-tombstone) entities of one type.
func (s *Store) Entities(t normalize.EntityType) ([]LocalEntity, error) {
	prefix := []byte(string(t) + "/")
	var out []LocalEntity
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntities).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var e LocalEntity
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Deleted {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entities: %w", err)
	}
	return out, nil
}

// Cursor returns the highest server version this device has durably applied.
func (s *Store) Cursor() (int64, error) {
	var cursor int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(metaCursor); data != nil {
			cursor = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})
	return cursor, err
}

// SetCursor advances the cursor. The cursor never moves backwards; stale
// writes from out-of-order apply paths are ignored.
func (s *Store) SetCursor(cursor int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(metaCursor); data != nil {
			if current := int64(binary.BigEndian.Uint64(data)); cursor <= current {
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(cursor))
		return meta.Put(metaCursor, buf[:])
	})
}

// DeviceID returns this device's stable identity, generating and persisting
// one on first use.
func (s *Store) DeviceID() (string, error) {
	var deviceID string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if data := meta.Get(metaDeviceID); data != nil {
			deviceID = string(data)
			return nil
		}
		deviceID = uuid.New().String()
		return meta.Put(metaDeviceID, []byte(deviceID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to resolve device ID: %w", err)
	}
	return deviceID, nil
}
