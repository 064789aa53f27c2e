// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pezware/mirubato-sub001/mirusync"
)

// PendingChange is one outbox entry: the change record plus retry state.
// Entries keep their changeID across retries so the server can deduplicate
// replays.
type PendingChange struct {
	Seq         uint64                `json:"seq"`
	Record      mirusync.ChangeRecord `json:"record"`
	Attempts    int                   `json:"attempts"`
	NextAttempt time.Time             `json:"nextAttempt"`
	EnqueuedAt  time.Time             `json:"enqueuedAt"`
	LastError   string                `json:"lastError,omitempty"`
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}

// Enqueue appends a change to the outbox. The sequence number preserves
// creation order so drains replay same-entity changes in the order the user
// made them.
func (s *Store) Enqueue(rec mirusync.ChangeRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		outbox := tx.Bucket(bucketOutbox)
		seq, err := outbox.NextSequence()
		if err != nil {
			return err
		}
		pc := PendingChange{
			Seq:        seq,
			Record:     rec,
			EnqueuedAt: time.Now().UTC(),
		}
		data, err := json.Marshal(&pc)
		if err != nil {
			return err
		}
		if err := outbox.Put(seqKey(seq), data); err != nil {
			return err
		}
		return tx.Bucket(bucketOutboxIdx).Put([]byte(rec.ChangeID), seqKey(seq))
	})
}

// Pending returns up to limit outbox entries in creation order that are due
// for (re)delivery at now. The scan stops at the first entry still backing
// off, so same-entity changes are never delivered out of order.
func (s *Store) Pending(limit int, now time.Time) ([]PendingChange, error) {
	var out []PendingChange
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var pc PendingChange
			if err := json.Unmarshal(v, &pc); err != nil {
				return err
			}
			if pc.NextAttempt.After(now) {
				break
			}
			out = append(out, pc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	return out, nil
}

// PendingCount returns the number of outbox entries, due or not.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n, err
}

// AckChange removes a delivered change from the outbox. Acknowledging a
// change that is no longer pending is a no-op.
func (s *Store) AckChange(changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketOutboxIdx)
		key := idx.Get([]byte(changeID))
		if key == nil {
			return nil
		}
		if err := tx.Bucket(bucketOutbox).Delete(key); err != nil {
			return err
		}
		return idx.Delete([]byte(changeID))
	})
}

// FailChange records a delivery failure: the attempt counter goes up and the
// entry backs off exponentially. After maxAttempts the entry moves to the
// dead-letter bucket, where it no longer blocks the queue but is kept for
// inspection and manual retry.
func (s *Store) FailChange(changeID string, cause error, backoffMin, backoffMax time.Duration, maxAttempts int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketOutboxIdx)
		key := idx.Get([]byte(changeID))
		if key == nil {
			return nil
		}
		outbox := tx.Bucket(bucketOutbox)
		data := outbox.Get(key)
		if data == nil {
			return idx.Delete([]byte(changeID))
		}
		var pc PendingChange
		if err := json.Unmarshal(data, &pc); err != nil {
			return err
		}

		pc.Attempts++
		if cause != nil {
			pc.LastError = cause.Error()
		}

		if maxAttempts > 0 && pc.Attempts >= maxAttempts {
			moved, err := json.Marshal(&pc)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketDeadletter).Put([]byte(changeID), moved); err != nil {
				return err
			}
			if err := outbox.Delete(key); err != nil {
				return err
			}
			return idx.Delete([]byte(changeID))
		}

		backoff := backoffMin << (pc.Attempts - 1)
		if backoff > backoffMax || backoff <= 0 {
			backoff = backoffMax
		}
		pc.NextAttempt = time.Now().UTC().Add(backoff)

		updated, err := json.Marshal(&pc)
		if err != nil {
			return err
		}
		return outbox.Put(key, updated)
	})
}

// DeadLetters returns all dead-lettered changes.
func (s *Store) DeadLetters() ([]PendingChange, error) {
	var out []PendingChange
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadletter).ForEach(func(_, v []byte) error {
			var pc PendingChange
			if err := json.Unmarshal(v, &pc); err != nil {
				return err
			}
			out = append(out, pc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letters: %w", err)
	}
	return out, nil
}

// RetryDeadLetter moves a dead-lettered change back to the end of the outbox
// with a reset retry state.
func (s *Store) RetryDeadLetter(changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dead := tx.Bucket(bucketDeadletter)
		data := dead.Get([]byte(changeID))
		if data == nil {
			return fmt.Errorf("change %s is not dead-lettered", changeID)
		}
		var pc PendingChange
		if err := json.Unmarshal(data, &pc); err != nil {
			return err
		}

		outbox := tx.Bucket(bucketOutbox)
		seq, err := outbox.NextSequence()
		if err != nil {
			return err
		}
		pc.Seq = seq
		pc.Attempts = 0
		pc.NextAttempt = time.Time{}
		pc.LastError = ""

		updated, err := json.Marshal(&pc)
		if err != nil {
			return err
		}
		if err := outbox.Put(seqKey(seq), updated); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOutboxIdx).Put([]byte(pc.Record.ChangeID), seqKey(seq)); err != nil {
			return err
		}
		return dead.Delete([]byte(changeID))
	})
}
