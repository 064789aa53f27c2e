// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Peer is one live connection of a user. Send must not block indefinitely;
// the realtime transport buffers outgoing messages per connection.
type Peer interface {
	DeviceID() string
	Send(msg Message) error
}

// Config holds configuration for the sync coordinator.
type Config struct {
	BulkChunkSize      int           // records per BULK_SYNC chunk
	MaxPushBatchSize   int           // max changes per push (0 = unlimited)
	MaxPayloadBytes    int           // max payload size per change (0 = unlimited)
	TombstoneRetention time.Duration // how long deleted rows stay visible

	StageMetrics    StageMetricsRecorder // optional stage timing sink
	LogStageTimings bool
}

// DefaultConfig returns production defaults. The tombstone retention window
// is an operational policy choice, not load-bearing for correctness.
func DefaultConfig() *Config {
	return &Config{
		BulkChunkSize:      500,
		MaxPushBatchSize:   500,
		MaxPayloadBytes:    64 << 10,
		TombstoneRetention: 30 * 24 * time.Hour,
	}
}

// Coordinator serializes all change events per user and owns live-connection
// fan-out. Each user with activity gets a session goroutine that processes
// events one at a time in arrival order; different users run in parallel.
// All durable state lives in the ChangeLog.
type Coordinator struct {
	log    ChangeLog
	config *Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator creates a coordinator over the given change log.
func NewCoordinator(log ChangeLog, config *Config, logger *slog.Logger) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BulkChunkSize <= 0 {
		config.BulkChunkSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		log:      log,
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Log returns the underlying change log.
func (c *Coordinator) Log() ChangeLog { return c.log }

type eventKind int

const (
	evAttach eventKind = iota
	evDetach
	evChange
	evSyncRequest
)

type submitOutcome struct {
	res AppendResult
	err error
}

type sessionEvent struct {
	kind   eventKind
	ctx    context.Context
	peer   Peer
	rec    *ChangeRecord
	cursor int64
	reply  chan submitOutcome
}

// session is the per-user actor. peers is owned by the run loop; pending and
// done are guarded by the coordinator mutex and track queued-but-unprocessed
// events so the goroutine can exit exactly when it is idle.
type session struct {
	userID  string
	coord   *Coordinator
	inbox   chan sessionEvent
	peers   map[Peer]struct{}
	pending int
	done    bool
}

// post delivers an event to the user's session, creating it on demand. The
// pending counter is incremented under the coordinator lock before the send,
// so the session cannot exit between enqueue and processing.
func (c *Coordinator) post(userID string, ev sessionEvent) {
	for {
		c.mu.Lock()
		s := c.sessions[userID]
		if s == nil {
			s = &session{
				userID: userID,
				coord:  c,
				inbox:  make(chan sessionEvent, 64),
				peers:  make(map[Peer]struct{}),
			}
			c.sessions[userID] = s
			go s.run()
		}
		if s.done {
			c.mu.Unlock()
			continue
		}
		s.pending++
		c.mu.Unlock()
		s.inbox <- ev
		return
	}
}

func (s *session) run() {
	c := s.coord
	for {
		c.mu.Lock()
		if len(s.peers) == 0 && s.pending == 0 {
			delete(c.sessions, s.userID)
			s.done = true
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ev := <-s.inbox
		s.handle(ev)

		c.mu.Lock()
		s.pending--
		c.mu.Unlock()
	}
}

func (s *session) handle(ev sessionEvent) {
	c := s.coord
	switch ev.kind {
	case evAttach:
		s.peers[ev.peer] = struct{}{}
		c.logger.Debug("Session active", "user_id", s.userID, "device_id", ev.peer.DeviceID(), "connections", len(s.peers))
	case evDetach:
		delete(s.peers, ev.peer)
		c.logger.Debug("Connection detached", "user_id", s.userID, "device_id", ev.peer.DeviceID(), "connections", len(s.peers))
	case evChange:
		res, err := c.apply(ev.ctx, s.userID, ev.rec)
		if err == nil && res.Status == StApplied {
			s.broadcast(res.Record, ev.peer)
		}
		ev.reply <- submitOutcome{res: res, err: err}
	case evSyncRequest:
		c.serveCatchup(ev.ctx, s.userID, ev.peer, ev.cursor)
	}
}

// broadcast fans an applied change out to every live connection except the
// originator, which already has the change optimistically.
func (s *session) broadcast(rec ChangeRecord, origin Peer) {
	msgType, ok := MessageTypeFor(rec.EntityType, rec.ChangeType)
	if !ok {
		return
	}
	msg := Message{
		Type:       msgType,
		Change:     &rec,
		ServerTime: time.Now().UTC(),
	}
	for p := range s.peers {
		if p == origin {
			continue
		}
		if err := p.Send(msg); err != nil {
			s.coord.logger.Warn("Broadcast failed",
				"user_id", s.userID, "device_id", p.DeviceID(), "version", rec.Version, "error", err)
		}
	}
}

// apply validates, normalizes and appends one change.
func (c *Coordinator) apply(ctx context.Context, userID string, rec *ChangeRecord) (AppendResult, error) {
	start := c.stageStart()
	checksum, err := c.validateChange(rec)
	c.observeStage(ctx, MetricsOpSubmit, MetricsStageValidate, start, 1, err != nil)
	if err != nil {
		c.logger.Warn("Change rejected",
			"user_id", userID, "device_id", rec.DeviceID, "change_id", rec.ChangeID,
			"entity_type", rec.EntityType, "reason", invalidReason(err), "error", err)
		return AppendResult{}, err
	}

	start = c.stageStart()
	res, err := c.log.Append(ctx, userID, *rec, checksum)
	c.observeStage(ctx, MetricsOpSubmit, MetricsStageAppend, start, 1, err != nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append failed: %w", err)
	}

	c.logger.Debug("Change processed",
		"user_id", userID, "device_id", rec.DeviceID, "change_id", rec.ChangeID,
		"status", res.Status, "version", res.Version)
	return res, nil
}

// Attach registers a live connection; the user's session transitions to
// active on the first one.
func (c *Coordinator) Attach(userID string, p Peer) {
	c.post(userID, sessionEvent{kind: evAttach, peer: p})
}

// Detach removes a live connection; the session goroutine exits once the
// last connection is gone and the inbox has drained.
func (c *Coordinator) Detach(userID string, p Peer) {
	c.post(userID, sessionEvent{kind: evDetach, peer: p})
}

// Submit routes one change through the user's session: validate, append,
// broadcast to other live connections. origin may be nil (batch gateway).
// Validation failures are returned to the caller only and never reach the
// log or other connections.
func (c *Coordinator) Submit(ctx context.Context, userID, deviceID string, rec ChangeRecord, origin Peer) (AppendResult, error) {
	rec.DeviceID = deviceID // connection identity wins over whatever the client claims
	reply := make(chan submitOutcome, 1)
	c.post(userID, sessionEvent{kind: evChange, ctx: ctx, peer: origin, rec: &rec, reply: reply})
	select {
	case out := <-reply:
		return out.res, out.err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// SyncRequest serves a catch-up for one peer, sequenced with the user's
// other events so the peer cannot miss a change between catch-up and live
// broadcasts.
func (c *Coordinator) SyncRequest(ctx context.Context, userID string, p Peer, cursor int64) {
	c.post(userID, sessionEvent{kind: evSyncRequest, ctx: ctx, peer: p, cursor: cursor})
}

// serveCatchup streams BULK_SYNC chunks covering everything after cursor.
// A missing cursor (0) or a cursor ahead of the watermark (clock-skew or
// corrupted client state) forces a full catch-up from the beginning.
func (c *Coordinator) serveCatchup(ctx context.Context, userID string, p Peer, cursor int64) {
	start := c.stageStart()
	watermark, err := c.log.HighestVersion(ctx, userID)
	if err != nil {
		c.logger.Error("Catch-up watermark failed", "user_id", userID, "error", err)
		_ = p.Send(Message{Type: MsgError, Reason: ReasonInternalError, ServerTime: time.Now().UTC()})
		return
	}
	if cursor > watermark {
		c.logger.Warn("Cursor ahead of watermark, forcing full catch-up",
			"user_id", userID, "device_id", p.DeviceID(), "cursor", cursor, "watermark", watermark)
		cursor = 0
	}

	sent := 0
	for {
		page, err := c.log.ReadSince(ctx, userID, cursor, c.config.BulkChunkSize)
		if err != nil {
			c.logger.Error("Catch-up read failed", "user_id", userID, "cursor", cursor, "error", err)
			_ = p.Send(Message{Type: MsgError, Reason: ReasonInternalError, ServerTime: time.Now().UTC()})
			return
		}
		if err := p.Send(Message{
			Type:       MsgBulkSync,
			Records:    page.Changes,
			NewCursor:  page.NewCursor,
			ServerTime: time.Now().UTC(),
		}); err != nil {
			c.logger.Warn("Catch-up send failed", "user_id", userID, "device_id", p.DeviceID(), "error", err)
			return
		}
		sent += len(page.Changes)
		cursor = page.NewCursor
		if !page.HasMore {
			break
		}
	}
	c.observeStage(ctx, MetricsOpCatchup, MetricsStageTotal, start, sent, false)
	c.logger.Debug("Catch-up served", "user_id", userID, "device_id", p.DeviceID(), "records", sent, "new_cursor", cursor)
}

// ActiveSessions returns the number of users with a live session.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// RunTombstonePurge periodically removes tombstones older than the retention
// window until ctx is canceled. Intended to be started from the server
// binary.
func (c *Coordinator) RunTombstonePurge(ctx context.Context, every time.Duration) {
	if c.config.TombstoneRetention <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-c.config.TombstoneRetention)
			if _, err := c.log.PurgeTombstones(ctx, cutoff); err != nil {
				c.logger.Error("Tombstone purge failed", "error", err)
			}
		}
	}
}
