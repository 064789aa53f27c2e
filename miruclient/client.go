// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pezware/mirubato-sub001/mirusync"
	"github.com/pezware/mirubato-sub001/normalize"
)

// Config holds client configuration.
type Config struct {
	ServerURL string // base URL, e.g. https://sync.example.com
	Token     string // bearer token carrying user and device identity

	BackoffMin   time.Duration // initial retry backoff (outbox and reconnect)
	BackoffMax   time.Duration
	MaxAttempts  int           // delivery attempts before dead-lettering
	AckTimeout   time.Duration // how long to wait for an ACK before retrying
	PingInterval time.Duration
	PullLimit    int // page size for HTTP pulls
	PushLimit    int // batch size for HTTP pushes

	Logger *slog.Logger
}

// DefaultConfig returns client defaults.
func DefaultConfig(serverURL, token string) *Config {
	return &Config{
		ServerURL:    serverURL,
		Token:        token,
		BackoffMin:   time.Second,
		BackoffMax:   time.Minute,
		MaxAttempts:  10,
		AckTimeout:   15 * time.Second,
		PingInterval: 30 * time.Second,
		PullLimit:    500,
		PushLimit:    100,
	}
}

type inFlightChange struct {
	rec    mirusync.ChangeRecord
	sentAt time.Time
}

// Client is the device-side sync engine: it records local mutations
// optimistically, keeps them in a durable outbox until the server
// acknowledges them, and merges remote changes into the local view. Run
// drives the realtime connection; SyncOnce is the batch HTTP fallback.
type Client struct {
	config     *Config
	store      *Store
	merge      *MergeEngine
	httpClient *http.Client
	logger     *slog.Logger

	wake chan struct{} // signals the run loop that the outbox has new work

	mu       sync.Mutex // guards conn writes and inFlight
	conn     *websocket.Conn
	inFlight map[string]inFlightChange
}

// NewClient creates a sync client over an open local store.
func NewClient(store *Store, config *Config) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = time.Minute
	}
	if config.PullLimit <= 0 {
		config.PullLimit = 500
	}
	if config.PushLimit <= 0 {
		config.PushLimit = 100
	}
	return &Client{
		config:     config,
		store:      store,
		merge:      NewMergeEngine(store),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     config.Logger,
		wake:       make(chan struct{}, 1),
		inFlight:   make(map[string]inFlightChange),
	}
}

// Store returns the underlying local store.
func (c *Client) Store() *Store { return c.store }

// --- local mutations ---

func (c *Client) record(t normalize.EntityType, entityID, changeType string, payload json.RawMessage) (string, error) {
	deviceID, err := c.store.DeviceID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	rec := mirusync.ChangeRecord{
		ChangeID:   uuid.New().String(),
		EntityID:   entityID,
		EntityType: t,
		ChangeType: changeType,
		DeviceID:   deviceID,
		Payload:    payload,
		CreatedAt:  now,
	}
	if err := c.merge.RecordLocal(&rec, now); err != nil {
		return "", fmt.Errorf("failed to record local change: %w", err)
	}
	if err := c.store.Enqueue(rec); err != nil {
		return "", fmt.Errorf("failed to enqueue change: %w", err)
	}
	c.notify()
	return rec.ChangeID, nil
}

// CreateEntity records a new entity locally and queues it for sync. Returns
// the change ID, which stays stable across delivery retries.
func (c *Client) CreateEntity(t normalize.EntityType, entityID string, payload json.RawMessage) (string, error) {
	return c.record(t, entityID, mirusync.ChangeCreated, payload)
}

// UpdateEntity records an update locally and queues it for sync.
func (c *Client) UpdateEntity(t normalize.EntityType, entityID string, payload json.RawMessage) (string, error) {
	return c.record(t, entityID, mirusync.ChangeUpdated, payload)
}

// DeleteEntity records a delete locally (as a tombstone) and queues it for
// sync.
func (c *Client) DeleteEntity(t normalize.EntityType, entityID string) (string, error) {
	return c.record(t, entityID, mirusync.ChangeDeleted, nil)
}

func (c *Client) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// --- realtime loop ---

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/sync/ws"
	q := u.Query()
	q.Set("token", c.config.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run maintains the realtime connection until ctx is canceled: connect,
// request catch-up from the durable cursor, drain the outbox, then stay live
// merging broadcasts and retrying undelivered changes. Reconnects with
// exponential backoff; every reconnect starts with a fresh catch-up so
// nothing broadcast during the gap is lost.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}

	backoff := c.config.BackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			c.logger.Warn("Connection failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.config.BackoffMax {
				backoff = c.config.BackoffMax
			}
			continue
		}
		backoff = c.config.BackoffMin

		err = c.runConn(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("Connection lost, reconnecting", "error", err)
	}
}

func (c *Client) runConn(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.inFlight = make(map[string]inFlightChange)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	cursor, err := c.store.Cursor()
	if err != nil {
		return err
	}
	if err := c.send(mirusync.Message{Type: mirusync.MsgSyncRequest, Cursor: cursor}); err != nil {
		return err
	}
	if err := c.drainOutbox(); err != nil {
		return err
	}

	msgCh := make(chan mirusync.Message)
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg mirusync.Message
			if err := conn.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingInterval := c.config.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	retry := time.NewTicker(c.config.BackoffMin)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case msg := <-msgCh:
			if err := c.handleMessage(&msg); err != nil {
				return err
			}
		case <-c.wake:
			if err := c.drainOutbox(); err != nil {
				return err
			}
		case <-retry.C:
			c.expireInFlight()
			if err := c.drainOutbox(); err != nil {
				return err
			}
		case <-ping.C:
			if err := c.send(mirusync.Message{Type: mirusync.MsgPing}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) send(msg mirusync.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// drainOutbox sends every due outbox entry that is not already awaiting an
// ACK. Delivery keeps creation order; the changeID makes server-side replay
// detection possible, so resending after an unclear outcome is always safe.
func (c *Client) drainOutbox() error {
	pending, err := c.store.Pending(c.config.PushLimit, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, pc := range pending {
		c.mu.Lock()
		_, alreadySent := c.inFlight[pc.Record.ChangeID]
		c.mu.Unlock()
		if alreadySent {
			continue
		}

		msgType, ok := mirusync.MessageTypeFor(pc.Record.EntityType, pc.Record.ChangeType)
		if !ok {
			// Unsendable entries would wedge the queue; park them instead.
			c.logger.Error("Dead-lettering unsendable change", "change_id", pc.Record.ChangeID, "entity_type", pc.Record.EntityType)
			if err := c.deadletter(pc.Record.ChangeID, fmt.Errorf("no message type for %s/%s", pc.Record.EntityType, pc.Record.ChangeType)); err != nil {
				return err
			}
			continue
		}

		rec := pc.Record
		if err := c.send(mirusync.Message{Type: msgType, Change: &rec}); err != nil {
			return err
		}
		c.mu.Lock()
		c.inFlight[rec.ChangeID] = inFlightChange{rec: rec, sentAt: time.Now()}
		c.mu.Unlock()
	}
	return nil
}

// expireInFlight returns timed-out deliveries to the outbox with backoff.
func (c *Client) expireInFlight() {
	ackTimeout := c.config.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 15 * time.Second
	}
	cutoff := time.Now().Add(-ackTimeout)

	c.mu.Lock()
	var expired []string
	for changeID, inf := range c.inFlight {
		if inf.sentAt.Before(cutoff) {
			expired = append(expired, changeID)
			delete(c.inFlight, changeID)
		}
	}
	c.mu.Unlock()

	for _, changeID := range expired {
		c.logger.Warn("ACK timeout, scheduling retry", "change_id", changeID)
		if err := c.store.FailChange(changeID, fmt.Errorf("ack timeout"),
			c.config.BackoffMin, c.config.BackoffMax, c.config.MaxAttempts); err != nil {
			c.logger.Error("Failed to reschedule change", "change_id", changeID, "error", err)
		}
	}
}

func (c *Client) deadletter(changeID string, cause error) error {
	return c.store.FailChange(changeID, cause, c.config.BackoffMin, c.config.BackoffMax, 1)
}

func (c *Client) takeInFlight(changeID string) (mirusync.ChangeRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inf, ok := c.inFlight[changeID]
	if ok {
		delete(c.inFlight, changeID)
	}
	return inf.rec, ok
}

func (c *Client) handleMessage(msg *mirusync.Message) error {
	switch msg.Type {
	case mirusync.MsgWelcome:
		c.logger.Debug("Connected", "protocol", msg.Protocol)
		if msg.Protocol > mirusync.ProtocolVersion {
			c.logger.Warn("Server speaks a newer protocol", "server", msg.Protocol, "client", mirusync.ProtocolVersion)
		}

	case mirusync.MsgPong:
		// liveness only

	case mirusync.MsgBulkSync:
		applied, err := c.merge.ApplyBulk(msg.Records, msg.NewCursor)
		if err != nil {
			return err
		}
		c.logger.Debug("Catch-up chunk merged", "records", len(msg.Records), "applied", applied, "cursor", msg.NewCursor)

	case mirusync.MsgAck:
		rec, ok := c.takeInFlight(msg.ChangeID)
		if !ok {
			return nil
		}
		switch msg.Status {
		case mirusync.StApplied:
			if err := c.merge.AcknowledgeLocal(&rec, msg.Version); err != nil {
				return err
			}
			c.logger.Debug("Change acknowledged", "change_id", msg.ChangeID, "version", msg.Version)
		case mirusync.StDuplicatePrevented:
			c.logger.Info("Change merged into an existing entity", "change_id", msg.ChangeID, "entity_id", rec.EntityID)
		}
		if err := c.store.AckChange(msg.ChangeID); err != nil {
			return err
		}

	case mirusync.MsgError:
		if msg.ChangeID == "" {
			c.logger.Warn("Server error", "reason", msg.Reason)
			return nil
		}
		if _, ok := c.takeInFlight(msg.ChangeID); !ok {
			return nil
		}
		// Rejections are permanent: the payload will not become valid by
		// resending it.
		c.logger.Warn("Change rejected", "change_id", msg.ChangeID, "reason", msg.Reason)
		return c.deadletter(msg.ChangeID, fmt.Errorf("rejected: %s", msg.Reason))

	default:
		entityType, changeType, ok := mirusync.ParseMessageType(msg.Type)
		if !ok || msg.Change == nil {
			c.logger.Debug("Ignoring unknown message type", "type", msg.Type)
			return nil
		}
		rec := *msg.Change
		rec.EntityType = entityType
		rec.ChangeType = changeType
		applied, err := c.merge.ApplyLive(&rec)
		if err != nil {
			return err
		}
		c.logger.Debug("Broadcast merged", "change_id", rec.ChangeID, "version", rec.Version, "applied", applied)
	}
	return nil
}

// --- batch HTTP fallback ---

// SyncOnce performs one push/pull round over the batch gateway: drain the
// outbox in order, then pull everything after the cursor. Used when the
// realtime transport is unavailable or for one-shot background sync.
func (c *Client) SyncOnce(ctx context.Context) error {
	for {
		pending, err := c.store.Pending(c.config.PushLimit, time.Now().UTC())
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}

		changes := make([]mirusync.ChangeRecord, len(pending))
		for i, pc := range pending {
			changes[i] = pc.Record
		}

		// The key is derived from the batch content so a retry after an
		// unclear outcome replays as the same request.
		key := batchKey(changes)
		resp, err := c.PushBatch(ctx, key, changes)
		if err != nil {
			for _, pc := range pending {
				if ferr := c.store.FailChange(pc.Record.ChangeID, err,
					c.config.BackoffMin, c.config.BackoffMax, c.config.MaxAttempts); ferr != nil {
					return ferr
				}
			}
			return fmt.Errorf("push failed: %w", err)
		}
		if !resp.Accepted {
			return fmt.Errorf("push batch rejected by server")
		}

		byChangeID := make(map[string]mirusync.ChangeRecord, len(changes))
		for _, rec := range changes {
			byChangeID[rec.ChangeID] = rec
		}
		for _, st := range resp.Statuses {
			rec := byChangeID[st.ChangeID]
			switch st.Status {
			case mirusync.StApplied:
				if st.Version != nil {
					if err := c.merge.AcknowledgeLocal(&rec, *st.Version); err != nil {
						return err
					}
				}
				if err := c.store.AckChange(st.ChangeID); err != nil {
					return err
				}
			case mirusync.StDuplicatePrevented:
				if err := c.store.AckChange(st.ChangeID); err != nil {
					return err
				}
			case mirusync.StInvalid:
				c.logger.Warn("Change rejected", "change_id", st.ChangeID, "message", st.Message)
				if err := c.deadletter(st.ChangeID, fmt.Errorf("rejected: %s", st.Message)); err != nil {
					return err
				}
			}
		}
	}

	cursor, err := c.store.Cursor()
	if err != nil {
		return err
	}
	for {
		page, err := c.PullSince(ctx, cursor, c.config.PullLimit)
		if err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		if _, err := c.merge.ApplyBulk(page.Changes, page.NewCursor); err != nil {
			return err
		}
		cursor = page.NewCursor
		if !page.HasMore {
			return nil
		}
	}
}

// batchKey derives a deterministic idempotency key from batch contents.
func batchKey(changes []mirusync.ChangeRecord) string {
	if len(changes) == 0 {
		return ""
	}
	return fmt.Sprintf("batch-%s-%s-%d", changes[0].ChangeID, changes[len(changes)-1].ChangeID, len(changes))
}
