// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeConfig holds configuration for the WebSocket transport.
type RealtimeConfig struct {
	IdleTimeout     time.Duration // connections silent beyond this are closed
	WriteTimeout    time.Duration
	SendBuffer      int // per-connection outgoing message buffer
	MaxMessageBytes int64
}

// DefaultRealtimeConfig returns production defaults.
func DefaultRealtimeConfig() *RealtimeConfig {
	return &RealtimeConfig{
		IdleTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBuffer:      64,
		MaxMessageBytes: 256 << 10,
	}
}

// RealtimeHandler upgrades HTTP requests to persistent bidirectional
// connections carrying individual change events and bulk catch-up payloads.
// JWTAuth.Middleware runs in front of the handler, so an invalid credential
// is a hard 401 before the upgrade; the verified identity is bound to the
// connection for its lifetime.
type RealtimeHandler struct {
	coord    *Coordinator
	config   *RealtimeConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRealtimeHandler creates the WebSocket endpoint handler.
func NewRealtimeHandler(coord *Coordinator, config *RealtimeConfig, logger *slog.Logger) *RealtimeHandler {
	if config == nil {
		config = DefaultRealtimeConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeHandler{
		coord:  coord,
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// wsPeer is one live connection. Outgoing messages go through a buffered
// channel drained by a single writer goroutine; a peer that cannot keep up
// is disconnected rather than allowed to block the session.
type wsPeer struct {
	conn      *websocket.Conn
	deviceID  string
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

var errPeerGone = errors.New("peer disconnected")

func (p *wsPeer) DeviceID() string { return p.deviceID }

func (p *wsPeer) Send(msg Message) error {
	select {
	case <-p.done:
		return errPeerGone
	case p.out <- msg:
		return nil
	default:
		// Send buffer full: the peer is too slow, drop the connection.
		p.close()
		return errPeerGone
	}
}

// close tears the connection down: the done channel stops the pumps and
// closing the socket unblocks any read in flight, so a dropped peer never
// lingers until the idle deadline.
func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, err := requestIdentity(r)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err, "user_id", userID)
		return
	}

	peer := &wsPeer{
		conn:     conn,
		deviceID: deviceID,
		out:      make(chan Message, h.config.SendBuffer),
		done:     make(chan struct{}),
	}

	h.logger.Info("Realtime connection opened", "user_id", userID, "device_id", deviceID)
	h.coord.Attach(userID, peer)
	defer func() {
		h.coord.Detach(userID, peer)
		peer.close()
		h.logger.Info("Realtime connection closed", "user_id", userID, "device_id", deviceID)
	}()

	go h.writePump(peer)

	_ = peer.Send(Message{Type: MsgWelcome, Protocol: ProtocolVersion, ServerTime: time.Now().UTC()})

	h.readLoop(r.Context(), userID, peer)
}

func (h *RealtimeHandler) writePump(p *wsPeer) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := p.conn.WriteJSON(msg); err != nil {
				p.close()
				return
			}
		}
	}
}

func (h *RealtimeHandler) readLoop(ctx context.Context, userID string, p *wsPeer) {
	p.conn.SetReadLimit(h.config.MaxMessageBytes)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(h.config.IdleTimeout))
		var msg Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("Read failed", "user_id", userID, "device_id", p.deviceID, "error", err)
			}
			return
		}

		h.handleInbound(ctx, userID, p, msg)
	}
}

func (h *RealtimeHandler) handleInbound(ctx context.Context, userID string, p *wsPeer, msg Message) {
	switch msg.Type {
	case MsgPing:
		_ = p.Send(Message{Type: MsgPong, ServerTime: time.Now().UTC()})

	case MsgSyncRequest:
		h.coord.SyncRequest(ctx, userID, p, msg.Cursor)

	default:
		entityType, changeType, ok := ParseMessageType(msg.Type)
		if !ok {
			// Versioned protocol: unknown types are ignored, not fatal.
			h.logger.Debug("Ignoring unknown message type", "type", msg.Type, "user_id", userID)
			return
		}
		if msg.Change == nil {
			_ = p.Send(Message{Type: MsgError, Reason: ReasonBadPayload, ChangeID: msg.ChangeID, ServerTime: time.Now().UTC()})
			return
		}

		rec := *msg.Change
		rec.EntityType = entityType
		rec.ChangeType = changeType

		res, err := h.coord.Submit(ctx, userID, p.deviceID, rec, p)
		if err != nil {
			// Malformed events are reported to the originating connection
			// only; they never reach the log or other connections.
			reason := ReasonInternalError
			if errors.Is(err, ErrBadPayload) || errors.Is(err, ErrUnknownEntityType) {
				reason = invalidReason(err)
			}
			_ = p.Send(Message{Type: MsgError, Reason: reason, ChangeID: rec.ChangeID, ServerTime: time.Now().UTC()})
			return
		}

		_ = p.Send(Message{
			Type:       MsgAck,
			ChangeID:   rec.ChangeID,
			Status:     res.Status,
			Version:    res.Version,
			ServerTime: time.Now().UTC(),
		})
	}
}
