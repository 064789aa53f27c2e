// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
)

// GatewayHandlers provides the stateless batch sync endpoints (push/pull),
// used by clients when the realtime transport is unavailable or for full
// backfill. Pushes route through the Coordinator so live connections of the
// same user still receive broadcasts. The handlers expect JWTAuth.Middleware
// in front of them and read the verified identity from the request context.
type GatewayHandlers struct {
	coord  *Coordinator
	logger *slog.Logger
}

// NewGatewayHandlers creates a new instance of the batch sync handlers
func NewGatewayHandlers(coord *Coordinator, logger *slog.Logger) *GatewayHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayHandlers{
		coord:  coord,
		logger: logger,
	}
}

// HandlePush processes batch uploads of pending client changes
func (h *GatewayHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, deviceID, err := requestIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse push request")
		return
	}

	// Replay-safe batches: a previously answered idempotency key returns
	// the stored response verbatim.
	if req.IdempotencyKey != "" {
		stored, err := h.coord.Log().Receipt(r.Context(), userID, req.IdempotencyKey)
		if err != nil {
			h.logger.Error("Push receipt lookup failed", "error", err, "user_id", userID)
			h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
			return
		}
		if stored != nil {
			h.logger.Debug("Push replayed from receipt", "user_id", userID, "key", req.IdempotencyKey)
			h.writeJSON(w, stored)
			return
		}
	}

	start := h.coord.stageStart()
	response, err := h.processPush(r, userID, deviceID, &req)
	h.coord.observeStage(r.Context(), MetricsOpPush, MetricsStageTotal, start, len(req.Changes), err != nil)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "user_id", userID, "device_id", deviceID)
		h.writeError(w, http.StatusInternalServerError, "push_failed", "Failed to process push")
		return
	}

	if req.IdempotencyKey != "" && response.Accepted {
		if err := h.coord.Log().SaveReceipt(r.Context(), userID, req.IdempotencyKey, response); err != nil {
			h.logger.Warn("Failed to save push receipt", "error", err, "user_id", userID)
		}
	}

	h.writeJSON(w, response)
}

func (h *GatewayHandlers) processPush(r *http.Request, userID, deviceID string, req *PushRequest) (*PushResponse, error) {
	ctx := r.Context()

	if max := h.coord.config.MaxPushBatchSize; max > 0 && len(req.Changes) > max {
		// The whole batch is rejected so clients do not drop pending
		// changes whose statuses they never saw.
		statuses := make([]ChangePushStatus, len(req.Changes))
		for i, ch := range req.Changes {
			statuses[i] = statusInvalid(ch.ChangeID, ReasonBatchTooLarge,
				fmt.Errorf("batch too large: changes=%d limit=%d", len(req.Changes), max))
		}
		watermark, _ := h.coord.Log().HighestVersion(ctx, userID)
		return &PushResponse{Accepted: false, HighestVersion: watermark, Statuses: statuses}, nil
	}

	statuses := make([]ChangePushStatus, 0, len(req.Changes))
	for _, ch := range req.Changes {
		res, err := h.coord.Submit(ctx, userID, deviceID, ch, nil)
		switch {
		case err == nil && res.Status == StApplied:
			statuses = append(statuses, statusApplied(ch.ChangeID, res.Version))
		case err == nil && res.Status == StDuplicatePrevented:
			statuses = append(statuses, statusDuplicatePrevented(ch.ChangeID))
		case errors.Is(err, ErrBadPayload) || errors.Is(err, ErrUnknownEntityType):
			statuses = append(statuses, statusInvalid(ch.ChangeID, invalidReason(err), err))
		default:
			return nil, fmt.Errorf("failed to apply change %s: %w", ch.ChangeID, err)
		}
	}

	watermark, err := h.coord.Log().HighestVersion(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark: %w", err)
	}
	return &PushResponse{Accepted: true, HighestVersion: watermark, Statuses: statuses}, nil
}

// HandlePull processes download requests since a cursor
func (h *GatewayHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, _, err := requestIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	after := int64(0)
	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		parsed, err := strconv.ParseInt(afterStr, 10, 64)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "after must be an integer >= 0")
			return
		}
		after = parsed
	}

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	start := h.coord.stageStart()
	page, err := h.coord.Log().ReadSince(r.Context(), userID, after, limit)
	if err != nil {
		h.coord.observeStage(r.Context(), MetricsOpPull, MetricsStageFetch, start, 0, true)
		h.logger.Error("Failed to process pull", "error", err, "user_id", userID, "after", after)
		h.writeError(w, http.StatusInternalServerError, "pull_failed", "Failed to process pull")
		return
	}
	h.coord.observeStage(r.Context(), MetricsOpPull, MetricsStageFetch, start, len(page.Changes), false)

	h.writeJSON(w, &PullResponse{
		Changes:   page.Changes,
		NewCursor: page.NewCursor,
		HasMore:   page.HasMore,
	})
}

// HandleSchemaVersion returns the current wire schema version
func (h *GatewayHandlers) HandleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	h.writeJSON(w, SchemaVersionResponse{Version: ProtocolVersion})
}

func (h *GatewayHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *GatewayHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
