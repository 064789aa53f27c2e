// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pezware/mirubato-sub001/mirusync"
)

// PushBatch uploads pending changes through the batch gateway. The
// idempotency key makes the whole request replay-safe: resending after a
// network failure returns the original response instead of reprocessing.
func (c *Client) PushBatch(ctx context.Context, idempotencyKey string, changes []mirusync.ChangeRecord) (*mirusync.PushResponse, error) {
	reqBody := mirusync.PushRequest{
		IdempotencyKey: idempotencyKey,
		Changes:        changes,
	}
	body, err := json.Marshal(&reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ServerURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("push", resp)
	}

	var out mirusync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}
	return &out, nil
}

// PullSince downloads one page of changes after the given cursor.
func (c *Client) PullSince(ctx context.Context, after int64, limit int) (*mirusync.PullResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ServerURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError("pull", resp)
	}

	var out mirusync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	return &out, nil
}

func httpStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp mirusync.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("%s failed: %s (%s): %s", op, resp.Status, errResp.Error, errResp.Message)
	}
	return fmt.Errorf("%s failed: %s", op, resp.Status)
}
