// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pezware/mirubato-sub001/normalize"
)

type fakePeer struct {
	id string

	mu   sync.Mutex
	msgs []Message
}

func (p *fakePeer) DeviceID() string { return p.id }

func (p *fakePeer) Send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakePeer) messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func (p *fakePeer) messagesOfType(msgType string) []Message {
	var out []Message
	for _, m := range p.messages() {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func newTestCoordinator(config *Config) *Coordinator {
	return NewCoordinator(NewMemChangeLog(nil), config, nil)
}

func validEntry(changeID, entityID string) ChangeRecord {
	return ChangeRecord{
		ChangeID:   changeID,
		EntityID:   entityID,
		EntityType: normalize.EntityLogbookEntry,
		ChangeType: ChangeCreated,
		Payload:    []byte(fmt.Sprintf(`{"id":%q,"instrument":"piano","entryType":"practice","durationMinutes":30,"notes":"session %s"}`, entityID, entityID)),
	}
}

func TestCoordinator_BroadcastReachesOtherConnectionsOnly(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	origin := &fakePeer{id: "device-a"}
	other := &fakePeer{id: "device-b"}
	coord.Attach("user-1", origin)
	coord.Attach("user-1", other)
	defer coord.Detach("user-1", origin)
	defer coord.Detach("user-1", other)

	res, err := coord.Submit(ctx, "user-1", "device-a", validEntry("ch-1", "e-1"), origin)
	require.NoError(t, err)
	require.Equal(t, StApplied, res.Status)
	require.Equal(t, int64(1), res.Version)

	broadcasts := other.messagesOfType(MsgEntryCreated)
	require.Len(t, broadcasts, 1)
	require.NotNil(t, broadcasts[0].Change)
	require.Equal(t, "ch-1", broadcasts[0].Change.ChangeID)
	require.Equal(t, int64(1), broadcasts[0].Change.Version)
	require.False(t, broadcasts[0].ServerTime.IsZero())

	require.Empty(t, origin.messagesOfType(MsgEntryCreated), "the originator already has the change")
}

func TestCoordinator_BroadcastsAreIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	stranger := &fakePeer{id: "device-x"}
	coord.Attach("user-2", stranger)
	defer coord.Detach("user-2", stranger)

	_, err := coord.Submit(ctx, "user-1", "device-a", validEntry("ch-1", "e-1"), nil)
	require.NoError(t, err)

	require.Empty(t, stranger.messagesOfType(MsgEntryCreated), "other users must never see the change")
}

func TestCoordinator_MalformedChangeRejectedToSenderOnly(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	other := &fakePeer{id: "device-b"}
	coord.Attach("user-1", other)
	defer coord.Detach("user-1", other)

	bad := validEntry("ch-1", "e-1")
	bad.Payload = []byte(`{"instrument":"piano"}`) // no id, no entryType

	_, err := coord.Submit(ctx, "user-1", "device-a", bad, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBadPayload))

	highest, herr := coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, herr)
	require.Zero(t, highest, "rejected changes must not reach the log")
	require.Empty(t, other.messages(), "rejected changes must not be broadcast")
}

func TestCoordinator_UnknownEntityTypeRejected(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	rec := validEntry("ch-1", "e-1")
	rec.EntityType = "playlist"

	_, err := coord.Submit(ctx, "user-1", "device-a", rec, nil)
	require.True(t, errors.Is(err, ErrUnknownEntityType))
}

func TestCoordinator_OversizedPayloadRejected(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.MaxPayloadBytes = 64
	coord := newTestCoordinator(config)

	rec := validEntry("ch-1", "e-1")
	_, err := coord.Submit(ctx, "user-1", "device-a", rec, nil)
	require.True(t, errors.Is(err, ErrBadPayload))
}

func TestCoordinator_ConnectionIdentityWins(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	rec := validEntry("ch-1", "e-1")
	rec.DeviceID = "spoofed-device"

	res, err := coord.Submit(ctx, "user-1", "device-a", rec, nil)
	require.NoError(t, err)
	require.Equal(t, "device-a", res.Record.DeviceID)
}

func TestCoordinator_DuplicateContentAcknowledgedNotBroadcast(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	other := &fakePeer{id: "device-b"}
	coord.Attach("user-1", other)
	defer coord.Detach("user-1", other)

	first := validEntry("ch-1", "e-1")
	res, err := coord.Submit(ctx, "user-1", "device-a", first, nil)
	require.NoError(t, err)
	require.Equal(t, StApplied, res.Status)

	// Identical content under a fresh entity ID, e.g. the same session
	// recorded on two devices while offline. Only the id differs from e-1.
	dup := validEntry("ch-2", "e-2")
	dup.Payload = []byte(`{"id":"e-2","instrument":"piano","entryType":"practice","durationMinutes":30,"notes":"session e-1"}`)
	dupRes, err := coord.Submit(ctx, "user-1", "device-b", dup, nil)
	require.NoError(t, err)
	require.Equal(t, StDuplicatePrevented, dupRes.Status)

	require.Len(t, other.messagesOfType(MsgEntryCreated), 1, "a prevented duplicate is not broadcast")
}

func TestCoordinator_OfflineReplayKeepsVersion(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	first, err := coord.Submit(ctx, "user-1", "device-a", validEntry("ch-1", "e-1"), nil)
	require.NoError(t, err)

	// The device lost the response and retries the same change after
	// reconnecting, this time over the batch path.
	replay, err := coord.Submit(ctx, "user-1", "device-a", validEntry("ch-1", "e-1"), nil)
	require.NoError(t, err)
	require.Equal(t, first.Version, replay.Version)
	require.Equal(t, StApplied, replay.Status)

	highest, err := coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), highest)
}

func TestCoordinator_CatchupIsChunked(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.BulkChunkSize = 2
	coord := newTestCoordinator(config)

	for i := 1; i <= 5; i++ {
		_, err := coord.Submit(ctx, "user-1", "device-a", validEntry(fmt.Sprintf("ch-%d", i), fmt.Sprintf("e-%d", i)), nil)
		require.NoError(t, err)
	}

	peer := &fakePeer{id: "device-b"}
	coord.Attach("user-1", peer)
	defer coord.Detach("user-1", peer)

	coord.SyncRequest(ctx, "user-1", peer, 0)

	require.Eventually(t, func() bool {
		return len(peer.messagesOfType(MsgBulkSync)) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	chunks := peer.messagesOfType(MsgBulkSync)
	require.Len(t, chunks, 3)

	var versions []int64
	for _, chunk := range chunks {
		for _, rec := range chunk.Records {
			versions = append(versions, rec.Version)
		}
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, versions)
	require.Equal(t, int64(5), chunks[len(chunks)-1].NewCursor)
}

func TestCoordinator_CatchupFromCursorSkipsDelivered(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	for i := 1; i <= 4; i++ {
		_, err := coord.Submit(ctx, "user-1", "device-a", validEntry(fmt.Sprintf("ch-%d", i), fmt.Sprintf("e-%d", i)), nil)
		require.NoError(t, err)
	}

	peer := &fakePeer{id: "device-b"}
	coord.Attach("user-1", peer)
	defer coord.Detach("user-1", peer)

	coord.SyncRequest(ctx, "user-1", peer, 2)

	require.Eventually(t, func() bool {
		return len(peer.messagesOfType(MsgBulkSync)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	chunk := peer.messagesOfType(MsgBulkSync)[0]
	require.Len(t, chunk.Records, 2)
	require.Equal(t, int64(3), chunk.Records[0].Version)
	require.Equal(t, int64(4), chunk.Records[1].Version)
}

func TestCoordinator_CursorAheadOfWatermarkForcesFullCatchup(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	_, err := coord.Submit(ctx, "user-1", "device-a", validEntry("ch-1", "e-1"), nil)
	require.NoError(t, err)

	peer := &fakePeer{id: "device-b"}
	coord.Attach("user-1", peer)
	defer coord.Detach("user-1", peer)

	// A cursor the server never issued, e.g. restored from a corrupted
	// backup.
	coord.SyncRequest(ctx, "user-1", peer, 99)

	require.Eventually(t, func() bool {
		return len(peer.messagesOfType(MsgBulkSync)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	chunk := peer.messagesOfType(MsgBulkSync)[0]
	require.Len(t, chunk.Records, 1)
	require.Equal(t, int64(1), chunk.Records[0].Version)
}

func TestCoordinator_SessionsExitWhenIdle(t *testing.T) {
	coord := newTestCoordinator(nil)

	peer := &fakePeer{id: "device-a"}
	coord.Attach("user-1", peer)

	require.Eventually(t, func() bool {
		return coord.ActiveSessions() == 1
	}, 2*time.Second, 10*time.Millisecond)

	coord.Detach("user-1", peer)

	require.Eventually(t, func() bool {
		return coord.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_ConcurrentSubmitsSerializePerUser(t *testing.T) {
	ctx := context.Background()
	coord := newTestCoordinator(nil)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Submit(ctx, "user-1", "device-a", validEntry(fmt.Sprintf("ch-%d", i), fmt.Sprintf("e-%d", i)), nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	highest, err := coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(n), highest)

	page, err := coord.Log().ReadSince(ctx, "user-1", 0, n+1)
	require.NoError(t, err)
	require.Len(t, page.Changes, n)
	for i, rec := range page.Changes {
		require.Equal(t, int64(i+1), rec.Version, "the log must be gap-free under concurrency")
	}
}
