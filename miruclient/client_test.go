// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package miruclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pezware/mirubato-sub001/mirusync"
	"github.com/pezware/mirubato-sub001/normalize"
)

type syncServer struct {
	coord   *mirusync.Coordinator
	server  *httptest.Server
	jwtAuth *mirusync.JWTAuth
}

// newSyncServer starts an in-process sync server backed by the in-memory
// change log, wiring the same handlers the production binary serves.
func newSyncServer(t *testing.T) *syncServer {
	t.Helper()

	coord := mirusync.NewCoordinator(mirusync.NewMemChangeLog(nil), nil, nil)
	jwtAuth := mirusync.NewJWTAuth("test-secret")
	gateway := mirusync.NewGatewayHandlers(coord, nil)
	realtime := mirusync.NewRealtimeHandler(coord, nil, nil)

	mux := http.NewServeMux()
	mux.Handle("/sync/push", jwtAuth.Middleware(http.HandlerFunc(gateway.HandlePush)))
	mux.Handle("/sync/pull", jwtAuth.Middleware(http.HandlerFunc(gateway.HandlePull)))
	mux.Handle("/sync/ws", jwtAuth.Middleware(realtime))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &syncServer{coord: coord, server: server, jwtAuth: jwtAuth}
}

// newDevice creates a client with its own local store for one device of
// user-1.
func (s *syncServer) newDevice(t *testing.T, deviceID string) *Client {
	t.Helper()

	token, err := s.jwtAuth.GenerateToken("user-1", deviceID, time.Hour)
	require.NoError(t, err)

	store, err := OpenStore(filepath.Join(t.TempDir(), deviceID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	config := DefaultConfig(s.server.URL, token)
	config.BackoffMin = 50 * time.Millisecond
	config.AckTimeout = time.Second
	return NewClient(store, config)
}

func entryPayload(entityID, notes string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"instrument":"piano","entryType":"practice","durationMinutes":30,"notes":%q}`, entityID, notes))
}

func TestClient_SyncOncePushesAndPulls(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)

	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	// Device A records offline, then syncs.
	_, err := deviceA.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "scales"))
	require.NoError(t, err)
	_, err = deviceA.CreateEntity(normalize.EntityLogbookEntry, "e-2", entryPayload("e-2", "arpeggios"))
	require.NoError(t, err)
	require.NoError(t, deviceA.SyncOnce(ctx))

	n, err := deviceA.Store().PendingCount()
	require.NoError(t, err)
	require.Zero(t, n, "acknowledged changes leave the outbox")

	// Device B pulls the same history.
	require.NoError(t, deviceB.SyncOnce(ctx))

	entries, err := deviceB.Store().Entities(normalize.EntityLogbookEntry)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	cursorA, err := deviceA.Store().Cursor()
	require.NoError(t, err)
	cursorB, err := deviceB.Store().Cursor()
	require.NoError(t, err)
	require.Equal(t, cursorA, cursorB)
	require.Equal(t, int64(2), cursorB)
}

func TestClient_SyncOnceIsIdempotentAcrossRetries(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)
	device := server.newDevice(t, "device-a")

	_, err := device.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "etude"))
	require.NoError(t, err)

	require.NoError(t, device.SyncOnce(ctx))
	require.NoError(t, device.SyncOnce(ctx))

	highest, err := server.coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), highest, "repeated syncs must not duplicate changes")
}

func TestClient_DeleteSyncsAsTombstone(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)

	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	_, err := deviceA.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "scales"))
	require.NoError(t, err)
	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))

	entries, err := deviceB.Store().Entities(normalize.EntityLogbookEntry)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, err = deviceA.DeleteEntity(normalize.EntityLogbookEntry, "e-1")
	require.NoError(t, err)
	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))

	entries, err = deviceB.Store().Entities(normalize.EntityLogbookEntry)
	require.NoError(t, err)
	require.Empty(t, entries, "the delete must propagate to the other device")

	e, err := deviceB.Store().GetEntity(normalize.EntityLogbookEntry, "e-1")
	require.NoError(t, err)
	require.NotNil(t, e)
	require.True(t, e.Deleted, "the tombstone is kept locally")
}

func TestClient_ConcurrentOfflineEditsConvergeByLWW(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)

	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	// Shared starting point.
	_, err := deviceA.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "v0"))
	require.NoError(t, err)
	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))

	// Both edit offline; A syncs first, B second, so B's edit gets the
	// higher version and wins everywhere.
	_, err = deviceA.UpdateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "from-a"))
	require.NoError(t, err)
	_, err = deviceB.UpdateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "from-b"))
	require.NoError(t, err)

	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))
	require.NoError(t, deviceA.SyncOnce(ctx))

	entityA, err := deviceA.Store().GetEntity(normalize.EntityLogbookEntry, "e-1")
	require.NoError(t, err)
	entityB, err := deviceB.Store().GetEntity(normalize.EntityLogbookEntry, "e-1")
	require.NoError(t, err)

	require.Contains(t, string(entityA.Payload), "from-b")
	require.Contains(t, string(entityB.Payload), "from-b")
	require.Equal(t, entityA.Version, entityB.Version)
}

func TestClient_DuplicateContentAcrossDevicesIsPrevented(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)

	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	// The same piece added on both devices while offline, under different
	// entity IDs.
	payload := `{"id":%q,"title":"Nocturne Op. 9 No. 2","composer":"Chopin"}`
	_, err := deviceA.CreateEntity(normalize.EntityRepertoireItem, "piece-a", json.RawMessage(fmt.Sprintf(payload, "piece-a")))
	require.NoError(t, err)
	_, err = deviceB.CreateEntity(normalize.EntityRepertoireItem, "piece-b", json.RawMessage(fmt.Sprintf(payload, "piece-b")))
	require.NoError(t, err)

	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))

	// The second create was a content duplicate: acknowledged, removed from
	// the outbox, and never appended to the log.
	n, err := deviceB.Store().PendingCount()
	require.NoError(t, err)
	require.Zero(t, n)

	highest, err := server.coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), highest)
}

func TestClient_InvalidChangeIsDeadLetteredNotRetried(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)
	device := server.newDevice(t, "device-a")

	// Payload id mismatching the entity ID is rejected by the server.
	_, err := device.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("other-id", "bad"))
	require.NoError(t, err)

	require.NoError(t, device.SyncOnce(ctx))

	n, err := device.Store().PendingCount()
	require.NoError(t, err)
	require.Zero(t, n, "invalid changes must not clog the outbox")

	dead, err := device.Store().DeadLetters()
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestClient_TypedHelpersRoundTrip(t *testing.T) {
	ctx := context.Background()
	server := newSyncServer(t)

	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	pieceID, _, err := deviceA.CreateRepertoireItem(normalize.RepertoireItem{
		Title:    "Clair de Lune",
		Composer: "Debussy",
		Status:   "Learning",
	})
	require.NoError(t, err)
	require.NotEmpty(t, pieceID)

	_, _, err = deviceA.CreateGoal(normalize.Goal{Title: "30 minutes a day"})
	require.NoError(t, err)

	entryID, _, err := deviceA.CreateLogbookEntry(normalize.LogbookEntry{
		Instrument:      "Piano",
		EntryType:       "Practice",
		DurationMinutes: 25,
		PieceIDs:        []string{pieceID},
	})
	require.NoError(t, err)

	require.NoError(t, deviceA.SyncOnce(ctx))
	require.NoError(t, deviceB.SyncOnce(ctx))

	pieces, err := deviceB.Store().Entities(normalize.EntityRepertoireItem)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	require.Contains(t, string(pieces[0].Payload), "learning", "enums are lowercased server-side")

	goals, err := deviceB.Store().Entities(normalize.EntityGoal)
	require.NoError(t, err)
	require.Len(t, goals, 1)

	entries, err := deviceB.Store().Entities(normalize.EntityLogbookEntry)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entryID, entries[0].EntityID)

	// Delete propagates back the other way.
	_, err = deviceB.DeleteRepertoireItem(pieceID)
	require.NoError(t, err)
	require.NoError(t, deviceB.SyncOnce(ctx))
	require.NoError(t, deviceA.SyncOnce(ctx))

	pieces, err = deviceA.Store().Entities(normalize.EntityRepertoireItem)
	require.NoError(t, err)
	require.Empty(t, pieces)
}

func TestClient_RealtimeRunConvergesTwoDevices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newSyncServer(t)
	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	go func() { _ = deviceA.Run(ctx) }()
	go func() { _ = deviceB.Run(ctx) }()

	// A change recorded on A shows up on B without any explicit sync call.
	_, err := deviceA.CreateEntity(normalize.EntityLogbookEntry, "e-1", entryPayload("e-1", "live"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := deviceB.Store().Entities(normalize.EntityLogbookEntry)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond, "the change must reach device B over the realtime connection")

	require.Eventually(t, func() bool {
		n, err := deviceA.Store().PendingCount()
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond, "device A must receive the ACK")
}

func TestClient_RealtimeCatchupAfterOfflineEdits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newSyncServer(t)
	deviceA := server.newDevice(t, "device-a")
	deviceB := server.newDevice(t, "device-b")

	// Device B records while offline.
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("e-%d", i)
		_, err := deviceB.CreateEntity(normalize.EntityLogbookEntry, id, entryPayload(id, "offline "+id))
		require.NoError(t, err)
	}

	// Both come online; B's outbox drains and A catches up via broadcast.
	go func() { _ = deviceA.Run(ctx) }()
	go func() { _ = deviceB.Run(ctx) }()

	require.Eventually(t, func() bool {
		entries, err := deviceA.Store().Entities(normalize.EntityLogbookEntry)
		return err == nil && len(entries) == 3
	}, 5*time.Second, 20*time.Millisecond)

	highest, err := server.coord.Log().HighestVersion(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), highest)
}
