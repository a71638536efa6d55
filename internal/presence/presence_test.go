package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/store/memory"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{Username: "alice", UserID: "user_1", Role: domain.RoleHost, Timestamp: time.Now()}
	require.NoError(t, s.Save(ctx, "r1", rec))

	got, ok, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, domain.RoleHost, got.Role)

	require.NoError(t, s.Clear(ctx, "r1"))
	_, ok, err = s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopedStoreSeparatesClients(t *testing.T) {
	inner := NewMemoryStore()
	ctx := context.Background()

	a := Scoped(inner, "client-a")
	b := Scoped(inner, "client-b")

	require.NoError(t, a.Save(ctx, "r1", Record{UserID: "user_a"}))

	_, ok, err := b.Load(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok, "scopes must not leak into each other")

	got, ok, err := a.Load(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user_a", got.UserID)
}

func seedRoom(t *testing.T, store core.Store) string {
	t.Helper()
	ctx := context.Background()
	row, err := store.Insert(ctx, core.TableRooms, core.Row{"title": "room"})
	require.NoError(t, err)
	roomID := row["id"].(string)
	_, err = store.Insert(ctx, core.TableChatMessages, core.Row{"room_id": roomID, "message": "hi"})
	require.NoError(t, err)
	return roomID
}

func TestCleanerHostDepartureTearsDown(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	roomID := seedRoom(t, store)
	_, err := store.Insert(ctx, core.TableParticipants, core.Row{"room_id": roomID, "user_id": "u2"})
	require.NoError(t, err)

	require.NoError(t, NewCleaner(store).OnDeparture(ctx, roomID, domain.RoleHost))

	rooms, err := store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	require.NoError(t, err)
	assert.Empty(t, rooms, "host departure deletes the room even with members left")

	parts, err := store.Select(ctx, core.TableParticipants, core.Filter{"room_id": roomID})
	require.NoError(t, err)
	assert.Empty(t, parts)

	msgs, err := store.Select(ctx, core.TableChatMessages, core.Filter{"room_id": roomID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCleanerNonHostDepartureKeepsOccupiedRoom(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	roomID := seedRoom(t, store)
	_, err := store.Insert(ctx, core.TableParticipants, core.Row{"room_id": roomID, "user_id": "u2"})
	require.NoError(t, err)

	require.NoError(t, NewCleaner(store).OnDeparture(ctx, roomID, domain.RoleParticipant))

	rooms, err := store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	require.NoError(t, err)
	assert.Len(t, rooms, 1, "occupied room survives a participant leaving")
}

func TestCleanerEmptyRoomIsCollected(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	roomID := seedRoom(t, store)

	require.NoError(t, NewCleaner(store).OnDeparture(ctx, roomID, domain.RoleSpeaker))

	rooms, err := store.Select(ctx, core.TableRooms, core.Filter{"id": roomID})
	require.NoError(t, err)
	assert.Empty(t, rooms)

	msgs, err := store.Select(ctx, core.TableChatMessages, core.Filter{"room_id": roomID})
	require.NoError(t, err)
	assert.Empty(t, msgs, "chat history goes with the room")
}
