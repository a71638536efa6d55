package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakers-live/speakers-server/internal/core"
)

func TestInsertAssignsID(t *testing.T) {
	s := New()
	ctx := context.Background()

	row, err := s.Insert(ctx, core.TableRooms, core.Row{"title": "a"})
	require.NoError(t, err)
	assert.NotEmpty(t, row["id"])

	row2, err := s.Insert(ctx, core.TableRooms, core.Row{"id": "fixed", "title": "b"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", row2["id"])
}

func TestInsertDoesNotAliasCaller(t *testing.T) {
	s := New()
	ctx := context.Background()

	in := core.Row{"title": "a"}
	_, err := s.Insert(ctx, core.TableRooms, in)
	require.NoError(t, err)
	in["title"] = "mutated"

	rows, err := s.Select(ctx, core.TableRooms, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["title"])
}

func TestUpdateReturnsAffectedCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Insert(ctx, core.TableParticipants, core.Row{"user_id": "u1", "hand_raised": true})
	require.NoError(t, err)
	_, err = s.Insert(ctx, core.TableParticipants, core.Row{"user_id": "u2", "hand_raised": false})
	require.NoError(t, err)

	n, err := s.Update(ctx, core.TableParticipants,
		core.Filter{"user_id": "u1", "hand_raised": true},
		core.Row{"role": "speaker"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Conditional update against stale pre-state matches nothing.
	n, err = s.Update(ctx, core.TableParticipants,
		core.Filter{"user_id": "u2", "hand_raised": true},
		core.Row{"role": "speaker"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Insert(ctx, core.TableParticipants, core.Row{"room_id": "r1", "user_id": "u1"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, core.TableParticipants, core.Row{"room_id": "r1", "user_id": "u2"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, core.TableParticipants, core.Filter{"user_id": "u1"}))

	rows, err := s.Select(ctx, core.TableParticipants, core.Filter{"room_id": "r1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u2", rows[0]["user_id"])
}

func TestSelectOrderAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		_, err := s.Insert(ctx, core.TableChatMessages, core.Row{
			"user_id":    id,
			"created_at": base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	rows, err := s.Select(ctx, core.TableChatMessages, nil, core.OrderBy("created_at", true))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0]["user_id"])
	assert.Equal(t, "c", rows[2]["user_id"])

	rows, err = s.Select(ctx, core.TableChatMessages, nil, core.OrderBy("created_at", false), core.Limit(2))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c", rows[0]["user_id"])
}

func TestSubscribeDeliversFilteredEvents(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, core.TableParticipants, core.Filter{"room_id": "r1"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Insert(ctx, core.TableParticipants, core.Row{"room_id": "r1", "user_id": "u1", "hand_raised": false})
	require.NoError(t, err)
	_, err = s.Insert(ctx, core.TableParticipants, core.Row{"room_id": "other", "user_id": "u9"})
	require.NoError(t, err)
	_, err = s.Update(ctx, core.TableParticipants, core.Filter{"user_id": "u1"}, core.Row{"hand_raised": true})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, core.TableParticipants, core.Filter{"user_id": "u1"}))

	var got []core.Event
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 3 events, got %d", len(got))
		}
	}

	assert.Equal(t, core.EventInsert, got[0].Type)
	assert.Equal(t, "u1", got[0].New["user_id"])
	assert.Equal(t, core.EventUpdate, got[1].Type)
	assert.Equal(t, false, got[1].Old["hand_raised"])
	assert.Equal(t, true, got[1].New["hand_raised"])
	assert.Equal(t, core.EventDelete, got[2].Type)
	assert.Equal(t, "u1", got[2].Old["user_id"])
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, core.TableRooms, nil)
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	// Publishing after close must not panic.
	_, err = s.Insert(ctx, core.TableRooms, core.Row{"title": "a"})
	require.NoError(t, err)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
