package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/presence"
	"github.com/speakers-live/speakers-server/internal/store/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type fakeMedia struct {
	mu             sync.Mutex
	role           domain.Role
	connects       []bool
	disconnects    int
	lastCanPublish bool
}

func (f *fakeMedia) SetRole(r domain.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.role = r
}

func (f *fakeMedia) EnsureConnected(ctx context.Context, canPublish bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, canPublish)
	f.lastCanPublish = canPublish
	return nil
}

func (f *fakeMedia) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeMedia) canPublish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCanPublish
}

func newRoom(t *testing.T, store core.Store) domain.Room {
	t.Helper()
	room, err := CreateRoom(context.Background(), store, "Test room", "", domain.CategoryGeneral)
	require.NoError(t, err)
	return room
}

func join(t *testing.T, store core.Store, roomID, name string, asHost bool, extra ...func(*Config)) *Session {
	t.Helper()
	cfg := Config{Store: store}
	for _, fn := range extra {
		fn(&cfg)
	}
	s, err := Join(context.Background(), cfg, roomID, name, asHost)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCreateRoomValidatesTitle(t *testing.T) {
	store := memory.New()
	_, err := CreateRoom(context.Background(), store, "", "", domain.CategoryNone)
	assert.ErrorIs(t, err, domain.ErrTitleEmpty)
}

func TestHostJoin(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)

	host := join(t, store, room.ID, "alice", true)

	assert.Equal(t, domain.RoleHost, host.Role())
	assert.Equal(t, room.ID, host.Room().ID)

	parts := host.Participants()
	require.Len(t, parts, 1)
	assert.True(t, parts[0].IsSpeaking, "host speaks from creation")
}

func TestSecondHostRejected(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	join(t, store, room.ID, "alice", true)

	_, err := Join(context.Background(), Config{Store: store}, room.ID, "mallory", true)
	assert.ErrorIs(t, err, ErrHostExists)
}

func TestJoinRequiresRoomAndName(t *testing.T) {
	store := memory.New()

	_, err := Join(context.Background(), Config{Store: store}, "", "alice", false)
	assert.ErrorIs(t, err, ErrNoRoomID)

	room := newRoom(t, store)
	_, err = Join(context.Background(), Config{Store: store}, room.ID, "", false)
	assert.ErrorIs(t, err, ErrUsernameRequired)
}

func TestJoinMissingRoom(t *testing.T) {
	store := memory.New()
	_, err := Join(context.Background(), Config{Store: store}, "nope", "alice", false)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRaiseHandInviteFlow(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)

	media := &fakeMedia{}
	bob := join(t, store, room.ID, "bob", false, func(c *Config) { c.Media = media })
	assert.Equal(t, domain.RoleParticipant, bob.Role())

	require.NoError(t, bob.RaiseHand(context.Background()))
	assert.True(t, bob.HandRaised())

	require.Eventually(t, func() bool {
		return len(host.RaisedHands()) == 1
	}, waitFor, tick, "host should observe the raised hand")

	require.NoError(t, host.InviteToSpeak(context.Background(), bob.UserID()))

	require.Eventually(t, func() bool {
		return bob.Role() == domain.RoleSpeaker
	}, waitFor, tick, "invite should promote bob to speaker")
	assert.False(t, bob.HandRaised(), "promotion lowers the hand")

	require.Eventually(t, media.canPublish, waitFor, tick,
		"role change should reconnect media with publish rights")

	require.Eventually(t, func() bool {
		return len(bob.Speakers()) == 2
	}, waitFor, tick, "host and bob are both on stage")
}

func TestInviteRequiresRaisedHand(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	bob := join(t, store, room.ID, "bob", false)

	err := host.InviteToSpeak(context.Background(), bob.UserID())
	assert.ErrorIs(t, err, ErrHandNotRaised)
}

// raceStore pretends the target's hand is still raised on reads while the
// underlying row already lowered it, so the conditional write is the only
// thing standing between the race and a wrong promotion.
type raceStore struct {
	core.Store
	target string
}

func (r *raceStore) Select(ctx context.Context, table core.Table, filter core.Filter, opts ...core.SelectOption) ([]core.Row, error) {
	rows, err := r.Store.Select(ctx, table, filter, opts...)
	if err != nil || table != core.TableParticipants || filter["user_id"] != r.target {
		return rows, err
	}
	for _, row := range rows {
		row["hand_raised"] = true
	}
	return rows, nil
}

func TestInviteLosesRaceToLoweredHand(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	bob := join(t, store, room.ID, "bob", false)

	raced := &raceStore{Store: store, target: bob.UserID()}
	host, err := Join(context.Background(), Config{Store: raced}, room.ID, "alice", true)
	require.NoError(t, err)
	t.Cleanup(host.Close)

	err = host.InviteToSpeak(context.Background(), bob.UserID())
	assert.ErrorIs(t, err, ErrHandNotRaised, "stale read must not force-promote")
	assert.Equal(t, domain.RoleParticipant, bob.Role())
}

func TestPermissionGuards(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	bob := join(t, store, room.ID, "bob", false)
	carol := join(t, store, room.ID, "carol", false)
	ctx := context.Background()

	assert.ErrorIs(t, bob.InviteToSpeak(ctx, carol.UserID()), ErrPermissionDenied)
	assert.ErrorIs(t, bob.Kick(ctx, carol.UserID()), ErrPermissionDenied)
	assert.ErrorIs(t, bob.RemoveFromSpeakers(ctx, carol.UserID()), ErrPermissionDenied)
	assert.ErrorIs(t, bob.PromoteToModerator(ctx, carol.UserID()), ErrPermissionDenied)

	assert.ErrorIs(t, host.RaiseHand(ctx), ErrPermissionDenied, "host has no hand to raise")
	assert.ErrorIs(t, host.Kick(ctx, host.UserID()), ErrCannotKickSelf)
	assert.ErrorIs(t, host.Kick(ctx, "user_ghost"), ErrParticipantNotFound)
	assert.ErrorIs(t, host.PromoteToModerator(ctx, bob.UserID()), ErrNotSpeaker)
	assert.ErrorIs(t, host.RemoveFromSpeakers(ctx, bob.UserID()), ErrNotSpeaker)
	assert.ErrorIs(t, host.RemoveFromSpeakers(ctx, host.UserID()), ErrTargetIsHost)
	assert.ErrorIs(t, host.InviteToSpeak(ctx, host.UserID()), ErrTargetIsHost)
}

func TestModeratorWorkflow(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	bob := join(t, store, room.ID, "bob", false)
	carol := join(t, store, room.ID, "carol", false)
	ctx := context.Background()

	require.NoError(t, bob.RaiseHand(ctx))
	require.NoError(t, host.InviteToSpeak(ctx, bob.UserID()))
	require.Eventually(t, func() bool { return bob.Role() == domain.RoleSpeaker }, waitFor, tick)

	require.NoError(t, host.PromoteToModerator(ctx, bob.UserID()))
	require.Eventually(t, func() bool { return bob.Role() == domain.RoleModerator }, waitFor, tick)

	// Only the host hands out moderator.
	require.NoError(t, carol.RaiseHand(ctx))
	require.NoError(t, bob.InviteToSpeak(ctx, carol.UserID()))
	require.Eventually(t, func() bool { return carol.Role() == domain.RoleSpeaker }, waitFor, tick)
	assert.ErrorIs(t, bob.PromoteToModerator(ctx, carol.UserID()), ErrPermissionDenied)

	// Moderators can be demoted like any speaker.
	require.NoError(t, host.RemoveFromSpeakers(ctx, bob.UserID()))
	require.Eventually(t, func() bool { return bob.Role() == domain.RoleParticipant }, waitFor, tick)
}

func TestDemotionDropsPublishRights(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	media := &fakeMedia{}
	bob := join(t, store, room.ID, "bob", false, func(c *Config) { c.Media = media })
	ctx := context.Background()

	require.NoError(t, bob.RaiseHand(ctx))
	require.NoError(t, host.InviteToSpeak(ctx, bob.UserID()))
	require.Eventually(t, media.canPublish, waitFor, tick)

	require.NoError(t, host.RemoveFromSpeakers(ctx, bob.UserID()))
	require.Eventually(t, func() bool {
		return bob.Role() == domain.RoleParticipant && !media.canPublish()
	}, waitFor, tick)
}

func TestKickPropagates(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)

	kicked := make(chan struct{})
	sessions := presence.NewMemoryStore()
	bob := join(t, store, room.ID, "bob", false, func(c *Config) {
		c.Sessions = sessions
		c.Hooks.OnKicked = func() { close(kicked) }
	})

	require.NoError(t, host.Kick(context.Background(), bob.UserID()))

	select {
	case <-kicked:
	case <-time.After(waitFor):
		t.Fatal("kicked hook never fired")
	}
	select {
	case <-bob.Done():
	case <-time.After(waitFor):
		t.Fatal("kicked session did not shut down")
	}

	_, ok, err := sessions.Load(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, ok, "kick clears the saved session")

	rows, err := store.Select(context.Background(), core.TableParticipants, core.Filter{"room_id": room.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestHostLeaveTearsDownRoom(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	bob := join(t, store, room.ID, "bob", false)
	ctx := context.Background()

	require.NoError(t, bob.SendChat(ctx, "hello"))
	require.NoError(t, host.Leave(ctx))

	require.Eventually(t, func() bool {
		rooms, err := store.Select(ctx, core.TableRooms, core.Filter{"id": room.ID})
		return err == nil && len(rooms) == 0
	}, waitFor, tick, "host departure deletes the room")

	parts, err := store.Select(ctx, core.TableParticipants, core.Filter{"room_id": room.ID})
	require.NoError(t, err)
	assert.Empty(t, parts)

	msgs, err := store.Select(ctx, core.TableChatMessages, core.Filter{"room_id": room.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	select {
	case <-bob.Done():
	case <-time.After(waitFor):
		t.Fatal("remaining session should shut down with the room")
	}
}

func TestLastLeaveTearsDownRoom(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	bob := join(t, store, room.ID, "bob", false)
	ctx := context.Background()

	require.NoError(t, bob.Leave(ctx))

	rooms, err := store.Select(ctx, core.TableRooms, core.Filter{"id": room.ID})
	require.NoError(t, err)
	assert.Empty(t, rooms, "empty room is garbage collected")
}

func TestChatFlow(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)

	var mu sync.Mutex
	var hostSaw []string
	host := join(t, store, room.ID, "alice", true, func(c *Config) {
		c.Hooks.OnChat = func(msg domain.ChatMessage) {
			mu.Lock()
			hostSaw = append(hostSaw, msg.Message)
			mu.Unlock()
		}
	})
	bob := join(t, store, room.ID, "bob", false)
	ctx := context.Background()

	assert.ErrorIs(t, bob.SendChat(ctx, ""), domain.ErrMessageEmpty)
	require.NoError(t, bob.SendChat(ctx, "first"))
	require.NoError(t, host.SendChat(ctx, "second"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hostSaw) == 2
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return len(bob.Messages()) == 2
	}, waitFor, tick)
	msgs := bob.Messages()
	assert.Equal(t, "first", msgs[0].Message)
	assert.Equal(t, "bob", msgs[0].Username)
}

func TestChatBacklogOnJoin(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	host := join(t, store, room.ID, "alice", true)
	ctx := context.Background()

	require.NoError(t, host.SendChat(ctx, "before bob"))
	require.Eventually(t, func() bool { return len(host.Messages()) == 1 }, waitFor, tick)

	bob := join(t, store, room.ID, "bob", false)
	msgs := bob.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "before bob", msgs[0].Message)
}

func TestResumeKeepsIdentityAndRole(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	sessions := presence.NewMemoryStore()
	ctx := context.Background()

	host := join(t, store, room.ID, "alice", true, func(c *Config) { c.Sessions = sessions })
	hostID := host.UserID()
	host.Close()

	resumed, err := Join(ctx, Config{Store: store, Sessions: sessions}, room.ID, "", false)
	require.NoError(t, err)
	t.Cleanup(resumed.Close)

	assert.Equal(t, hostID, resumed.UserID())
	assert.Equal(t, "alice", resumed.Username())
	assert.Equal(t, domain.RoleHost, resumed.Role(), "row role wins on resume")

	rows, err := store.Select(ctx, core.TableParticipants, core.Filter{"room_id": room.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "resume must not duplicate the row")
}

func TestResumeAfterRowGoneRejoinsFresh(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	// Keep a second participant so the room survives the row deletion.
	join(t, store, room.ID, "carol", false)

	sessions := presence.NewMemoryStore()
	ctx := context.Background()

	bob := join(t, store, room.ID, "bob", false, func(c *Config) { c.Sessions = sessions })
	bobID := bob.UserID()
	bob.Close()

	require.NoError(t, store.Delete(ctx, core.TableParticipants, core.Filter{"user_id": bobID}))

	resumed, err := Join(ctx, Config{Store: store, Sessions: sessions}, room.ID, "", false)
	require.NoError(t, err)
	t.Cleanup(resumed.Close)

	assert.Equal(t, bobID, resumed.UserID(), "saved identity is reused")
	assert.Equal(t, "bob", resumed.Username())
	assert.Equal(t, domain.RoleParticipant, resumed.Role())
}

func TestDecide(t *testing.T) {
	self := "user_self"

	t.Run("own delete means kicked", func(t *testing.T) {
		got := decide(core.Event{Type: core.EventDelete, Old: core.Row{"user_id": self}}, self)
		assert.Equal(t, []reaction{reactSelfRemoved}, got)
	})

	t.Run("foreign delete checks cleanup then refreshes", func(t *testing.T) {
		got := decide(core.Event{Type: core.EventDelete, Old: core.Row{"user_id": "other"}}, self)
		assert.Equal(t, []reaction{reactCheckCleanup, reactRefresh}, got)
	})

	t.Run("own update reconfigures self", func(t *testing.T) {
		got := decide(core.Event{Type: core.EventUpdate, New: core.Row{"user_id": self}}, self)
		assert.Equal(t, []reaction{reactSelfChanged, reactRefresh}, got)
	})

	t.Run("foreign update refreshes", func(t *testing.T) {
		got := decide(core.Event{Type: core.EventUpdate, New: core.Row{"user_id": "other"}}, self)
		assert.Equal(t, []reaction{reactRefresh}, got)
	})

	t.Run("insert refreshes", func(t *testing.T) {
		got := decide(core.Event{Type: core.EventInsert, New: core.Row{"user_id": "other"}}, self)
		assert.Equal(t, []reaction{reactRefresh}, got)
	})
}

func TestLeaveIsNotKick(t *testing.T) {
	store := memory.New()
	room := newRoom(t, store)
	join(t, store, room.ID, "alice", true)

	kicked := false
	bob := join(t, store, room.ID, "bob", false, func(c *Config) {
		c.Hooks.OnKicked = func() { kicked = true }
	})

	require.NoError(t, bob.Leave(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, kicked, "voluntary leave must not fire the kick hook")
}
