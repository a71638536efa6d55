package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/presence"
)

const (
	fetchAttempts  = 3
	fetchBackoff   = 200 * time.Millisecond
	chatBacklogMax = 100
)

// Session is one user's live view of one room. All exported methods are
// safe for concurrent use; hooks run on the internal event loop goroutine.
type Session struct {
	store    core.Store
	sessions presence.SessionStore
	media    Media
	notify   core.Notifier
	hooks    Hooks
	cleaner  *presence.Cleaner

	roomID   string
	userID   string
	username string

	mu           sync.RWMutex
	role         domain.Role
	handRaised   bool
	room         domain.Room
	participants []domain.Participant
	messages     []domain.ChatMessage

	partSub core.Subscription
	chatSub core.Subscription

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	loopDone chan struct{}
	closing  sync.Once
	leaving  atomic.Bool
}

// Join enters a room. An existing session record for the room is resumed
// with its saved identity; the authoritative role still comes from the
// re-fetched participant row. A fresh join requires a username. asHost is
// only honored right after CreateRoom; a second host is rejected.
func Join(ctx context.Context, cfg Config, roomID, username string, asHost bool) (*Session, error) {
	if roomID == "" {
		return nil, ErrNoRoomID
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: config has no store")
	}
	notify := cfg.Notify
	if notify == nil {
		notify = core.LogNotifier{}
	}

	s := &Session{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		media:    cfg.Media,
		notify:   notify,
		hooks:    cfg.Hooks,
		cleaner:  presence.NewCleaner(cfg.Store),
		roomID:   roomID,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	room, err := s.fetchRoom(ctx)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.room = room

	if err := s.establishIdentity(ctx, username, asHost); err != nil {
		s.cancel()
		return nil, err
	}

	if err := s.loadParticipants(ctx); err != nil {
		s.teardownOnJoinError(ctx)
		return nil, fmt.Errorf("load participants: %w", err)
	}
	if err := s.loadChatBacklog(ctx); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("room", roomID).Msg("chat backlog unavailable")
	}

	s.partSub, err = s.store.Subscribe(s.ctx, core.TableParticipants, core.Filter{"room_id": roomID})
	if err != nil {
		s.teardownOnJoinError(ctx)
		return nil, fmt.Errorf("subscribe participants: %w", err)
	}
	s.chatSub, err = s.store.Subscribe(s.ctx, core.TableChatMessages, core.Filter{"room_id": roomID})
	if err != nil {
		s.partSub.Close()
		s.teardownOnJoinError(ctx)
		return nil, fmt.Errorf("subscribe chat: %w", err)
	}

	s.setupMedia(ctx)

	go s.run()
	return s, nil
}

// fetchRoom retries a few times before giving up: the room row may lag the
// redirect that carried its id here.
func (s *Session) fetchRoom(ctx context.Context) (domain.Room, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * fetchBackoff):
			case <-ctx.Done():
				return domain.Room{}, ctx.Err()
			}
		}
		rows, err := s.store.Select(ctx, core.TableRooms, core.Filter{"id": s.roomID})
		if err != nil {
			lastErr = err
			continue
		}
		if len(rows) == 0 {
			lastErr = ErrRoomNotFound
			continue
		}
		return domain.RoomFromRow(rows[0])
	}
	return domain.Room{}, lastErr
}

// establishIdentity resumes a saved session or inserts a fresh participant
// row, then persists the session record.
func (s *Session) establishIdentity(ctx context.Context, username string, asHost bool) error {
	if rec, ok := s.loadSessionRecord(ctx); ok {
		err := s.resume(ctx, rec)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("session resume failed, joining fresh")
	}

	if username == "" {
		return ErrUsernameRequired
	}
	role := domain.RoleParticipant
	if asHost {
		taken, err := s.hostTaken(ctx)
		if err != nil {
			return fmt.Errorf("check host: %w", err)
		}
		if taken {
			return ErrHostExists
		}
		role = domain.RoleHost
	}
	return s.insertSelf(ctx, "user_"+uuid.NewString(), username, role)
}

func (s *Session) loadSessionRecord(ctx context.Context) (presence.Record, bool) {
	if s.sessions == nil {
		return presence.Record{}, false
	}
	rec, ok, err := s.sessions.Load(ctx, s.roomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("session store load failed")
		return presence.Record{}, false
	}
	return rec, ok && rec.UserID != ""
}

// resume re-fetches the saved participant row. If it still exists the row's
// role wins over the saved one; if it is gone the saved identity is reused
// for a fresh insert so the user keeps their name and id.
func (s *Session) resume(ctx context.Context, rec presence.Record) error {
	rows, err := s.store.Select(ctx, core.TableParticipants, core.Filter{
		"room_id": s.roomID,
		"user_id": rec.UserID,
	})
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		p, err := domain.ParticipantFromRow(rows[0])
		if err != nil {
			return err
		}
		s.userID = p.UserID
		s.username = p.Username
		s.role = p.Role
		s.handRaised = p.HandRaised
		return s.saveSessionRecord(ctx)
	}

	role := rec.Role
	if role == domain.RoleHost {
		taken, err := s.hostTaken(ctx)
		if err != nil {
			return err
		}
		if taken {
			role = domain.RoleParticipant
		}
	}
	return s.insertSelf(ctx, rec.UserID, rec.Username, role)
}

func (s *Session) insertSelf(ctx context.Context, userID, username string, role domain.Role) error {
	p, err := domain.NewParticipant(s.roomID, userID, username, role, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.store.Insert(ctx, core.TableParticipants, p.Columns()); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	s.userID = userID
	s.username = username
	s.role = role
	s.handRaised = false
	return s.saveSessionRecord(ctx)
}

func (s *Session) hostTaken(ctx context.Context) (bool, error) {
	rows, err := s.store.Select(ctx, core.TableParticipants, core.Filter{
		"room_id": s.roomID,
		"role":    domain.RoleHost.String(),
	})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *Session) saveSessionRecord(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	err := s.sessions.Save(ctx, s.roomID, presence.Record{
		Username:  s.username,
		UserID:    s.userID,
		Role:      s.role,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("session store save failed")
	}
	return nil
}

func (s *Session) loadParticipants(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * fetchBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := s.refreshParticipants(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *Session) loadChatBacklog(ctx context.Context) error {
	rows, err := s.store.Select(ctx, core.TableChatMessages, core.Filter{"room_id": s.roomID},
		core.OrderBy("created_at", true), core.Limit(chatBacklogMax))
	if err != nil {
		return err
	}
	msgs := make([]domain.ChatMessage, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, domain.ChatMessageFromRow(row))
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	return nil
}

// setupMedia connects the media session for the role established at join.
// Media failures degrade the experience but never fail the join.
func (s *Session) setupMedia(ctx context.Context) {
	if s.media == nil {
		return
	}
	s.mu.RLock()
	role := s.role
	s.mu.RUnlock()
	s.media.SetRole(role)
	if err := s.media.EnsureConnected(ctx, role.CanPublish()); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("media connect failed")
		s.notify.Notify(core.NoticeError, "Media connection failed")
	}
}

// teardownOnJoinError undoes a half-finished join so no orphan row lingers.
func (s *Session) teardownOnJoinError(ctx context.Context) {
	if s.userID != "" {
		if err := s.store.Delete(ctx, core.TableParticipants, s.selfFilter()); err != nil {
			log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("join rollback failed")
		}
	}
	s.cancel()
}

func (s *Session) selfFilter() core.Filter {
	return core.Filter{"room_id": s.roomID, "user_id": s.userID}
}

// RoomID returns the room this session is attached to.
func (s *Session) RoomID() string { return s.roomID }

// UserID returns the local user's id.
func (s *Session) UserID() string { return s.userID }

// Username returns the local user's display name.
func (s *Session) Username() string { return s.username }

// Role returns the local user's current role.
func (s *Session) Role() domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// HandRaised reports whether the local user's hand is up.
func (s *Session) HandRaised() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handRaised
}

// Room returns the room row as of join time.
func (s *Session) Room() domain.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Participants returns a copy of the current participant cache, ordered by
// join time.
func (s *Session) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, len(s.participants))
	copy(out, s.participants)
	return out
}

// Speakers returns the participants currently on stage.
func (s *Session) Speakers() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants {
		if p.IsSpeaking {
			out = append(out, p)
		}
	}
	return out
}

// RaisedHands returns participants with a raised hand, oldest first.
func (s *Session) RaisedHands() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants {
		if p.HandRaised {
			out = append(out, p)
		}
	}
	return out
}

// Messages returns a copy of the chat history this session has seen.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Done is closed once the session has shut down, whether by Leave, Close,
// or being kicked.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) shutdown() {
	s.closing.Do(func() {
		close(s.done)
		s.cancel()
		if s.partSub != nil {
			s.partSub.Close()
		}
		if s.chatSub != nil {
			s.chatSub.Close()
		}
	})
}
