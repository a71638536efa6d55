package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
)

// reaction is one step the loop takes in response to a change event.
type reaction int

const (
	reactRefresh reaction = iota
	reactSelfRemoved
	reactSelfChanged
	reactCheckCleanup
)

// decide maps a participant change event to reactions. Events are never
// applied as deltas; a refresh re-reads the full participant list. Pure so
// the event-to-reaction mapping is testable without a store.
func decide(ev core.Event, selfID string) []reaction {
	switch ev.Type {
	case core.EventDelete:
		if rowUserID(ev.Old) == selfID {
			return []reaction{reactSelfRemoved}
		}
		return []reaction{reactCheckCleanup, reactRefresh}
	case core.EventUpdate:
		if rowUserID(ev.New) == selfID {
			return []reaction{reactSelfChanged, reactRefresh}
		}
		return []reaction{reactRefresh}
	default:
		return []reaction{reactRefresh}
	}
}

func rowUserID(row core.Row) string {
	if row == nil {
		return ""
	}
	id, _ := row["user_id"].(string)
	return id
}

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.partSub.Events():
			if !ok {
				return
			}
			s.handleParticipantEvent(ev)
		case ev, ok := <-s.chatSub.Events():
			if !ok {
				return
			}
			s.handleChatEvent(ev)
		}
	}
}

func (s *Session) handleParticipantEvent(ev core.Event) {
	for _, r := range decide(ev, s.userID) {
		switch r {
		case reactSelfRemoved:
			s.onSelfRemoved()
			return
		case reactSelfChanged:
			s.onSelfChanged(ev.New)
		case reactCheckCleanup:
			if err := s.cleaner.CheckEmpty(s.ctx, s.roomID); err != nil {
				log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("cleanup check failed")
			}
		case reactRefresh:
			if err := s.refreshParticipants(s.ctx); err != nil {
				log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("participant refresh failed")
				continue
			}
			s.fireUpdate()
		}
	}
}

// onSelfRemoved handles the local user's row being deleted by someone else.
// A voluntary leave also produces this event; the leaving flag suppresses
// the kick path then.
func (s *Session) onSelfRemoved() {
	if s.leaving.Load() {
		return
	}
	if s.sessions != nil {
		if err := s.sessions.Clear(s.ctx, s.roomID); err != nil {
			log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("session clear failed")
		}
	}
	s.notify.Notify(core.NoticeError, "You have been removed from the room")
	if s.media != nil {
		s.media.Disconnect()
	}
	s.shutdown()
	if s.hooks.OnKicked != nil {
		s.hooks.OnKicked()
	}
}

// onSelfChanged re-runs role-dependent media setup when the local user's
// row was updated remotely, e.g. invited to speak or demoted.
func (s *Session) onSelfChanged(row core.Row) {
	p, err := domain.ParticipantFromRow(row)
	if err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("malformed self row in event")
		return
	}

	s.mu.Lock()
	changed := p.Role != s.role
	s.role = p.Role
	s.handRaised = p.HandRaised
	s.mu.Unlock()

	if !changed {
		return
	}
	_ = s.saveSessionRecord(s.ctx)
	if s.media != nil {
		s.media.SetRole(p.Role)
		if err := s.media.EnsureConnected(s.ctx, p.Role.CanPublish()); err != nil {
			log.Error().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("media reconfigure failed")
			s.notify.Notify(core.NoticeError, "Media connection failed")
		}
	}
	if p.Role.CanPublish() {
		s.notify.Notify(core.NoticeSuccess, "You are now a "+p.Role.String())
	}
}

func (s *Session) handleChatEvent(ev core.Event) {
	if ev.Type != core.EventInsert {
		return
	}
	msg := domain.ChatMessageFromRow(ev.New)
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	if s.hooks.OnChat != nil {
		s.hooks.OnChat(msg)
	}
}

// refreshParticipants replaces the participant cache with a fresh read,
// ordered by join time. The local role is re-synced from the own row as a
// side effect, which also covers updates whose events were dropped.
func (s *Session) refreshParticipants(ctx context.Context) error {
	rows, err := s.store.Select(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID}, core.OrderBy("joined_at", true))
	if err != nil {
		return err
	}
	parts := make([]domain.Participant, 0, len(rows))
	for _, row := range rows {
		p, err := domain.ParticipantFromRow(row)
		if err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("skipping malformed participant row")
			continue
		}
		parts = append(parts, p)
	}

	s.mu.Lock()
	s.participants = parts
	for _, p := range parts {
		if p.UserID == s.userID {
			s.role = p.Role
			s.handRaised = p.HandRaised
			break
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) fireUpdate() {
	if s.hooks.OnUpdate != nil {
		s.hooks.OnUpdate()
	}
}
