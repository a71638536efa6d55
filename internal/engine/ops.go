package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
)

// RaiseHand marks the local participant as requesting to speak. Only plain
// participants have a hand to raise; already-raised is a no-op.
func (s *Session) RaiseHand(ctx context.Context) error {
	s.mu.RLock()
	role, raised := s.role, s.handRaised
	s.mu.RUnlock()
	if role != domain.RoleParticipant {
		return ErrPermissionDenied
	}
	if raised {
		return nil
	}
	_, err := s.store.Update(ctx, core.TableParticipants, s.selfFilter(), core.Row{
		"hand_raised":    true,
		"hand_raised_at": time.Now().UTC(),
	})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to raise hand")
		return fmt.Errorf("raise hand: %w", err)
	}
	s.mu.Lock()
	s.handRaised = true
	s.mu.Unlock()
	s.refreshAndNotify(ctx)
	return nil
}

// LowerHand withdraws a pending speak request. Both flag and timestamp are
// cleared in one write.
func (s *Session) LowerHand(ctx context.Context) error {
	s.mu.RLock()
	raised := s.handRaised
	s.mu.RUnlock()
	if !raised {
		return nil
	}
	_, err := s.store.Update(ctx, core.TableParticipants, s.selfFilter(), core.Row{
		"hand_raised":    false,
		"hand_raised_at": nil,
	})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to lower hand")
		return fmt.Errorf("lower hand: %w", err)
	}
	s.mu.Lock()
	s.handRaised = false
	s.mu.Unlock()
	s.refreshAndNotify(ctx)
	return nil
}

// ToggleHand raises or lowers depending on current local state.
func (s *Session) ToggleHand(ctx context.Context) error {
	if s.HandRaised() {
		return s.LowerHand(ctx)
	}
	return s.RaiseHand(ctx)
}

// InviteToSpeak promotes a hand-raised participant to speaker. The write
// filters on hand_raised=true so an invite racing a lowered hand matches
// zero rows and is rejected instead of force-promoting.
func (s *Session) InviteToSpeak(ctx context.Context, targetID string) error {
	if !s.Role().CanModerate() {
		return ErrPermissionDenied
	}
	target, err := s.fetchParticipant(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Role == domain.RoleHost {
		return ErrTargetIsHost
	}
	if !target.HandRaised {
		return ErrHandNotRaised
	}
	n, err := s.store.Update(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID, "user_id": targetID, "hand_raised": true},
		core.Row{
			"role":           domain.RoleSpeaker.String(),
			"is_speaking":    true,
			"hand_raised":    false,
			"hand_raised_at": nil,
		})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to invite speaker")
		return fmt.Errorf("invite to speak: %w", err)
	}
	if n == 0 {
		// Hand went down between the read and the write.
		return ErrHandNotRaised
	}
	s.notify.Notify(core.NoticeSuccess, target.Username+" is now a speaker")
	s.refreshAndNotify(ctx)
	return nil
}

// RemoveFromSpeakers sends a speaker or moderator back to the audience. The
// host cannot be removed from the stage.
func (s *Session) RemoveFromSpeakers(ctx context.Context, targetID string) error {
	if !s.Role().CanModerate() {
		return ErrPermissionDenied
	}
	target, err := s.fetchParticipant(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Role == domain.RoleHost {
		return ErrTargetIsHost
	}
	if !target.IsSpeaking {
		return ErrNotSpeaker
	}
	_, err = s.store.Update(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID, "user_id": targetID},
		core.Row{
			"role":        domain.RoleParticipant.String(),
			"is_speaking": false,
		})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to remove speaker")
		return fmt.Errorf("remove from speakers: %w", err)
	}
	s.refreshAndNotify(ctx)
	return nil
}

// PromoteToModerator grants moderator powers to a current speaker. Host
// only.
func (s *Session) PromoteToModerator(ctx context.Context, targetID string) error {
	if s.Role() != domain.RoleHost {
		return ErrPermissionDenied
	}
	target, err := s.fetchParticipant(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Role != domain.RoleSpeaker {
		return ErrNotSpeaker
	}
	_, err = s.store.Update(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID, "user_id": targetID},
		core.Row{"role": domain.RoleModerator.String()})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to promote moderator")
		return fmt.Errorf("promote to moderator: %w", err)
	}
	s.notify.Notify(core.NoticeSuccess, target.Username+" is now a moderator")
	s.refreshAndNotify(ctx)
	return nil
}

// Kick deletes another participant's row. The target's own session reacts
// to the delete event and shuts itself down.
func (s *Session) Kick(ctx context.Context, targetID string) error {
	if !s.Role().CanModerate() {
		return ErrPermissionDenied
	}
	if targetID == s.userID {
		return ErrCannotKickSelf
	}
	target, err := s.fetchParticipant(ctx, targetID)
	if err != nil {
		return err
	}
	if target.Role == domain.RoleHost {
		return ErrTargetIsHost
	}
	err = s.store.Delete(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID, "user_id": targetID})
	if err != nil {
		s.notify.Notify(core.NoticeError, "Failed to remove participant")
		return fmt.Errorf("kick: %w", err)
	}
	s.notify.Notify(core.NoticeSuccess, target.Username+" was removed")
	s.refreshAndNotify(ctx)
	return nil
}

// SendChat validates and stores a chat message. The local message list is
// only appended when the insert event comes back, so every client sees the
// same order.
func (s *Session) SendChat(ctx context.Context, text string) error {
	msg, err := domain.NewChatMessage(s.roomID, s.userID, s.username, text, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.store.Insert(ctx, core.TableChatMessages, msg.Columns()); err != nil {
		s.notify.Notify(core.NoticeError, "Failed to send message")
		return fmt.Errorf("send chat: %w", err)
	}
	return nil
}

// Leave removes the local participant row, clears the saved session, and
// runs the departure cleanup policy. The session is unusable afterwards.
func (s *Session) Leave(ctx context.Context) error {
	s.leaving.Store(true)
	s.mu.RLock()
	role := s.role
	s.mu.RUnlock()

	if s.sessions != nil {
		if err := s.sessions.Clear(ctx, s.roomID); err != nil {
			log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("session clear failed")
		}
	}
	if s.media != nil {
		s.media.Disconnect()
	}

	err := s.store.Delete(ctx, core.TableParticipants, s.selfFilter())
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("leave: delete own row failed")
	}
	if cerr := s.cleaner.OnDeparture(ctx, s.roomID, role); cerr != nil {
		log.Error().Err(cerr).Str("module", "engine").Str("room", s.roomID).Msg("departure cleanup failed")
	}

	s.shutdown()
	return err
}

// Close detaches without leaving the room: the participant row and session
// record stay, so the user can resume. Media is torn down.
func (s *Session) Close() {
	s.leaving.Store(true)
	if s.media != nil {
		s.media.Disconnect()
	}
	s.shutdown()
}

func (s *Session) fetchParticipant(ctx context.Context, userID string) (domain.Participant, error) {
	rows, err := s.store.Select(ctx, core.TableParticipants,
		core.Filter{"room_id": s.roomID, "user_id": userID})
	if err != nil {
		return domain.Participant{}, fmt.Errorf("fetch participant: %w", err)
	}
	if len(rows) == 0 {
		return domain.Participant{}, ErrParticipantNotFound
	}
	return domain.ParticipantFromRow(rows[0])
}

// refreshAndNotify re-reads the participant list after a local mutation so
// the caller sees its own write without waiting for the change feed.
func (s *Session) refreshAndNotify(ctx context.Context) {
	if err := s.refreshParticipants(ctx); err != nil {
		log.Warn().Err(err).Str("module", "engine").Str("room", s.roomID).Msg("participant refresh failed")
		return
	}
	s.fireUpdate()
}
