package signal

import (
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/engine"
)

// withSession runs fn against the current engine session, if any.
func (cl *client) withSession(fn func(*engine.Session)) {
	cl.mu.Lock()
	session := cl.session
	cl.mu.Unlock()
	if session == nil {
		cl.sendError("not in a room")
		return
	}
	fn(session)
}

func (cl *client) handleRaiseHand() {
	cl.withSession(func(s *engine.Session) {
		cl.opResult(s.RaiseHand(cl.ctx))
	})
}

func (cl *client) handleLowerHand() {
	cl.withSession(func(s *engine.Session) {
		cl.opResult(s.LowerHand(cl.ctx))
	})
}

func (cl *client) handleInvite(data []byte) {
	cl.targetOp(data, func(s *engine.Session, target string) error {
		return s.InviteToSpeak(cl.ctx, target)
	})
}

func (cl *client) handleRemoveSpeaker(data []byte) {
	cl.targetOp(data, func(s *engine.Session, target string) error {
		return s.RemoveFromSpeakers(cl.ctx, target)
	})
}

func (cl *client) handlePromote(data []byte) {
	cl.targetOp(data, func(s *engine.Session, target string) error {
		return s.PromoteToModerator(cl.ctx, target)
	})
}

func (cl *client) handleKick(data []byte) {
	cl.targetOp(data, func(s *engine.Session, target string) error {
		return s.Kick(cl.ctx, target)
	})
}

func (cl *client) targetOp(data []byte, op func(*engine.Session, string) error) {
	type targetPayload struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	}
	var p targetPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		cl.sendError("bad_payload")
		return
	}
	cl.withSession(func(s *engine.Session) {
		cl.opResult(op(s, p.UserID))
	})
}

// opResult converts engine guard failures to error frames; store failures
// were already surfaced as notices by the engine.
func (cl *client) opResult(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, engine.ErrPermissionDenied):
		cl.sendError("permission denied")
	case errors.Is(err, engine.ErrHandNotRaised):
		cl.sendError("hand is not raised")
	case errors.Is(err, engine.ErrTargetIsHost):
		cl.sendError("cannot target the host")
	case errors.Is(err, engine.ErrNotSpeaker):
		cl.sendError("target is not a speaker")
	case errors.Is(err, engine.ErrCannotKickSelf):
		cl.sendError("cannot kick yourself")
	case errors.Is(err, engine.ErrParticipantNotFound):
		cl.sendError("participant not found")
	default:
		log.Warn().Err(err).Str("module", "signal").Msg("operation failed")
	}
}
