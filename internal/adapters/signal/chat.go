package signal

import (
	"encoding/json"
	"errors"

	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/engine"
)

func (cl *client) handleChat(data []byte) {
	type chatPayload struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		cl.sendError("bad_payload")
		return
	}
	cl.withSession(func(s *engine.Session) {
		if !cl.ctl.chats.Allow(s.UserID()) {
			cl.sendError("slow down")
			return
		}
		err := s.SendChat(cl.ctx, p.Message)
		switch {
		case errors.Is(err, domain.ErrMessageEmpty):
			cl.sendError("empty message")
		case errors.Is(err, domain.ErrMessageTooLong):
			cl.sendError("message too long")
		}
	})
}
