package signal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/engine"
	"github.com/speakers-live/speakers-server/internal/presence"
)

type roomDTO struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Category     string     `json:"category,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	SponsorUntil *time.Time `json:"sponsorUntil,omitempty"`
}

type participantDTO struct {
	UserID       string     `json:"userId"`
	Username     string     `json:"username"`
	Role         string     `json:"role"`
	HandRaised   bool       `json:"handRaised"`
	HandRaisedAt *time.Time `json:"handRaisedAt,omitempty"`
	IsSpeaking   bool       `json:"isSpeaking"`
	JoinedAt     time.Time  `json:"joinedAt"`
}

type chatDTO struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

func roomToDTO(r domain.Room) roomDTO {
	return roomDTO{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Category:     r.Category.String(),
		CreatedAt:    r.CreatedAt,
		SponsorUntil: r.SponsorUntil,
	}
}

func participantToDTO(p domain.Participant) participantDTO {
	return participantDTO{
		UserID:       p.UserID,
		Username:     p.Username,
		Role:         p.Role.String(),
		HandRaised:   p.HandRaised,
		HandRaisedAt: p.HandRaisedAt,
		IsSpeaking:   p.IsSpeaking,
		JoinedAt:     p.JoinedAt,
	}
}

func chatToDTO(m domain.ChatMessage) chatDTO {
	return chatDTO{
		UserID:    m.UserID,
		Username:  m.Username,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
}

func (cl *client) handleJoin(data []byte) {
	type joinPayload struct {
		Type   string `json:"type"`
		Room   string `json:"room"`
		Name   string `json:"name,omitempty"`
		AsHost bool   `json:"asHost,omitempty"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		cl.sendError("bad_payload")
		return
	}

	cl.mu.Lock()
	already := cl.session != nil
	cl.mu.Unlock()
	if already {
		cl.sendError("already in a room")
		return
	}

	cfg := engine.Config{
		Store:    cl.ctl.store,
		Sessions: presence.Scoped(cl.ctl.sessions, cl.token),
		Notify:   notifier{cl: cl},
		Hooks: engine.Hooks{
			OnUpdate: func() { cl.pushRoomState() },
			OnKicked: func() {
				cl.send(map[string]string{"type": "kicked"})
				cl.shutdown()
			},
			OnChat: func(msg domain.ChatMessage) {
				cl.send(struct {
					Type string  `json:"type"`
					Msg  chatDTO `json:"message"`
				}{"chat", chatToDTO(msg)})
			},
		},
	}

	session, err := engine.Join(cl.ctx, cfg, p.Room, p.Name, p.AsHost)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", p.Room).Msg("join failed")
		cl.sendError(joinErrorText(err))
		return
	}

	cl.mu.Lock()
	cl.session = session
	cl.mu.Unlock()
	cl.ctl.hub.add(session.RoomID(), cl)

	cl.send(struct {
		Type     string `json:"type"`
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}{"joined", session.UserID(), session.Username(), session.Role().String()})

	cl.pushRoomState()
	cl.pushChatHistory()
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, engine.ErrNoRoomID):
		return "no room id"
	case errors.Is(err, engine.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, engine.ErrUsernameRequired):
		return "name required"
	case errors.Is(err, engine.ErrHostExists):
		return "room already has a host"
	case errors.Is(err, domain.ErrUsernameTooLong):
		return "name too long"
	default:
		return "join failed"
	}
}

// handleLeave removes the participant row; the connection itself stays up
// so the client can join another room.
func (cl *client) handleLeave() {
	cl.mu.Lock()
	session := cl.session
	cl.session = nil
	media := cl.media
	cl.media = nil
	cl.mu.Unlock()
	if session == nil {
		cl.sendError("not in a room")
		return
	}

	cl.ctl.hub.remove(session.RoomID(), cl)
	cl.ctl.relays.StopRelay(session.UserID())
	if media != nil {
		media.Close()
	}
	if err := session.Leave(cl.ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("leave failed")
	}
	cl.send(map[string]string{"type": "left"})
}

func (cl *client) pushRoomState() {
	cl.mu.Lock()
	session := cl.session
	cl.mu.Unlock()
	if session == nil {
		return
	}

	parts := session.Participants()
	dtos := make([]participantDTO, 0, len(parts))
	for _, p := range parts {
		dtos = append(dtos, participantToDTO(p))
	}
	cl.send(struct {
		Type         string           `json:"type"`
		Room         roomDTO          `json:"room"`
		Participants []participantDTO `json:"participants"`
		Count        int              `json:"count"`
	}{"room_state", roomToDTO(session.Room()), dtos, len(dtos)})
}

func (cl *client) pushChatHistory() {
	cl.mu.Lock()
	session := cl.session
	cl.mu.Unlock()
	if session == nil {
		return
	}

	msgs := session.Messages()
	dtos := make([]chatDTO, 0, len(msgs))
	for _, m := range msgs {
		dtos = append(dtos, chatToDTO(m))
	}
	cl.send(struct {
		Type     string    `json:"type"`
		Messages []chatDTO `json:"messages"`
	}{"chat_history", dtos})
}
