package domain

import (
	"errors"
	"time"
)

const MaxUsernameLen = 36

var (
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUsernameTooLong = errors.New("username too long")
)

// Participant is a user's membership record in one room. Exactly one row
// exists per (room, user); the store owns it and every client rebuilds its
// view from the full row set.
type Participant struct {
	RoomID       string
	UserID       string
	Username     string
	Role         Role
	HandRaised   bool
	HandRaisedAt *time.Time
	IsSpeaking   bool
	JoinedAt     time.Time
}

// NewParticipant builds a membership row for a fresh join. The host speaks
// from the start; everybody else joins silent with a lowered hand.
func NewParticipant(roomID, userID, username string, role Role, joinedAt time.Time) (Participant, error) {
	if username == "" {
		return Participant{}, ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return Participant{}, ErrUsernameTooLong
	}
	return Participant{
		RoomID:     roomID,
		UserID:     userID,
		Username:   username,
		Role:       role,
		IsSpeaking: role == RoleHost,
		JoinedAt:   joinedAt,
	}, nil
}

func (p Participant) Columns() map[string]any {
	var raisedAt any
	if p.HandRaisedAt != nil {
		raisedAt = *p.HandRaisedAt
	}
	return map[string]any{
		"room_id":        p.RoomID,
		"user_id":        p.UserID,
		"username":       p.Username,
		"role":           p.Role.String(),
		"hand_raised":    p.HandRaised,
		"hand_raised_at": raisedAt,
		"is_speaking":    p.IsSpeaking,
		"joined_at":      p.JoinedAt,
	}
}

func ParticipantFromRow(row map[string]any) (Participant, error) {
	role, err := ParseRole(rowString(row, "role"))
	if err != nil {
		return Participant{}, err
	}
	return Participant{
		RoomID:       rowString(row, "room_id"),
		UserID:       rowString(row, "user_id"),
		Username:     rowString(row, "username"),
		Role:         role,
		HandRaised:   rowBool(row, "hand_raised"),
		HandRaisedAt: rowTimePtr(row, "hand_raised_at"),
		IsSpeaking:   rowBool(row, "is_speaking"),
		JoinedAt:     rowTime(row, "joined_at"),
	}, nil
}
