package domain

import (
	"errors"
	"time"
)

const MaxMessageLen = 2000

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

// ChatMessage is append-only; messages are deleted only in bulk together
// with their room.
type ChatMessage struct {
	RoomID    string
	UserID    string
	Username  string
	Message   string
	CreatedAt time.Time
}

func NewChatMessage(roomID, userID, username, message string, at time.Time) (ChatMessage, error) {
	if message == "" {
		return ChatMessage{}, ErrMessageEmpty
	}
	if len(message) > MaxMessageLen {
		return ChatMessage{}, ErrMessageTooLong
	}
	return ChatMessage{
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Message:   message,
		CreatedAt: at,
	}, nil
}

func (m ChatMessage) Columns() map[string]any {
	return map[string]any{
		"room_id":    m.RoomID,
		"user_id":    m.UserID,
		"username":   m.Username,
		"message":    m.Message,
		"created_at": m.CreatedAt,
	}
}

func ChatMessageFromRow(row map[string]any) ChatMessage {
	return ChatMessage{
		RoomID:    rowString(row, "room_id"),
		UserID:    rowString(row, "user_id"),
		Username:  rowString(row, "username"),
		Message:   rowString(row, "message"),
		CreatedAt: rowTime(row, "created_at"),
	}
}
