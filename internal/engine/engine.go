// Package engine is the room state machine. One Session exists per open
// room view; it validates role and hand-raise transitions, writes them to
// the store, and rebuilds its participant cache from the store's change
// feed. No Session holds authoritative state; the store does.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
	"github.com/speakers-live/speakers-server/internal/presence"
)

var (
	ErrNoRoomID            = errors.New("no room id provided")
	ErrRoomNotFound        = errors.New("room not found")
	ErrUsernameRequired    = errors.New("username required")
	ErrHostExists          = errors.New("room already has a host")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrHandNotRaised       = errors.New("hand is not raised")
	ErrTargetIsHost        = errors.New("cannot target the host")
	ErrNotSpeaker          = errors.New("target is not a speaker")
	ErrCannotKickSelf      = errors.New("cannot kick yourself")
)

// Media is the slice of the media orchestrator the engine drives when the
// local role changes. All methods must tolerate being called repeatedly.
type Media interface {
	SetRole(role domain.Role)
	EnsureConnected(ctx context.Context, canPublish bool) error
	Disconnect()
}

// Hooks let a transport adapter react to reconciliation outcomes. They are
// invoked from the session's event loop goroutine, and OnUpdate also from
// the goroutine of a mutating call; implementations must be safe for both.
type Hooks struct {
	// OnUpdate fires after every participant cache rebuild.
	OnUpdate func()
	// OnKicked fires when the local user's own row was deleted by someone
	// else; the session is already shut down when it runs.
	OnKicked func()
	// OnChat fires for every inbound chat message.
	OnChat func(msg domain.ChatMessage)
}

// Config wires a Session's collaborators. Store is required; everything
// else is optional.
type Config struct {
	Store    core.Store
	Sessions presence.SessionStore
	Media    Media
	Notify   core.Notifier
	Hooks    Hooks
}

// CreateRoom inserts a new room row. The creator becomes host by joining
// with asHost afterwards; host is assigned only here, at creation time.
func CreateRoom(ctx context.Context, store core.Store, title, description string, category domain.Category) (domain.Room, error) {
	room, err := domain.NewRoom(title, description, category)
	if err != nil {
		return domain.Room{}, err
	}
	room.CreatedAt = time.Now().UTC()
	row, err := store.Insert(ctx, core.TableRooms, room.Columns())
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return domain.RoomFromRow(row)
}
