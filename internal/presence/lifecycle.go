package presence

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/domain"
)

// Cleaner implements the room garbage-collection policy: host departure
// always tears the room down; otherwise the room is torn down once its last
// participant row is gone. Cleanup is opportunistic: there is no heartbeat,
// so a crashed tab leaves a stale row until some remaining client observes a
// deletion and recounts.
type Cleaner struct {
	store core.Store
}

func NewCleaner(store core.Store) *Cleaner {
	return &Cleaner{store: store}
}

// OnDeparture runs after a participant row was removed. departed is the role
// the leaving user held.
func (c *Cleaner) OnDeparture(ctx context.Context, roomID string, departed domain.Role) error {
	if departed == domain.RoleHost {
		log.Info().Str("module", "presence.cleaner").Str("room", roomID).Msg("host left, deleting room")
		return c.teardown(ctx, roomID)
	}
	return c.CheckEmpty(ctx, roomID)
}

// CheckEmpty recounts the room's participant rows and tears the room down
// when none remain. Also invoked when a client observes a DELETE event for
// another participant.
func (c *Cleaner) CheckEmpty(ctx context.Context, roomID string) error {
	remaining, err := c.store.Select(ctx, core.TableParticipants, core.Filter{"room_id": roomID})
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	log.Info().Str("module", "presence.cleaner").Str("room", roomID).Msg("room empty, deleting")
	return c.teardown(ctx, roomID)
}

// teardown deletes children before the parent; no referential cascade is
// assumed in the store.
func (c *Cleaner) teardown(ctx context.Context, roomID string) error {
	if err := c.store.Delete(ctx, core.TableParticipants, core.Filter{"room_id": roomID}); err != nil {
		return err
	}
	if err := c.store.Delete(ctx, core.TableChatMessages, core.Filter{"room_id": roomID}); err != nil {
		return err
	}
	return c.store.Delete(ctx, core.TableRooms, core.Filter{"id": roomID})
}
