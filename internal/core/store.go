// Package core declares the capability contracts the engine consumes: the
// persistent store with its change feed, the media session, and user-facing
// notifications. Implementations live in adapters; core never touches
// transport resources.
package core

import "context"

type Table string

const (
	TableRooms        Table = "rooms"
	TableParticipants Table = "room_participants"
	TableChatMessages Table = "chat_messages"
	TableDonations    Table = "donations"
	TableSponsorships Table = "sponsorships"
	TableFeedItems    Table = "feed_items"
)

// Row is a stored record. Values are plain Go scalars, time.Time, or nil.
type Row = map[string]any

// Filter matches rows whose columns equal every filter value.
type Filter = map[string]any

type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one change-feed notification. Old is set for updates and deletes,
// New for inserts and updates. Delivery is at-least-once and unordered;
// consumers must re-read full state rather than apply deltas.
type Event struct {
	Type  EventType
	Table Table
	Old   Row
	New   Row
}

// Subscription is a live change feed for one table+filter. Close is
// idempotent and closes the Events channel.
type Subscription interface {
	Events() <-chan Event
	Close()
}

type SelectOptions struct {
	OrderBy   string
	Ascending bool
	Limit     int
}

type SelectOption func(*SelectOptions)

func OrderBy(column string, ascending bool) SelectOption {
	return func(o *SelectOptions) {
		o.OrderBy = column
		o.Ascending = ascending
	}
}

func Limit(n int) SelectOption {
	return func(o *SelectOptions) { o.Limit = n }
}

// Store is the generic persistent-store capability. Update returns the
// number of rows that matched the filter, which makes conditional updates
// (filter on the expected pre-state) expressible without transactions.
type Store interface {
	Insert(ctx context.Context, table Table, row Row) (Row, error)
	Update(ctx context.Context, table Table, filter Filter, patch Row) (int64, error)
	Delete(ctx context.Context, table Table, filter Filter) error
	Select(ctx context.Context, table Table, filter Filter, opts ...SelectOption) ([]Row, error)
	Subscribe(ctx context.Context, table Table, filter Filter) (Subscription, error)
}
