package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
)

const subscriptionBuffer = 64

type wireEvent struct {
	Type  string   `json:"type"`
	Table string   `json:"table"`
	Old   core.Row `json:"old,omitempty"`
	New   core.Row `json:"new,omitempty"`
}

type subscription struct {
	events chan core.Event
	cancel context.CancelFunc
	once   sync.Once
}

func (s *subscription) Events() <-chan core.Event { return s.events }

func (s *subscription) Close() {
	s.once.Do(s.cancel)
}

// Subscribe LISTENs on a dedicated pooled connection and filters the shared
// channel down to the requested table+filter.
func (s *Store) Subscribe(ctx context.Context, table core.Table, filter core.Filter) (core.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		cancel()
		return nil, err
	}

	sub := &subscription{
		events: make(chan core.Event, subscriptionBuffer),
		cancel: cancel,
	}

	go func() {
		defer func() {
			conn.Release()
			close(sub.events)
		}()
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("module", "store.postgres").Msg("wait for notification")
				}
				return
			}
			ev, ok := decodeEvent(notification.Payload)
			if !ok || ev.Table != table {
				continue
			}
			if !eventMatches(ev, filter) {
				continue
			}
			select {
			case sub.events <- ev:
			default:
				log.Warn().Str("module", "store.postgres").Str("table", string(table)).Msg("subscription buffer full, dropping event")
			}
		}
	}()

	return sub, nil
}

func decodeEvent(payload string) (core.Event, bool) {
	var wire wireEvent
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		log.Error().Err(err).Str("module", "store.postgres").Msg("decode notify payload")
		return core.Event{}, false
	}
	ev := core.Event{Table: core.Table(wire.Table), Old: wire.Old, New: wire.New}
	switch wire.Type {
	case "INSERT":
		ev.Type = core.EventInsert
	case "UPDATE":
		ev.Type = core.EventUpdate
	case "DELETE":
		ev.Type = core.EventDelete
	default:
		return core.Event{}, false
	}
	return ev, true
}

func eventMatches(ev core.Event, filter core.Filter) bool {
	if ev.New != nil && rowMatches(ev.New, filter) {
		return true
	}
	return ev.Old != nil && rowMatches(ev.Old, filter)
}

// rowMatches compares against JSON-decoded values, so numbers arrive as
// float64 and timestamps as RFC 3339 strings.
func rowMatches(row core.Row, filter core.Filter) bool {
	for k, want := range filter {
		if !looseEqual(row[k], want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		if bs, ok := b.(string); ok {
			bt, err := time.Parse(time.RFC3339Nano, bs)
			return err == nil && at.Equal(bt)
		}
		return false
	}
	if _, ok := b.(time.Time); ok {
		return looseEqual(b, a)
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
