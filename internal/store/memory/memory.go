// Package memory is an in-process implementation of the store capability.
// It backs tests and single-process deployments; the change feed fans
// mutations out to all matching subscriptions, which is enough to exercise
// the same convergence paths a hosted store drives.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
)

const subscriptionBuffer = 64

type Store struct {
	mu     sync.RWMutex
	tables map[core.Table][]core.Row
	subs   map[*subscription]struct{}
}

func New() *Store {
	return &Store{
		tables: make(map[core.Table][]core.Row),
		subs:   make(map[*subscription]struct{}),
	}
}

type subscription struct {
	store  *Store
	table  core.Table
	filter core.Filter
	events chan core.Event
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan core.Event { return s.events }

func (s *subscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}

// deliver sends without blocking; it holds the subscription mutex so a
// concurrent Close cannot close the channel mid-send.
func (s *subscription) deliver(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("module", "store.memory").Str("table", string(ev.Table)).Msg("subscription buffer full, dropping event")
	}
}

func (m *Store) Insert(ctx context.Context, table core.Table, row core.Row) (core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored := cloneRow(row)
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.NewString()
	}

	m.mu.Lock()
	m.tables[table] = append(m.tables[table], stored)
	m.mu.Unlock()

	m.publish(core.Event{Type: core.EventInsert, Table: table, New: cloneRow(stored)})
	return cloneRow(stored), nil
}

func (m *Store) Update(ctx context.Context, table core.Table, filter core.Filter, patch core.Row) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var events []core.Event

	m.mu.Lock()
	var affected int64
	for _, row := range m.tables[table] {
		if !matches(row, filter) {
			continue
		}
		old := cloneRow(row)
		for k, v := range patch {
			row[k] = v
		}
		affected++
		events = append(events, core.Event{
			Type:  core.EventUpdate,
			Table: table,
			Old:   old,
			New:   cloneRow(row),
		})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return affected, nil
}

func (m *Store) Delete(ctx context.Context, table core.Table, filter core.Filter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var events []core.Event

	m.mu.Lock()
	kept := m.tables[table][:0]
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			events = append(events, core.Event{Type: core.EventDelete, Table: table, Old: cloneRow(row)})
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return nil
}

func (m *Store) Select(ctx context.Context, table core.Table, filter core.Filter, opts ...core.SelectOption) ([]core.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var options core.SelectOptions
	for _, opt := range opts {
		opt(&options)
	}

	m.mu.RLock()
	var out []core.Row
	for _, row := range m.tables[table] {
		if matches(row, filter) {
			out = append(out, cloneRow(row))
		}
	}
	m.mu.RUnlock()

	if options.OrderBy != "" {
		column, ascending := options.OrderBy, options.Ascending
		sort.SliceStable(out, func(i, j int) bool {
			less := lessThan(out[i][column], out[j][column])
			if ascending {
				return less
			}
			return !less && !equal(out[i][column], out[j][column])
		})
	}
	if options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

func (m *Store) Subscribe(ctx context.Context, table core.Table, filter core.Filter) (core.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		store:  m,
		table:  table,
		filter: cloneRow(filter),
		events: make(chan core.Event, subscriptionBuffer),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// publish delivers to every matching subscription without blocking; a full
// buffer drops the event, which consumers tolerate because they re-read
// full state on every event anyway.
func (m *Store) publish(ev core.Event) {
	m.mu.RLock()
	targets := make([]*subscription, 0, len(m.subs))
	for sub := range m.subs {
		if sub.table != ev.Table {
			continue
		}
		if matchesEvent(ev, sub.filter) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

func matchesEvent(ev core.Event, filter core.Filter) bool {
	if ev.New != nil && matches(ev.New, filter) {
		return true
	}
	return ev.Old != nil && matches(ev.Old, filter)
}

func matches(row core.Row, filter core.Filter) bool {
	for k, want := range filter {
		if !equal(row[k], want) {
			return false
		}
	}
	return true
}
