// Package presence keeps a user's room session across page reloads and owns
// the room cleanup policy.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/speakers-live/speakers-server/internal/domain"
)

// Record is the saved session for one room: enough to rejoin without
// re-prompting for a name. The stored role is only a hint; the authoritative
// role always comes from the re-fetched participant row.
type Record struct {
	Username  string      `json:"username"`
	UserID    string      `json:"userId"`
	Role      domain.Role `json:"role"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionStore persists one Record per room id.
type SessionStore interface {
	Load(ctx context.Context, roomID string) (Record, bool, error)
	Save(ctx context.Context, roomID string, rec Record) error
	Clear(ctx context.Context, roomID string) error
}

// Scoped namespaces a SessionStore by client token so records from
// different browsers never collide, the way localStorage is per-browser.
func Scoped(inner SessionStore, scope string) SessionStore {
	return scopedStore{inner: inner, scope: scope}
}

type scopedStore struct {
	inner SessionStore
	scope string
}

func (s scopedStore) Load(ctx context.Context, roomID string) (Record, bool, error) {
	return s.inner.Load(ctx, s.scope+"/"+roomID)
}

func (s scopedStore) Save(ctx context.Context, roomID string, rec Record) error {
	return s.inner.Save(ctx, s.scope+"/"+roomID, rec)
}

func (s scopedStore) Clear(ctx context.Context, roomID string) error {
	return s.inner.Clear(ctx, s.scope+"/"+roomID)
}

// MemoryStore keeps records in-process; the default when no Redis is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(ctx context.Context, roomID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[roomID]
	return rec, ok, nil
}

func (s *MemoryStore) Save(ctx context.Context, roomID string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[roomID] = rec
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, roomID)
	return nil
}
