package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speakers-live/speakers-server/internal/core"
	"github.com/speakers-live/speakers-server/internal/store/memory"
)

type fakeProvider struct {
	questions []string
	err       error
	calls     int
}

func (f *fakeProvider) GenerateQuestions(ctx context.Context, count int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.questions, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type flakyStore struct {
	core.Store
	failures int
	selects  int
}

func (f *flakyStore) Select(ctx context.Context, table core.Table, filter core.Filter, opts ...core.SelectOption) ([]core.Row, error) {
	f.selects++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	return f.Store.Select(ctx, table, filter, opts...)
}

func TestRefreshRetriesTransientReadFailures(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 2}
	svc := NewService(store, nil)
	svc.now = fixedClock(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	items, err := svc.Today(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, len(DefaultQuestions))
	assert.GreaterOrEqual(t, store.selects, 3, "first two reads failed and were retried")
}

func TestRefreshGivesUpAfterRetries(t *testing.T) {
	store := &flakyStore{Store: memory.New(), failures: 10}
	svc := NewService(store, nil)
	svc.now = fixedClock(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	err := svc.Refresh(context.Background())
	assert.Error(t, err)
}

func TestRefreshIsIdempotentPerDay(t *testing.T) {
	store := memory.New()
	provider := &fakeProvider{questions: []string{"q1", "q2"}}
	svc := NewService(store, provider)
	day := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	svc.now = fixedClock(day)
	ctx := context.Background()

	require.NoError(t, svc.Refresh(ctx))
	require.NoError(t, svc.Refresh(ctx))
	assert.Equal(t, 1, provider.calls, "same-day refresh must not regenerate")

	rows, err := store.Select(ctx, core.TableFeedItems, core.Filter{"day": "2026-08-28"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// The next day gets its own set.
	svc.now = fixedClock(day.Add(24 * time.Hour))
	require.NoError(t, svc.Refresh(ctx))
	assert.Equal(t, 2, provider.calls)

	rows, err = store.Select(ctx, core.TableFeedItems, core.Filter{"day": "2026-08-29"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRefreshFallsBackToDefaults(t *testing.T) {
	store := memory.New()
	provider := &fakeProvider{err: errors.New("upstream down")}
	svc := NewService(store, provider)
	svc.now = fixedClock(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	require.NoError(t, svc.Refresh(ctx))

	items, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Len(t, items, len(DefaultQuestions))
	assert.Equal(t, DefaultQuestions[0], items[0].Question)
}

func TestRefreshWithoutProviderUsesDefaults(t *testing.T) {
	store := memory.New()
	svc := NewService(store, nil)
	svc.now = fixedClock(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	items, err := svc.Today(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, len(DefaultQuestions))
}

func TestTodayReturnsPositionOrder(t *testing.T) {
	store := memory.New()
	provider := &fakeProvider{questions: []string{"first", "second", "third"}}
	svc := NewService(store, provider)
	svc.now = fixedClock(time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC))

	items, err := svc.Today(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, i, item.Position)
		assert.Equal(t, "2026-08-28", item.Day)
	}
	assert.Equal(t, "first", items[0].Question)
	assert.Equal(t, "third", items[2].Question)
}

func TestNextRun(t *testing.T) {
	morning := time.Date(2026, 8, 28, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC), nextRun(morning, 9),
		"before the hour runs today")

	evening := time.Date(2026, 8, 28, 21, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC), nextRun(evening, 9),
		"after the hour runs tomorrow")

	exact := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC), nextRun(exact, 9),
		"on the hour schedules the next day")
}
