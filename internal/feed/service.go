package feed

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
)

// DefaultQuestions populate the feed when the provider fails or is not
// configured.
var DefaultQuestions = []string{
	"Should religious beliefs influence public policy?",
	"Islam vs Christianity: which worldview better explains suffering?",
	"Is universal healthcare a right or a privilege?",
	"Can religious texts be reinterpreted for modern times?",
	"Should social media platforms censor controversial opinions?",
}

const (
	questionsPerDay = 5

	readAttempts = 3
	readBackoff  = 200 * time.Millisecond
)

// Item is one feed entry for one day.
type Item struct {
	ID       string    `json:"id"`
	Day      string    `json:"day"`
	Question string    `json:"question"`
	Position int       `json:"position"`
	Created  time.Time `json:"createdAt"`
}

// Service refreshes the feed once per day and serves the current set.
type Service struct {
	store    core.Store
	provider ContentProvider
	now      func() time.Time
}

func NewService(store core.Store, provider ContentProvider) *Service {
	return &Service{store: store, provider: provider, now: time.Now}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// selectWithRetry rereads through transient store failures with a short
// linear backoff; the feed read path must survive a store blip around the
// daily rollover.
func (s *Service) selectWithRetry(ctx context.Context, filter core.Filter, opts ...core.SelectOption) ([]core.Row, error) {
	var lastErr error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * readBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		rows, err := s.store.Select(ctx, core.TableFeedItems, filter, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		return rows, nil
	}
	return nil, lastErr
}

// Refresh generates today's questions if they do not exist yet. Running it
// twice on the same day is a no-op, so a restart never duplicates a feed.
func (s *Service) Refresh(ctx context.Context) error {
	day := dayKey(s.now())
	existing, err := s.selectWithRetry(ctx, core.Filter{"day": day})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	questions := s.generate(ctx)
	created := s.now().UTC()
	for i, q := range questions {
		_, err := s.store.Insert(ctx, core.TableFeedItems, core.Row{
			"id":         uuid.NewString(),
			"day":        day,
			"question":   q,
			"position":   i,
			"created_at": created,
		})
		if err != nil {
			return err
		}
	}
	log.Info().Str("module", "feed").Str("day", day).Int("count", len(questions)).Msg("feed refreshed")
	return nil
}

func (s *Service) generate(ctx context.Context) []string {
	if s.provider == nil {
		return DefaultQuestions
	}
	questions, err := s.provider.GenerateQuestions(ctx, questionsPerDay)
	if err != nil {
		log.Warn().Err(err).Str("module", "feed").Msg("provider failed, using default questions")
		return DefaultQuestions
	}
	return questions
}

// Today returns the current day's items in position order, refreshing
// first if the day has no feed yet.
func (s *Service) Today(ctx context.Context) ([]Item, error) {
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	rows, err := s.selectWithRetry(ctx,
		core.Filter{"day": dayKey(s.now())}, core.OrderBy("position", true))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, itemFromRow(row))
	}
	return items, nil
}

// RunDaily refreshes immediately and then at the configured hour (UTC)
// every day until the context ends.
func (s *Service) RunDaily(ctx context.Context, hour int) {
	if err := s.Refresh(ctx); err != nil {
		log.Error().Err(err).Str("module", "feed").Msg("initial feed refresh failed")
	}
	for {
		next := nextRun(s.now().UTC(), hour)
		timer := time.NewTimer(next.Sub(s.now().UTC()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.Refresh(ctx); err != nil {
				log.Error().Err(err).Str("module", "feed").Msg("scheduled feed refresh failed")
			}
		}
	}
}

func nextRun(now time.Time, hour int) time.Time {
	run := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !run.After(now) {
		run = run.Add(24 * time.Hour)
	}
	return run
}

func itemFromRow(row core.Row) Item {
	item := Item{
		ID:       str(row["id"]),
		Day:      str(row["day"]),
		Question: str(row["question"]),
	}
	switch n := row["position"].(type) {
	case int:
		item.Position = n
	case int64:
		item.Position = int(n)
	case float64:
		item.Position = int(n)
	}
	switch t := row["created_at"].(type) {
	case time.Time:
		item.Created = t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			item.Created = parsed
		}
	}
	return item
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
