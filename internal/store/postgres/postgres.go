// Package postgres implements the store capability on PostgreSQL via pgx.
// Mutations self-publish change events with pg_notify so every connected
// process observes the same change feed; subscriptions LISTEN on a
// dedicated connection.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/speakers-live/speakers-server/internal/core"
)

const notifyChannel = "speakers_changes"

type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a pgx pool for the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 8
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Insert(ctx context.Context, table core.Table, row core.Row) (core.Row, error) {
	stored := make(core.Row, len(row)+1)
	for k, v := range row {
		stored[k] = v
	}
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.NewString()
	}

	columns := sortedKeys(stored)
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = stored[c]
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(string(table)), joinIdents(columns), strings.Join(placeholders, ", "),
	)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("postgres: insert %s: %w", table, err)
	}

	s.notify(ctx, core.Event{Type: core.EventInsert, Table: table, New: stored})
	return stored, nil
}

func (s *Store) Update(ctx context.Context, table core.Table, filter core.Filter, patch core.Row) (int64, error) {
	old, err := s.Select(ctx, table, filter)
	if err != nil {
		return 0, err
	}

	setCols := sortedKeys(patch)
	sets := make([]string, len(setCols))
	args := make([]any, 0, len(setCols)+len(filter))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(c), i+1)
		args = append(args, patch[c])
	}
	where, args := whereClause(filter, args)
	query := fmt.Sprintf("UPDATE %s SET %s%s", quoteIdent(string(table)), strings.Join(sets, ", "), where)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: update %s: %w", table, err)
	}

	for _, row := range old {
		updated := make(core.Row, len(row))
		for k, v := range row {
			updated[k] = v
		}
		for k, v := range patch {
			updated[k] = v
		}
		s.notify(ctx, core.Event{Type: core.EventUpdate, Table: table, Old: row, New: updated})
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Delete(ctx context.Context, table core.Table, filter core.Filter) error {
	old, err := s.Select(ctx, table, filter)
	if err != nil {
		return err
	}

	where, args := whereClause(filter, nil)
	query := fmt.Sprintf("DELETE FROM %s%s", quoteIdent(string(table)), where)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", table, err)
	}

	for _, row := range old {
		s.notify(ctx, core.Event{Type: core.EventDelete, Table: table, Old: row})
	}
	return nil
}

func (s *Store) Select(ctx context.Context, table core.Table, filter core.Filter, opts ...core.SelectOption) ([]core.Row, error) {
	var options core.SelectOptions
	for _, opt := range opts {
		opt(&options)
	}

	where, args := whereClause(filter, nil)
	query := fmt.Sprintf("SELECT * FROM %s%s", quoteIdent(string(table)), where)
	if options.OrderBy != "" {
		direction := "DESC"
		if options.Ascending {
			direction = "ASC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", quoteIdent(options.OrderBy), direction)
	}
	if options.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", options.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: select %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []core.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("postgres: scan %s: %w", table, err)
		}
		row := make(core.Row, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: select %s: %w", table, err)
	}
	return out, nil
}

// notify publishes the event on the shared channel. A lost notification is
// tolerable: consumers re-read full state on the next event.
func (s *Store) notify(ctx context.Context, ev core.Event) {
	payload, err := json.Marshal(wireEvent{
		Type:  ev.Type.String(),
		Table: string(ev.Table),
		Old:   ev.Old,
		New:   ev.New,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "store.postgres").Msg("marshal notify payload")
		return
	}
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		log.Error().Err(err).Str("module", "store.postgres").Msg("pg_notify")
	}
}

func whereClause(filter core.Filter, args []any) (string, []any) {
	if len(filter) == 0 {
		return "", args
	}
	conds := make([]string, 0, len(filter))
	for _, c := range sortedKeys(filter) {
		v := filter[c]
		if v == nil {
			conds = append(conds, fmt.Sprintf("%s IS NULL", quoteIdent(c)))
			continue
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(c), len(args)))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
