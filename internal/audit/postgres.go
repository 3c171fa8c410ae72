package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const mutationsSchema = `CREATE TABLE IF NOT EXISTS mrbac_mutations (
	id UUID PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	actor TEXT NOT NULL,
	kind TEXT NOT NULL,
	target_group VARCHAR(128) NOT NULL,
	before_modules TEXT[] NOT NULL DEFAULT '{}',
	after_modules TEXT[] NOT NULL DEFAULT '{}'
)`

// PostgresLog stores mutation entries in the mrbac_mutations table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog returns a new PostgresLog.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// EnsureSchema creates the backing table when missing.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, mutationsSchema); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

// Append persists the entry.
func (l *PostgresLog) Append(ctx context.Context, entry Entry) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: postgres log not initialised")
	}
	if entry.Kind == "" || entry.Group == "" {
		return errors.New("audit: entry requires kind and target group")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	var at *time.Time
	if !entry.At.IsZero() {
		at = &entry.At
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO mrbac_mutations (id, occurred_at, actor, kind, target_group, before_modules, after_modules)
VALUES ($1, COALESCE($2, NOW()), $3, $4, $5, $6, $7)`,
		entry.ID, at, entry.Actor, string(entry.Kind), entry.Group, nonNil(entry.Before), nonNil(entry.After))
	return err
}

// Entries returns matching entries newest first.
func (l *PostgresLog) Entries(ctx context.Context, filter Filter) ([]Entry, error) {
	if l == nil || l.pool == nil {
		return nil, errors.New("audit: postgres log not initialised")
	}
	var from, to *time.Time
	if !filter.From.IsZero() {
		from = &filter.From
	}
	if !filter.To.IsZero() {
		to = &filter.To
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := l.pool.Query(ctx, `SELECT id, occurred_at, actor, kind, target_group, before_modules, after_modules
FROM mrbac_mutations
WHERE ($1 = '' OR target_group = $1)
  AND ($2 = '' OR kind = $2)
  AND ($3 = '' OR actor = $3)
  AND ($4::timestamptz IS NULL OR occurred_at >= $4)
  AND ($5::timestamptz IS NULL OR occurred_at <= $5)
ORDER BY occurred_at DESC, id DESC
LIMIT $6 OFFSET $7`,
		filter.Group, string(filter.Kind), filter.Actor, from, to, limit, max(filter.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
		)
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &kind, &e.Group, &e.Before, &e.After); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
