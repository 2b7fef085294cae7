// Package postgres provides a PostgreSQL-backed Store for usagemeter.
//
// Period snapshots and session records live in two tables. Snapshot writes
// are last-write-wins on version, so replayed or reordered writes from an
// actor's async queue never move a row backwards.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/usagemeter"
)

// Store is a PostgreSQL-backed usagemeter.Store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ usagemeter.Store         = (*Store)(nil)
	_ usagemeter.SchemaEnsurer = (*Store)(nil)
	_ usagemeter.SessionLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "usagemeter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "usagemeter_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) snapshotsTable() string { return s.tablePrefix + "period_snapshots" }
func (s *Store) sessionsTable() string  { return s.tablePrefix + "sessions" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			user_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			plan TEXT NOT NULL,
			minutes_used BIGINT NOT NULL DEFAULT 0,
			minutes_limit BIGINT NOT NULL,
			synced_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (user_id, period_start)
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			minutes_used BIGINT NOT NULL DEFAULT 0,
			end_reason TEXT,
			context JSONB NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS %[2]s_user_idx ON %[2]s (user_id, started_at);
	`, s.snapshotsTable(), s.sessionsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("usagemeter/postgres: ensure schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts a period snapshot unless the stored row has a higher
// version.
func (s *Store) SaveSnapshot(ctx context.Context, snap usagemeter.PeriodSnapshot) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS t
			(user_id, period_start, period_end, plan, minutes_used, minutes_limit, synced_at, version, archived)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (user_id, period_start) DO UPDATE SET
				period_end = EXCLUDED.period_end,
				plan = EXCLUDED.plan,
				minutes_used = EXCLUDED.minutes_used,
				minutes_limit = EXCLUDED.minutes_limit,
				synced_at = EXCLUDED.synced_at,
				version = EXCLUDED.version,
				archived = EXCLUDED.archived
			WHERE t.version <= EXCLUDED.version`, s.snapshotsTable()),
		snap.UserID, snap.PeriodStart, snap.PeriodEnd, string(snap.Plan),
		snap.MinutesUsed, snap.MinutesLimit, snap.SyncedAt.UTC(), snap.Version, snap.Archived,
	)
	if err != nil {
		return fmt.Errorf("usagemeter/postgres: save snapshot: %w", err)
	}
	return nil
}

// SaveSession inserts or updates a session record. A start-only write never
// clears an end that is already stored.
func (s *Store) SaveSession(ctx context.Context, rec usagemeter.SessionRecord) error {
	sc, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("usagemeter/postgres: encode session context: %w", err)
	}

	var reason *string
	if rec.EndReason != "" {
		r := string(rec.EndReason)
		reason = &r
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s AS t
			(id, user_id, started_at, ended_at, minutes_used, end_reason, context)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				ended_at = COALESCE(EXCLUDED.ended_at, t.ended_at),
				minutes_used = CASE WHEN EXCLUDED.ended_at IS NULL THEN t.minutes_used ELSE EXCLUDED.minutes_used END,
				end_reason = COALESCE(EXCLUDED.end_reason, t.end_reason),
				context = EXCLUDED.context`, s.sessionsTable()),
		rec.ID, rec.UserID, rec.StartedAt.UTC(), utcPtr(rec.EndedAt), rec.MinutesUsed, reason, sc,
	)
	if err != nil {
		return fmt.Errorf("usagemeter/postgres: save session: %w", err)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot with the latest period start.
func (s *Store) LoadSnapshot(ctx context.Context, userID string) (usagemeter.PeriodSnapshot, bool, error) {
	var (
		snap usagemeter.PeriodSnapshot
		plan string
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT user_id, period_start, period_end, plan, minutes_used, minutes_limit, synced_at, version, archived
			FROM %s WHERE user_id = $1 ORDER BY period_start DESC LIMIT 1`, s.snapshotsTable()),
		userID,
	).Scan(&snap.UserID, &snap.PeriodStart, &snap.PeriodEnd, &plan,
		&snap.MinutesUsed, &snap.MinutesLimit, &snap.SyncedAt, &snap.Version, &snap.Archived)

	if errors.Is(err, pgx.ErrNoRows) {
		return usagemeter.PeriodSnapshot{}, false, nil
	}
	if err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/postgres: load snapshot: %w", err)
	}
	snap.Plan = usagemeter.PlanID(plan)
	return snap, true, nil
}

// LoadSession returns a stored session record.
func (s *Store) LoadSession(ctx context.Context, id string) (usagemeter.SessionRecord, bool, error) {
	var (
		rec    usagemeter.SessionRecord
		reason *string
		sc     []byte
	)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, user_id, started_at, ended_at, minutes_used, end_reason, context
			FROM %s WHERE id = $1`, s.sessionsTable()),
		id,
	).Scan(&rec.ID, &rec.UserID, &rec.StartedAt, &rec.EndedAt, &rec.MinutesUsed, &reason, &sc)

	if errors.Is(err, pgx.ErrNoRows) {
		return usagemeter.SessionRecord{}, false, nil
	}
	if err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/postgres: load session: %w", err)
	}
	if reason != nil {
		rec.EndReason = usagemeter.EndReason(*reason)
	}
	if err := json.Unmarshal(sc, &rec.Context); err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/postgres: decode session context: %w", err)
	}
	return rec, true, nil
}

// ListSessions returns a user's session records, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]usagemeter.SessionRecord, error) {
	// LIMIT NULL returns every row.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, user_id, started_at, ended_at, minutes_used, end_reason, context
			FROM %s WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`, s.sessionsTable()),
		userID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("usagemeter/postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []usagemeter.SessionRecord
	for rows.Next() {
		var (
			rec    usagemeter.SessionRecord
			reason *string
			sc     []byte
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.StartedAt, &rec.EndedAt, &rec.MinutesUsed, &reason, &sc); err != nil {
			return nil, fmt.Errorf("usagemeter/postgres: list sessions: %w", err)
		}
		if reason != nil {
			rec.EndReason = usagemeter.EndReason(*reason)
		}
		if err := json.Unmarshal(sc, &rec.Context); err != nil {
			return nil, fmt.Errorf("usagemeter/postgres: decode session context: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usagemeter/postgres: list sessions: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
