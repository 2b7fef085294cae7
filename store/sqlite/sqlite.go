// Package sqlite provides a SQLite-backed Store for usagemeter, for
// single-node deployments that want durability without a database server.
// The schema is managed by embedded migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ineyio/usagemeter"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed usagemeter.Store.
type Store struct {
	db *sqlx.DB
}

var (
	_ usagemeter.Store         = (*Store)(nil)
	_ usagemeter.SessionLister = (*Store)(nil)
)

// Open opens the database at dsn and runs migrations. ":memory:" gives a
// private in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("usagemeter/sqlite: open: %w", err)
	}
	// SQLite serializes writers anyway, and an in-memory database exists
	// only on the connection that created it.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("usagemeter/sqlite: ping: %w", err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("usagemeter/sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type snapshotRow struct {
	UserID       string `db:"user_id"`
	PeriodStart  string `db:"period_start"`
	PeriodEnd    string `db:"period_end"`
	Plan         string `db:"plan"`
	MinutesUsed  int64  `db:"minutes_used"`
	MinutesLimit int64  `db:"minutes_limit"`
	SyncedAt     string `db:"synced_at"`
	Version      int64  `db:"version"`
	Archived     bool   `db:"archived"`
}

type sessionRow struct {
	ID          string  `db:"id"`
	UserID      string  `db:"user_id"`
	StartedAt   string  `db:"started_at"`
	EndedAt     *string `db:"ended_at"`
	MinutesUsed int64   `db:"minutes_used"`
	EndReason   *string `db:"end_reason"`
	Context     string  `db:"context"`
}

// SaveSnapshot upserts a period snapshot unless the stored row has a higher
// version.
func (s *Store) SaveSnapshot(ctx context.Context, snap usagemeter.PeriodSnapshot) error {
	row := snapshotRow{
		UserID:       snap.UserID,
		PeriodStart:  snap.PeriodStart,
		PeriodEnd:    snap.PeriodEnd,
		Plan:         string(snap.Plan),
		MinutesUsed:  snap.MinutesUsed,
		MinutesLimit: snap.MinutesLimit,
		SyncedAt:     formatTime(snap.SyncedAt),
		Version:      snap.Version,
		Archived:     snap.Archived,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO period_snapshots
			(user_id, period_start, period_end, plan, minutes_used, minutes_limit, synced_at, version, archived)
		VALUES
			(:user_id, :period_start, :period_end, :plan, :minutes_used, :minutes_limit, :synced_at, :version, :archived)
		ON CONFLICT (user_id, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			plan = excluded.plan,
			minutes_used = excluded.minutes_used,
			minutes_limit = excluded.minutes_limit,
			synced_at = excluded.synced_at,
			version = excluded.version,
			archived = excluded.archived
		WHERE period_snapshots.version <= excluded.version`, row)
	if err != nil {
		return fmt.Errorf("usagemeter/sqlite: save snapshot: %w", err)
	}
	return nil
}

// SaveSession inserts or updates a session record. A start-only write never
// clears an end that is already stored.
func (s *Store) SaveSession(ctx context.Context, rec usagemeter.SessionRecord) error {
	sc, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("usagemeter/sqlite: encode session context: %w", err)
	}
	row := sessionRow{
		ID:          rec.ID,
		UserID:      rec.UserID,
		StartedAt:   formatTime(rec.StartedAt),
		MinutesUsed: rec.MinutesUsed,
		Context:     string(sc),
	}
	if rec.EndedAt != nil {
		ended := formatTime(*rec.EndedAt)
		row.EndedAt = &ended
	}
	if rec.EndReason != "" {
		reason := string(rec.EndReason)
		row.EndReason = &reason
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, user_id, started_at, ended_at, minutes_used, end_reason, context)
		VALUES (:id, :user_id, :started_at, :ended_at, :minutes_used, :end_reason, :context)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = COALESCE(excluded.ended_at, sessions.ended_at),
			minutes_used = CASE WHEN excluded.ended_at IS NULL THEN sessions.minutes_used ELSE excluded.minutes_used END,
			end_reason = COALESCE(excluded.end_reason, sessions.end_reason),
			context = excluded.context`, row)
	if err != nil {
		return fmt.Errorf("usagemeter/sqlite: save session: %w", err)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot with the latest period start.
func (s *Store) LoadSnapshot(ctx context.Context, userID string) (usagemeter.PeriodSnapshot, bool, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, period_start, period_end, plan, minutes_used, minutes_limit, synced_at, version, archived
		FROM period_snapshots WHERE user_id = ? ORDER BY period_start DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return usagemeter.PeriodSnapshot{}, false, nil
	}
	if err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/sqlite: load snapshot: %w", err)
	}

	synced, err := parseTime(row.SyncedAt)
	if err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/sqlite: load snapshot: %w", err)
	}
	return usagemeter.PeriodSnapshot{
		UserID:       row.UserID,
		PeriodStart:  row.PeriodStart,
		PeriodEnd:    row.PeriodEnd,
		Plan:         usagemeter.PlanID(row.Plan),
		MinutesUsed:  row.MinutesUsed,
		MinutesLimit: row.MinutesLimit,
		SyncedAt:     synced,
		Version:      row.Version,
		Archived:     row.Archived,
	}, true, nil
}

// LoadSession returns a stored session record.
func (s *Store) LoadSession(ctx context.Context, id string) (usagemeter.SessionRecord, bool, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, started_at, ended_at, minutes_used, end_reason, context
		FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return usagemeter.SessionRecord{}, false, nil
	}
	if err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/sqlite: load session: %w", err)
	}
	rec, err := row.record()
	if err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/sqlite: load session: %w", err)
	}
	return rec, true, nil
}

// ListSessions returns a user's session records, most recent first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]usagemeter.SessionRecord, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, user_id, started_at, ended_at, minutes_used, end_reason, context
		FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("usagemeter/sqlite: list sessions: %w", err)
	}

	out := make([]usagemeter.SessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("usagemeter/sqlite: list sessions: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r sessionRow) record() (usagemeter.SessionRecord, error) {
	started, err := parseTime(r.StartedAt)
	if err != nil {
		return usagemeter.SessionRecord{}, err
	}
	rec := usagemeter.SessionRecord{
		ID:          r.ID,
		UserID:      r.UserID,
		StartedAt:   started,
		MinutesUsed: r.MinutesUsed,
	}
	if r.EndedAt != nil {
		ended, err := parseTime(*r.EndedAt)
		if err != nil {
			return usagemeter.SessionRecord{}, err
		}
		rec.EndedAt = &ended
	}
	if r.EndReason != nil {
		rec.EndReason = usagemeter.EndReason(*r.EndReason)
	}
	if err := json.Unmarshal([]byte(r.Context), &rec.Context); err != nil {
		return usagemeter.SessionRecord{}, fmt.Errorf("decode session context: %w", err)
	}
	return rec, nil
}

// Timestamps are stored as fixed-width UTC text so they sort correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
