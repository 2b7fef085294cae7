// Package redis provides a Redis-backed Store for usagemeter.
//
// Snapshots and session records are stored in Redis hashes and written by
// Lua scripts, so the version check and the write happen atomically. A
// sorted set per user indexes the periods that have a snapshot, and another
// indexes the user's sessions by start time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/usagemeter"
)

// Store is a Redis-backed usagemeter.Store.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var (
	_ usagemeter.Store         = (*Store)(nil)
	_ usagemeter.SessionLister = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "usagemeter:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "usagemeter:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) snapshotKey(userID, periodStart string) string {
	return s.keyPrefix + "snap:" + userID + ":" + periodStart
}

func (s *Store) periodsKey(userID string) string {
	return s.keyPrefix + "periods:" + userID
}

func (s *Store) sessionKey(id string) string {
	return s.keyPrefix + "session:" + id
}

func (s *Store) userSessionsKey(userID string) string {
	return s.keyPrefix + "sessions:" + userID
}

// saveSnapshotScript upserts a snapshot hash unless the stored version is
// higher, and records the period in the user's index.
// KEYS[1] = snapshot hash key
// KEYS[2] = periods sorted set key
// ARGV[1] = version
// ARGV[2] = period index score (YYYYMMDD)
// ARGV[3] = period start
// ARGV[4..] = field/value pairs
//
// Returns 1 if written, 0 if ignored as stale.
var saveSnapshotScript = goredis.NewScript(`
local snap_key = KEYS[1]
local periods_key = KEYS[2]
local version = tonumber(ARGV[1])

local cur = redis.call('HGET', snap_key, 'version')
if cur and tonumber(cur) > version then
	return 0
end

for i = 4, #ARGV, 2 do
	redis.call('HSET', snap_key, ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', periods_key, tonumber(ARGV[2]), ARGV[3])
return 1
`)

// saveSessionScript upserts a session hash and indexes it in the user's
// session set. A start-only write (empty ended_at) against a record that has
// already ended is ignored.
// KEYS[1] = session hash key
// KEYS[2] = user sessions sorted set key
// ARGV[1] = ended_at ("" while running)
// ARGV[2] = start time in unix milliseconds
// ARGV[3] = session id
// ARGV[4..] = field/value pairs
//
// Returns 1 if written, 0 if ignored.
var saveSessionScript = goredis.NewScript(`
local key = KEYS[1]
local sessions_key = KEYS[2]
local ended_at = ARGV[1]

redis.call('ZADD', sessions_key, tonumber(ARGV[2]), ARGV[3])

if ended_at == '' then
	local cur = redis.call('HGET', key, 'ended_at')
	if cur and cur ~= '' then
		return 0
	end
end

for i = 4, #ARGV, 2 do
	redis.call('HSET', key, ARGV[i], ARGV[i + 1])
end
return 1
`)

// SaveSnapshot upserts a period snapshot unless a newer version is stored.
func (s *Store) SaveSnapshot(ctx context.Context, snap usagemeter.PeriodSnapshot) error {
	score, err := periodScore(snap.PeriodStart)
	if err != nil {
		return fmt.Errorf("usagemeter/redis: save snapshot: %w", err)
	}
	err = saveSnapshotScript.Run(ctx, s.client,
		[]string{s.snapshotKey(snap.UserID, snap.PeriodStart), s.periodsKey(snap.UserID)},
		snap.Version, score, snap.PeriodStart,
		"user_id", snap.UserID,
		"period_start", snap.PeriodStart,
		"period_end", snap.PeriodEnd,
		"plan", string(snap.Plan),
		"minutes_used", snap.MinutesUsed,
		"minutes_limit", snap.MinutesLimit,
		"synced_at", snap.SyncedAt.UTC().Format(time.RFC3339Nano),
		"version", snap.Version,
		"archived", boolString(snap.Archived),
	).Err()
	if err != nil {
		return fmt.Errorf("usagemeter/redis: save snapshot: %w", err)
	}
	return nil
}

// SaveSession inserts or updates a session record.
func (s *Store) SaveSession(ctx context.Context, rec usagemeter.SessionRecord) error {
	sc, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("usagemeter/redis: encode session context: %w", err)
	}
	endedAt := ""
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC().Format(time.RFC3339Nano)
	}

	args := []any{
		endedAt,
		rec.StartedAt.UnixMilli(),
		rec.ID,
		"user_id", rec.UserID,
		"started_at", rec.StartedAt.UTC().Format(time.RFC3339Nano),
		"context", string(sc),
	}
	if endedAt != "" {
		args = append(args,
			"ended_at", endedAt,
			"minutes_used", rec.MinutesUsed,
			"end_reason", string(rec.EndReason),
		)
	}

	err = saveSessionScript.Run(ctx, s.client,
		[]string{s.sessionKey(rec.ID), s.userSessionsKey(rec.UserID)},
		args...,
	).Err()
	if err != nil {
		return fmt.Errorf("usagemeter/redis: save session: %w", err)
	}
	return nil
}

// LoadSnapshot returns the user's snapshot with the latest period start.
func (s *Store) LoadSnapshot(ctx context.Context, userID string) (usagemeter.PeriodSnapshot, bool, error) {
	periods, err := s.client.ZRevRange(ctx, s.periodsKey(userID), 0, 0).Result()
	if err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/redis: load snapshot: %w", err)
	}
	if len(periods) == 0 {
		return usagemeter.PeriodSnapshot{}, false, nil
	}

	vals, err := s.client.HGetAll(ctx, s.snapshotKey(userID, periods[0])).Result()
	if err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/redis: load snapshot: %w", err)
	}
	if len(vals) == 0 {
		return usagemeter.PeriodSnapshot{}, false, nil
	}

	var p fieldParser
	snap := usagemeter.PeriodSnapshot{
		UserID:       vals["user_id"],
		PeriodStart:  vals["period_start"],
		PeriodEnd:    vals["period_end"],
		Plan:         usagemeter.PlanID(vals["plan"]),
		MinutesUsed:  p.intField(vals, "minutes_used"),
		MinutesLimit: p.intField(vals, "minutes_limit"),
		SyncedAt:     p.timeField(vals, "synced_at"),
		Version:      p.intField(vals, "version"),
		Archived:     vals["archived"] == "1",
	}
	if p.err != nil {
		return usagemeter.PeriodSnapshot{}, false, fmt.Errorf("usagemeter/redis: load snapshot: %w", p.err)
	}
	return snap, true, nil
}

// LoadSession returns a stored session record.
func (s *Store) LoadSession(ctx context.Context, id string) (usagemeter.SessionRecord, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/redis: load session: %w", err)
	}
	if len(vals) == 0 {
		return usagemeter.SessionRecord{}, false, nil
	}

	var p fieldParser
	rec := usagemeter.SessionRecord{
		ID:        id,
		UserID:    vals["user_id"],
		StartedAt: p.timeField(vals, "started_at"),
		EndReason: usagemeter.EndReason(vals["end_reason"]),
	}
	if vals["ended_at"] != "" {
		ended := p.timeField(vals, "ended_at")
		rec.EndedAt = &ended
		rec.MinutesUsed = p.intField(vals, "minutes_used")
	}
	if p.err == nil {
		p.err = json.Unmarshal([]byte(vals["context"]), &rec.Context)
	}
	if p.err != nil {
		return usagemeter.SessionRecord{}, false, fmt.Errorf("usagemeter/redis: load session: %w", p.err)
	}
	return rec, true, nil
}

// ListSessions returns a user's session records, most recent first. A
// non-positive limit returns all of them.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]usagemeter.SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.userSessionsKey(userID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("usagemeter/redis: list sessions: %w", err)
	}

	out := make([]usagemeter.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := s.LoadSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("usagemeter/redis: list sessions: %w", err)
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// fieldParser keeps the first parse error so hash fields can be decoded in
// one expression.
type fieldParser struct {
	err error
}

func (p *fieldParser) intField(vals map[string]string, field string) int64 {
	if p.err != nil {
		return 0
	}
	n, err := strconv.ParseInt(vals[field], 10, 64)
	if err != nil {
		p.err = fmt.Errorf("field %s: %w", field, err)
	}
	return n
}

func (p *fieldParser) timeField(vals map[string]string, field string) time.Time {
	if p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, vals[field])
	if err != nil {
		p.err = fmt.Errorf("field %s: %w", field, err)
	}
	return t
}

func periodScore(periodStart string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(periodStart, "-", ""), 10, 64)
	if err != nil || len(periodStart) != len("2006-01-02") {
		return 0, errors.New("invalid period start " + strconv.Quote(periodStart))
	}
	return n, nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
