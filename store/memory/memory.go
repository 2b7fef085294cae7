// Package memory provides an in-memory Store for usagemeter.
//
// It is the default backend for tests and single-process deployments that
// can afford to lose usage history on restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ineyio/usagemeter"
)

// Store is an in-memory usagemeter.Store.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]map[string]usagemeter.PeriodSnapshot // user -> period start
	sessions  map[string]usagemeter.SessionRecord
	failWith  error
	loadErr   error
	writes    int
}

var (
	_ usagemeter.Store         = (*Store)(nil)
	_ usagemeter.SessionLister = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		snapshots: make(map[string]map[string]usagemeter.PeriodSnapshot),
		sessions:  make(map[string]usagemeter.SessionRecord),
	}
}

// SaveSnapshot upserts snap unless a newer version is already stored.
func (s *Store) SaveSnapshot(_ context.Context, snap usagemeter.PeriodSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.writes++

	periods, ok := s.snapshots[snap.UserID]
	if !ok {
		periods = make(map[string]usagemeter.PeriodSnapshot)
		s.snapshots[snap.UserID] = periods
	}
	if cur, ok := periods[snap.PeriodStart]; ok && cur.Version > snap.Version {
		return nil
	}
	periods[snap.PeriodStart] = snap
	return nil
}

// SaveSession upserts rec. A stored end is kept when rec has none.
func (s *Store) SaveSession(_ context.Context, rec usagemeter.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.writes++

	if cur, ok := s.sessions[rec.ID]; ok && cur.EndedAt != nil && rec.EndedAt == nil {
		return nil
	}
	s.sessions[rec.ID] = rec
	return nil
}

// LoadSnapshot returns the user's snapshot with the latest period start.
func (s *Store) LoadSnapshot(_ context.Context, userID string) (usagemeter.PeriodSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.loadErr != nil {
		return usagemeter.PeriodSnapshot{}, false, s.loadErr
	}

	var (
		latest usagemeter.PeriodSnapshot
		found  bool
	)
	for start, snap := range s.snapshots[userID] {
		if !found || start > latest.PeriodStart {
			latest, found = snap, true
		}
	}
	return latest, found, nil
}

// SetFailure makes every subsequent write return err. Pass nil to recover.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// SetLoadFailure makes every subsequent LoadSnapshot return err.
func (s *Store) SetLoadFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

// Snapshot returns the stored snapshot for one period.
func (s *Store) Snapshot(userID, periodStart string) (usagemeter.PeriodSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[userID][periodStart]
	return snap, ok
}

// Snapshots returns all stored snapshots of a user, oldest period first.
func (s *Store) Snapshots(userID string) []usagemeter.PeriodSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]usagemeter.PeriodSnapshot, 0, len(s.snapshots[userID]))
	for _, snap := range s.snapshots[userID] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart < out[j].PeriodStart })
	return out
}

// LoadSession returns the stored record for a session id.
func (s *Store) LoadSession(_ context.Context, id string) (usagemeter.SessionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	return rec, ok, nil
}

// ListSessions returns up to limit session records of a user, most recent
// first. A non-positive limit returns all of them.
func (s *Store) ListSessions(_ context.Context, userID string, limit int) ([]usagemeter.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []usagemeter.SessionRecord
	for _, rec := range s.sessions {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Writes returns the number of accepted write calls, including ignored
// stale versions.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
