// Package tee fans store writes out to a primary store and any number of
// mirrors. Reads are served by the primary alone.
package tee

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/ineyio/usagemeter"
)

// Store writes to every backing store and reports all failures together.
type Store struct {
	primary usagemeter.Store
	mirrors []usagemeter.Store
}

var _ usagemeter.Store = (*Store)(nil)

// New creates a tee over primary and mirrors.
func New(primary usagemeter.Store, mirrors ...usagemeter.Store) *Store {
	return &Store{primary: primary, mirrors: mirrors}
}

func (s *Store) each(fn func(usagemeter.Store) error) error {
	var errs *multierror.Error
	if err := fn(s.primary); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("primary: %w", err))
	}
	for i, m := range s.mirrors {
		if err := fn(m); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mirror %d: %w", i, err))
		}
	}
	return errs.ErrorOrNil()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap usagemeter.PeriodSnapshot) error {
	return s.each(func(st usagemeter.Store) error { return st.SaveSnapshot(ctx, snap) })
}

func (s *Store) SaveSession(ctx context.Context, rec usagemeter.SessionRecord) error {
	return s.each(func(st usagemeter.Store) error { return st.SaveSession(ctx, rec) })
}

func (s *Store) LoadSnapshot(ctx context.Context, userID string) (usagemeter.PeriodSnapshot, bool, error) {
	return s.primary.LoadSnapshot(ctx, userID)
}

// ListSessions delegates to the primary when it can list sessions.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]usagemeter.SessionRecord, error) {
	l, ok := s.primary.(usagemeter.SessionLister)
	if !ok {
		return nil, fmt.Errorf("usagemeter/tee: primary store cannot list sessions")
	}
	return l.ListSessions(ctx, userID, limit)
}

// EnsureSchema prepares every backing store that manages its own schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.each(func(st usagemeter.Store) error {
		if e, ok := st.(usagemeter.SchemaEnsurer); ok {
			return e.EnsureSchema(ctx)
		}
		return nil
	})
}
