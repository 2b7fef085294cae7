package usagemeter

import "context"

// Store is the durable ledger an Actor writes to. Actors never read it for
// quota decisions; LoadSnapshot is only called once when an actor starts.
//
// Writes must be last-write-wins on Version: a snapshot older than the stored
// one for the same (UserID, PeriodStart) is ignored.
type Store interface {
	// SaveSnapshot upserts the period snapshot keyed by (UserID, PeriodStart).
	SaveSnapshot(ctx context.Context, snap PeriodSnapshot) error

	// SaveSession inserts or updates the session record keyed by ID. A record
	// that already has an end time keeps it when a start-only write for the
	// same ID arrives late.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// LoadSnapshot returns the user's snapshot with the latest PeriodStart,
	// archived or not. The bool is false when the user has no snapshot.
	LoadSnapshot(ctx context.Context, userID string) (PeriodSnapshot, bool, error)
}

// SchemaEnsurer is implemented by stores that can create their own schema.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// SessionLister is implemented by stores that can return a user's session
// history.
type SessionLister interface {
	// ListSessions returns up to limit records, most recent first. A limit
	// of zero or less returns every record.
	ListSessions(ctx context.Context, userID string, limit int) ([]SessionRecord, error)
}

type noopStore struct{}

func (noopStore) SaveSnapshot(context.Context, PeriodSnapshot) error { return nil }
func (noopStore) SaveSession(context.Context, SessionRecord) error   { return nil }
func (noopStore) LoadSnapshot(context.Context, string) (PeriodSnapshot, bool, error) {
	return PeriodSnapshot{}, false, nil
}
