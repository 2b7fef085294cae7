package usagemeter

import "time"

// Meter observes actor events for monitoring/logging.
type Meter interface {
	// OnSession is called when a session starts or ends.
	OnSession(event SessionEvent)

	// OnSync is called after every durable store write attempt.
	OnSync(event SyncEvent)
}

// SessionEventKind distinguishes session starts from ends.
type SessionEventKind string

const (
	SessionStarted SessionEventKind = "started"
	SessionEnded   SessionEventKind = "ended"
)

// SessionEvent describes a session lifecycle transition.
type SessionEvent struct {
	Kind      SessionEventKind
	UserID    string
	SessionID string
	Plan      PlanID
	Reason    EndReason // set when Kind is SessionEnded
	Minutes   int64     // billed minutes, set when Kind is SessionEnded
}

// SyncKind names the durable write path.
type SyncKind string

const (
	SyncSnapshot SyncKind = "snapshot"
	SyncArchive  SyncKind = "archive"
	SyncSession  SyncKind = "session"
)

// SyncEvent describes the outcome of one store write.
type SyncEvent struct {
	Kind     SyncKind
	UserID   string
	Version  int64
	Async    bool
	Duration time.Duration
	Error    error
}

type noopMeter struct{}

func (noopMeter) OnSession(SessionEvent) {}
func (noopMeter) OnSync(SyncEvent)       {}
