package usagemeter

import "time"

// UsageState is one user's quota and session state. It is owned exclusively
// by that user's Actor.
type UsageState struct {
	UserID        string
	Plan          PlanID
	MinutesLimit  int64
	MinutesUsed   int64
	PeriodStart   string // YYYY-MM-DD, first day of the month (UTC)
	PeriodEnd     string // YYYY-MM-DD, last day of the month (UTC)
	ActiveSession *ActiveSession
	LastSyncedAt  *time.Time
	Version       int64
}

// ActiveSession is the single in-flight metered session of a user.
type ActiveSession struct {
	ID            string
	StartTime     time.Time
	LastHeartbeat time.Time
	MinutesUsed   int64 // recomputed from StartTime, never accumulated
	Context       SessionContext
}

// SessionContext is caller-supplied session metadata. It is persisted with
// the session record and never interpreted.
type SessionContext struct {
	Topic      string            `json:"topic,omitempty"`
	Difficulty string            `json:"difficulty,omitempty"`
	Mode       string            `json:"mode,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// EndReason records why a session ended.
type EndReason string

const (
	EndUserEnded      EndReason = "user_ended"
	EndLimitReached   EndReason = "limit_reached"
	EndTimeout        EndReason = "timeout"
	EndError          EndReason = "error"
	EndStale          EndReason = "stale"
	EndDisconnect     EndReason = "disconnect"
	EndProviderSwitch EndReason = "provider_switch"
)

// Valid reports whether r is one of the known end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndUserEnded, EndLimitReached, EndTimeout, EndError, EndStale, EndDisconnect, EndProviderSwitch:
		return true
	default:
		return false
	}
}

// CreditCheck is the result of HasCredits.
type CreditCheck struct {
	Allowed   bool   `json:"allowed"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// HeartbeatResult is the result of a successful Heartbeat.
type HeartbeatResult struct {
	MinutesUsed int64 `json:"minutes_used"`
	Remaining   int64 `json:"remaining"`
}

// EndResult is the result of EndSession. MinutesUsed is zero when there was
// no matching session to end.
type EndResult struct {
	MinutesUsed int64 `json:"minutes_used"`
}

// Status is the caller-facing projection of a UsageState.
type Status struct {
	UserID           string     `json:"user_id"`
	Plan             PlanID     `json:"plan"`
	MinutesUsed      int64      `json:"minutes_used"`
	SessionMinutes   int64      `json:"session_minutes"`
	MinutesRemaining int64      `json:"minutes_remaining"`
	MinutesLimit     int64      `json:"minutes_limit"`
	PeriodStart      string     `json:"period_start"`
	PeriodEnd        string     `json:"period_end"`
	HasActiveSession bool       `json:"has_active_session"`
	SessionID        string     `json:"session_id,omitempty"`
	PercentUsed      float64    `json:"percent_used"`
	Version          int64      `json:"version"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
}

// PeriodSnapshot is the durable per-period usage row, keyed by
// (UserID, PeriodStart).
type PeriodSnapshot struct {
	UserID       string
	PeriodStart  string
	PeriodEnd    string
	Plan         PlanID
	MinutesUsed  int64
	MinutesLimit int64
	SyncedAt     time.Time
	Version      int64
	Archived     bool
}

// SessionRecord is the durable audit row of one session, keyed by ID.
// EndedAt is nil while the session is running.
type SessionRecord struct {
	ID          string
	UserID      string
	StartedAt   time.Time
	EndedAt     *time.Time
	MinutesUsed int64
	EndReason   EndReason
	Context     SessionContext
}
