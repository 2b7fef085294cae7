package usagemeter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Remaining returns the minutes left in the period, counting the active
// session's running minutes. It never goes below zero.
func (s *UsageState) Remaining() int64 {
	used := s.MinutesUsed
	if s.ActiveSession != nil {
		used += s.ActiveSession.MinutesUsed
	}
	return max(0, s.MinutesLimit-used)
}

// elapsedMinutes rounds the time since start up to whole minutes.
func elapsedMinutes(start, now time.Time) int64 {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Minute - 1) / time.Minute)
}

// billedMinutes is what an ended session costs: at least one minute.
func billedMinutes(start, now time.Time) int64 {
	return max(1, elapsedMinutes(start, now))
}

func (a *Actor) initialize(now time.Time, plan PlanID) (Status, error) {
	tier, err := a.opts.catalog.Lookup(plan)
	if err != nil {
		return Status{}, err
	}

	version := int64(1)
	if prev := a.state; prev != nil {
		if prev.ActiveSession != nil {
			a.finishSession(now, EndError)
		}
		a.log.Warn("re-initializing usage state, prior usage discarded",
			"plan", prev.Plan,
			"minutes_used", prev.MinutesUsed,
			"version", prev.Version,
		)
		// Keep the version moving forward so the store does not drop our writes.
		version = prev.Version + 1
	}

	start, end := PeriodFor(now)
	a.state = &UsageState{
		UserID:       a.userID,
		Plan:         tier.ID,
		MinutesLimit: tier.MonthlyMinutes,
		PeriodStart:  start,
		PeriodEnd:    end,
		Version:      version,
	}
	a.syncSnapshot(now)
	return a.status(), nil
}

func (a *Actor) checkCredits(now time.Time) CreditCheck {
	a.maybeRollover(now)
	remaining := a.state.Remaining()
	if remaining <= 0 {
		return CreditCheck{
			Allowed: false,
			Reason:  fmt.Sprintf("monthly allowance of %d minutes on plan %q is used up", a.state.MinutesLimit, a.state.Plan),
		}
	}
	return CreditCheck{Allowed: true, Remaining: remaining}
}

func (a *Actor) startSession(now time.Time, sc SessionContext) (string, error) {
	check := a.checkCredits(now)
	if !check.Allowed {
		return "", fmt.Errorf("%w: %s", ErrNoCredits, check.Reason)
	}

	if cur := a.state.ActiveSession; cur != nil {
		if now.Sub(cur.LastHeartbeat) <= a.opts.staleAfter {
			return "", ErrSessionActive
		}
		a.log.Info("ending stale session before start",
			"session_id", cur.ID,
			"last_heartbeat", cur.LastHeartbeat,
		)
		a.finishSession(now, EndStale)

		// The stale session's minutes are now committed.
		if check = a.checkCredits(now); !check.Allowed {
			return "", fmt.Errorf("%w: %s", ErrNoCredits, check.Reason)
		}
	}

	sess := &ActiveSession{
		ID:            uuid.New().String(),
		StartTime:     now,
		LastHeartbeat: now,
		Context:       sc,
	}
	a.state.ActiveSession = sess
	a.state.Version++

	rec := SessionRecord{
		ID:        sess.ID,
		UserID:    a.userID,
		StartedAt: now,
		Context:   sc,
	}
	a.enqueueSession(now, rec)
	a.armTimer()

	a.opts.meter.OnSession(SessionEvent{
		Kind:      SessionStarted,
		UserID:    a.userID,
		SessionID: sess.ID,
		Plan:      a.state.Plan,
	})
	a.log.Info("session started", "session_id", sess.ID, "remaining", check.Remaining)
	return sess.ID, nil
}

func (a *Actor) heartbeat(now time.Time, sessionID string) (HeartbeatResult, error) {
	a.maybeRollover(now)
	sess := a.state.ActiveSession
	if sess == nil || sess.ID != sessionID {
		return HeartbeatResult{}, ErrNoActiveSession
	}

	sess.MinutesUsed = elapsedMinutes(sess.StartTime, now)
	sess.LastHeartbeat = now
	return HeartbeatResult{
		MinutesUsed: sess.MinutesUsed,
		Remaining:   a.state.Remaining(),
	}, nil
}

func (a *Actor) endSession(now time.Time, sessionID string, reason EndReason) EndResult {
	sess := a.state.ActiveSession
	if sess == nil || sess.ID != sessionID {
		return EndResult{}
	}
	switch {
	case reason == "":
		reason = EndUserEnded
	case !reason.Valid():
		a.log.Warn("unknown end reason, recording as error", "session_id", sessionID, "reason", reason)
		reason = EndError
	}
	return EndResult{MinutesUsed: a.finishSession(now, reason)}
}

// finishSession commits the active session's minutes, clears it and writes
// the result to the store before returning.
func (a *Actor) finishSession(now time.Time, reason EndReason) int64 {
	sess := a.state.ActiveSession
	minutes := billedMinutes(sess.StartTime, now)

	a.state.MinutesUsed += minutes
	a.state.ActiveSession = nil
	a.state.Version++
	a.stopTimer()

	ended := now
	a.syncSession(now, SessionRecord{
		ID:          sess.ID,
		UserID:      a.userID,
		StartedAt:   sess.StartTime,
		EndedAt:     &ended,
		MinutesUsed: minutes,
		EndReason:   reason,
		Context:     sess.Context,
	})
	a.syncSnapshot(now)

	a.opts.meter.OnSession(SessionEvent{
		Kind:      SessionEnded,
		UserID:    a.userID,
		SessionID: sess.ID,
		Plan:      a.state.Plan,
		Reason:    reason,
		Minutes:   minutes,
	})
	a.log.Info("session ended",
		"session_id", sess.ID,
		"reason", reason,
		"minutes", minutes,
		"minutes_used", a.state.MinutesUsed,
		"version", a.state.Version,
	)
	return minutes
}

func (a *Actor) changePlan(now time.Time, plan PlanID, resetUsage bool) (Status, error) {
	tier, err := a.opts.catalog.Lookup(plan)
	if err != nil {
		return Status{}, err
	}
	a.maybeRollover(now)

	prev := a.state.Plan
	a.state.Plan = tier.ID
	a.state.MinutesLimit = tier.MonthlyMinutes
	if resetUsage {
		a.state.MinutesUsed = 0
		a.state.PeriodStart, a.state.PeriodEnd = PeriodFor(now)
	}
	a.state.Version++
	a.syncSnapshot(now)

	a.log.Info("plan changed",
		"from", prev,
		"to", tier.ID,
		"reset_usage", resetUsage,
		"version", a.state.Version,
	)
	return a.status(), nil
}

// maybeRollover archives the finished period and starts the current one
// when now is past PeriodEnd.
func (a *Actor) maybeRollover(now time.Time) {
	if !periodExpired(now, a.state.PeriodEnd) {
		return
	}

	// The archive write outranks any snapshot of the period still queued.
	a.state.Version++
	archived := a.snapshot(now)
	archived.Archived = true
	a.syncWrite(SyncArchive, archived.Version, now, func(ctx context.Context) error {
		return a.opts.store.SaveSnapshot(ctx, archived)
	})

	prevStart := a.state.PeriodStart
	a.state.MinutesUsed = 0
	a.state.PeriodStart, a.state.PeriodEnd = PeriodFor(now)
	a.state.Version++
	a.enqueueSnapshot(now)

	a.log.Info("billing period rolled over",
		"archived_period", prevStart,
		"archived_minutes", archived.MinutesUsed,
		"period_start", a.state.PeriodStart,
	)
}

func (a *Actor) status() Status {
	s := a.state
	st := Status{
		UserID:           s.UserID,
		Plan:             s.Plan,
		MinutesUsed:      s.MinutesUsed,
		MinutesRemaining: s.Remaining(),
		MinutesLimit:     s.MinutesLimit,
		PeriodStart:      s.PeriodStart,
		PeriodEnd:        s.PeriodEnd,
		Version:          s.Version,
	}
	if sess := s.ActiveSession; sess != nil {
		st.HasActiveSession = true
		st.SessionID = sess.ID
		st.SessionMinutes = sess.MinutesUsed
	}
	if s.LastSyncedAt != nil {
		t := *s.LastSyncedAt
		st.LastSyncedAt = &t
	}
	st.PercentUsed = percentUsed(s.MinutesUsed+st.SessionMinutes, s.MinutesLimit)
	return st
}

func percentUsed(used, limit int64) float64 {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return math.Min(float64(used)/float64(limit)*100, 100)
}
