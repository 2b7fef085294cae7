package usagemeter

import (
	"context"
	"time"
)

// armTimer schedules the next reconciliation. Only the actor goroutine arms
// or stops timers; a firing is delivered through the mailbox and dropped if
// its generation is no longer current.
func (a *Actor) armTimer() {
	a.stopTimer()
	gen := a.timerGen
	a.timer = a.opts.clock.AfterFunc(a.opts.reconcileEvery, func() {
		_ = a.do(context.Background(), func() error {
			a.reconcile(gen)
			return nil
		})
	}, "usagemeter", "reconcile")
}

func (a *Actor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.timerGen++
}

// reconcile pushes the current state to the store and ends the active
// session once it has gone without a heartbeat for longer than staleAfter.
func (a *Actor) reconcile(gen uint64) {
	if gen != a.timerGen {
		return
	}
	a.timer = nil
	if a.state == nil || a.state.ActiveSession == nil {
		return
	}

	now := a.opts.clock.Now()
	sess := a.state.ActiveSession
	sess.MinutesUsed = elapsedMinutes(sess.StartTime, now)
	a.enqueueSnapshot(now)

	if now.Sub(sess.LastHeartbeat) > a.opts.staleAfter {
		a.log.Info("session timed out",
			"session_id", sess.ID,
			"last_heartbeat", sess.LastHeartbeat,
		)
		a.finishSession(now, EndTimeout)
		return
	}
	if a.opts.endOnLimit && a.state.Remaining() == 0 {
		a.finishSession(now, EndLimitReached)
		return
	}
	a.armTimer()
}

func (a *Actor) armIdle(d time.Duration) {
	a.idleGen++
	gen := a.idleGen
	a.idle = a.opts.clock.AfterFunc(d, func() {
		_ = a.do(context.Background(), func() error {
			a.checkIdle(gen)
			return nil
		})
	}, "usagemeter", "idle")
}

// checkIdle marks the actor for eviction once it has had no caller activity
// for idleTimeout, holds no active session and the store has its latest
// snapshot. A snapshot the store never received is written first; if that
// fails the actor stays.
func (a *Actor) checkIdle(gen uint64) {
	if gen != a.idleGen {
		return
	}
	if a.state != nil && a.state.ActiveSession != nil {
		a.armIdle(a.opts.idleTimeout)
		return
	}
	if quiet := a.opts.clock.Since(a.lastActive); quiet < a.opts.idleTimeout {
		a.armIdle(a.opts.idleTimeout - quiet)
		return
	}
	if a.unsynced() {
		a.syncSnapshot(a.opts.clock.Now())
		if a.unsynced() {
			a.log.Warn("store is behind, keeping idle actor", "version", a.state.Version, "stored_version", a.storedVersion)
			a.armIdle(a.opts.idleTimeout)
			return
		}
	}
	a.evict = true
}
