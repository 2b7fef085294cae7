package usagemeter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Actor owns the UsageState of a single user. Every operation is submitted
// to its mailbox and runs to completion on the actor goroutine before the
// next one starts, so the state needs no locking.
type Actor struct {
	userID string
	opts   options
	log    *slog.Logger

	mailbox   chan func()
	acks      chan syncAck
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onExit    func(*Actor)

	// loadErr is written before done is closed.
	loadErr error

	// Owned by the actor goroutine.
	state      *UsageState
	writer     *writer
	timer      *quartz.Timer
	timerGen   uint64
	idle       *quartz.Timer
	idleGen    uint64
	lastActive time.Time
	evict      bool

	// storedVersion is the highest snapshot version the store has accepted.
	storedVersion int64
}

// NewActor starts an actor for userID. The actor first loads the user's
// latest snapshot from the store; operations submitted meanwhile wait until
// the load has finished.
func NewActor(userID string, opts ...Option) *Actor {
	return newActor(userID, buildOptions(opts), nil)
}

func newActor(userID string, o options, onExit func(*Actor)) *Actor {
	if onExit == nil {
		onExit = func(*Actor) {}
	}
	a := &Actor{
		userID:  userID,
		opts:    o,
		log:     o.logger.With("user_id", userID),
		mailbox: make(chan func(), o.mailboxSize),
		acks:    make(chan syncAck, o.writeQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		onExit:  onExit,
	}
	go a.run()
	return a
}

// UserID returns the user this actor serves.
func (a *Actor) UserID() string { return a.userID }

// Done is closed once the actor goroutine has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Close ends any active session with EndDisconnect, flushes pending writes
// and stops the actor. It is safe to call more than once.
func (a *Actor) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.closing) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) run() {
	defer close(a.done)
	// Runs before done is closed so a registry never hands out an exited actor.
	defer func() { a.onExit(a) }()

	if err := a.load(); err != nil {
		a.log.Error("load usage state", "error", err)
		a.loadErr = fmt.Errorf("%w: %v", ErrLoadFailed, err)
		return
	}

	a.writer = newWriter(a.userID, a.opts, a.acks, a.log)
	a.lastActive = a.opts.clock.Now()
	if a.opts.idleTimeout > 0 {
		a.armIdle(a.opts.idleTimeout)
	}

	for {
		select {
		case op := <-a.mailbox:
			op()
		case ack := <-a.acks:
			a.applyAck(ack)
		case <-a.closing:
			a.shutdown(true)
			return
		}
		if a.evict {
			a.log.Debug("evicting idle actor")
			a.shutdown(false)
			return
		}
	}
}

func (a *Actor) load() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.syncTimeout)
	defer cancel()

	snap, ok, err := a.opts.store.LoadSnapshot(ctx, a.userID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	limit := snap.MinutesLimit
	if tier, err := a.opts.catalog.Lookup(snap.Plan); err == nil {
		limit = tier.MonthlyMinutes
	}
	synced := snap.SyncedAt
	a.state = &UsageState{
		UserID:       a.userID,
		Plan:         snap.Plan,
		MinutesLimit: limit,
		MinutesUsed:  snap.MinutesUsed,
		PeriodStart:  snap.PeriodStart,
		PeriodEnd:    snap.PeriodEnd,
		LastSyncedAt: &synced,
		Version:      snap.Version,
	}
	a.storedVersion = snap.Version
	if snap.Archived {
		// The period was closed but its successor never reached the store.
		a.state.MinutesUsed = 0
		a.state.PeriodStart, a.state.PeriodEnd = PeriodFor(a.opts.clock.Now())
		a.state.Version++
	}
	a.log.Debug("loaded usage state", "plan", snap.Plan, "minutes_used", snap.MinutesUsed, "version", snap.Version)
	return nil
}

func (a *Actor) shutdown(closing bool) {
	a.stopTimer()
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
	if closing && a.state != nil {
		if a.state.ActiveSession != nil {
			a.finishSession(a.opts.clock.Now(), EndDisconnect)
		}
		if a.unsynced() {
			a.syncSnapshot(a.opts.clock.Now())
		}
	}
	a.writer.close()
}

func (a *Actor) closedErr() error {
	if a.loadErr != nil {
		return a.loadErr
	}
	return ErrActorClosed
}

// do runs fn on the actor goroutine and waits for its result.
func (a *Actor) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	op := func() { errc <- fn() }

	select {
	case a.mailbox <- op:
	case <-a.done:
		return a.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-a.done:
		select {
		case err := <-errc:
			return err
		default:
			return a.closedErr()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call is do for caller operations: it counts as activity and requires the
// state to be loaded or initialized.
func (a *Actor) call(ctx context.Context, fn func(now time.Time) error) error {
	return a.do(ctx, func() error {
		now := a.opts.clock.Now()
		a.lastActive = now
		if a.state == nil {
			return ErrNotInitialized
		}
		return fn(now)
	})
}

// ask runs fn as a caller operation and returns its result. On a context or
// lifecycle error the result is never read, since fn may still be running.
func ask[T any](ctx context.Context, a *Actor, fn func(now time.Time) (T, error)) (T, error) {
	var res T
	err := a.call(ctx, func(now time.Time) error {
		var err error
		res, err = fn(now)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}

// Initialize sets up fresh usage state for plan, discarding any prior usage.
func (a *Actor) Initialize(ctx context.Context, plan PlanID) (Status, error) {
	var st Status
	err := a.do(ctx, func() error {
		now := a.opts.clock.Now()
		a.lastActive = now
		var err error
		st, err = a.initialize(now, plan)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// Ensure initializes the actor with plan unless state is already present, in
// which case the current status is returned unchanged.
func (a *Actor) Ensure(ctx context.Context, plan PlanID) (Status, error) {
	var st Status
	err := a.do(ctx, func() error {
		now := a.opts.clock.Now()
		a.lastActive = now
		if a.state != nil {
			a.maybeRollover(now)
			st = a.status()
			return nil
		}
		var err error
		st, err = a.initialize(now, plan)
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return st, nil
}

// HasCredits reports whether the user may start or continue a session.
func (a *Actor) HasCredits(ctx context.Context) (CreditCheck, error) {
	return ask(ctx, a, func(now time.Time) (CreditCheck, error) {
		return a.checkCredits(now), nil
	})
}

// StartSession starts a new metered session and returns its id.
func (a *Actor) StartSession(ctx context.Context, sc SessionContext) (string, error) {
	return ask(ctx, a, func(now time.Time) (string, error) {
		return a.startSession(now, sc)
	})
}

// Heartbeat refreshes the liveness of the active session.
func (a *Actor) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResult, error) {
	return ask(ctx, a, func(now time.Time) (HeartbeatResult, error) {
		return a.heartbeat(now, sessionID)
	})
}

// EndSession ends the active session if its id matches. Ending an unknown or
// already-ended session is not an error and bills nothing.
func (a *Actor) EndSession(ctx context.Context, sessionID string, reason EndReason) (EndResult, error) {
	return ask(ctx, a, func(now time.Time) (EndResult, error) {
		return a.endSession(now, sessionID, reason), nil
	})
}

// UpgradePlan switches the user to plan. With resetUsage the period usage is
// zeroed and the period restarts at the current month.
func (a *Actor) UpgradePlan(ctx context.Context, plan PlanID, resetUsage bool) (Status, error) {
	return ask(ctx, a, func(now time.Time) (Status, error) {
		return a.changePlan(now, plan, resetUsage)
	})
}

// DowngradePlan switches the user to plan, keeping the period usage.
func (a *Actor) DowngradePlan(ctx context.Context, plan PlanID) (Status, error) {
	return a.UpgradePlan(ctx, plan, false)
}

// Status returns the current usage summary.
func (a *Actor) Status(ctx context.Context) (Status, error) {
	return ask(ctx, a, func(now time.Time) (Status, error) {
		a.maybeRollover(now)
		return a.status(), nil
	})
}
