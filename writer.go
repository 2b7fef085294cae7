package usagemeter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// writeJob is one best-effort store write. Every job carries a full record,
// so dropped or reordered jobs are harmless.
type writeJob struct {
	kind    SyncKind
	version int64
	at      time.Time
	fn      func(ctx context.Context) error
}

// syncAck reports the outcome of an async write back to the actor.
type syncAck struct {
	kind    SyncKind
	version int64
	at      time.Time
	err     error
}

// writer drains an actor's bounded async write queue on its own goroutine
// so store latency never reaches the actor.
type writer struct {
	userID  string
	jobs    chan writeJob
	acks    chan<- syncAck
	timeout time.Duration
	clock   quartz.Clock
	meter   Meter
	log     *slog.Logger
	wg      sync.WaitGroup
}

func newWriter(userID string, o options, acks chan<- syncAck, log *slog.Logger) *writer {
	w := &writer{
		userID:  userID,
		jobs:    make(chan writeJob, o.writeQueueSize),
		acks:    acks,
		timeout: o.syncTimeout,
		clock:   o.clock,
		meter:   o.meter,
		log:     log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// enqueue never blocks; a full queue drops the job.
func (w *writer) enqueue(job writeJob) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		w.log.Warn("write queue full, dropping write", "kind", job.kind, "version", job.version)
		return false
	}
}

func (w *writer) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		start := w.clock.Now()
		err := job.fn(ctx)
		cancel()

		w.meter.OnSync(SyncEvent{
			Kind:     job.kind,
			UserID:   w.userID,
			Version:  job.version,
			Async:    true,
			Duration: w.clock.Since(start),
			Error:    err,
		})
		if err != nil {
			w.log.Warn("async store write failed", "kind", job.kind, "version", job.version, "error", err)
		}

		select {
		case w.acks <- syncAck{kind: job.kind, version: job.version, at: job.at, err: err}:
		default:
		}
	}
}

// close stops accepting jobs and waits for the queued ones to finish.
func (w *writer) close() {
	close(w.jobs)
	w.wg.Wait()
}

func (a *Actor) snapshot(now time.Time) PeriodSnapshot {
	s := a.state
	return PeriodSnapshot{
		UserID:       a.userID,
		PeriodStart:  s.PeriodStart,
		PeriodEnd:    s.PeriodEnd,
		Plan:         s.Plan,
		MinutesUsed:  s.MinutesUsed,
		MinutesLimit: s.MinutesLimit,
		SyncedAt:     now,
		Version:      s.Version,
	}
}

// syncWrite calls the store on the actor goroutine. Failures are logged and
// reported to the meter, never returned: the in-memory state stays
// authoritative.
func (a *Actor) syncWrite(kind SyncKind, version int64, now time.Time, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.syncTimeout)
	defer cancel()

	start := a.opts.clock.Now()
	err := fn(ctx)
	a.opts.meter.OnSync(SyncEvent{
		Kind:     kind,
		UserID:   a.userID,
		Version:  version,
		Duration: a.opts.clock.Since(start),
		Error:    err,
	})
	if err != nil {
		a.log.Warn("store write failed", "kind", kind, "version", version, "error", err)
		return
	}
	a.markSynced(kind, version, now)
}

func (a *Actor) syncSnapshot(now time.Time) {
	snap := a.snapshot(now)
	a.syncWrite(SyncSnapshot, snap.Version, now, func(ctx context.Context) error {
		return a.opts.store.SaveSnapshot(ctx, snap)
	})
}

func (a *Actor) syncSession(now time.Time, rec SessionRecord) {
	a.syncWrite(SyncSession, a.state.Version, now, func(ctx context.Context) error {
		return a.opts.store.SaveSession(ctx, rec)
	})
}

func (a *Actor) enqueueSnapshot(now time.Time) {
	snap := a.snapshot(now)
	a.writer.enqueue(writeJob{
		kind:    SyncSnapshot,
		version: snap.Version,
		at:      now,
		fn: func(ctx context.Context) error {
			return a.opts.store.SaveSnapshot(ctx, snap)
		},
	})
}

func (a *Actor) enqueueSession(now time.Time, rec SessionRecord) {
	a.writer.enqueue(writeJob{
		kind:    SyncSession,
		version: a.state.Version,
		at:      now,
		fn: func(ctx context.Context) error {
			return a.opts.store.SaveSession(ctx, rec)
		},
	})
}

// unsynced reports whether the store is missing the current period state.
// Session starts bump the version without a snapshot, so this can be true
// while the store already holds every committed minute.
func (a *Actor) unsynced() bool {
	return a.state != nil && a.state.Version > a.storedVersion
}

func (a *Actor) applyAck(ack syncAck) {
	if ack.err != nil || a.state == nil {
		return
	}
	a.markSynced(ack.kind, ack.version, ack.at)
}

// markSynced advances LastSyncedAt and storedVersion for snapshot writes.
// Session records do not carry the period state, so they do not count.
func (a *Actor) markSynced(kind SyncKind, version int64, at time.Time) {
	if kind == SyncSession {
		return
	}
	a.storedVersion = max(a.storedVersion, version)
	if last := a.state.LastSyncedAt; last != nil && !at.After(*last) {
		return
	}
	t := at
	a.state.LastSyncedAt = &t
}
