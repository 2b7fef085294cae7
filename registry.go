package usagemeter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// DefaultIdleTimeout is the idle eviction delay used by NewRegistry when
// WithIdleTimeout is not given.
const DefaultIdleTimeout = 15 * time.Minute

// closeConcurrency bounds how many actors Close shuts down at once.
const closeConcurrency = 32

// Registry routes operations to per-user actors. Actors are created on first
// use, load their state from the store, and leave the registry when they are
// evicted for idleness or fail to load.
type Registry struct {
	opts options

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewRegistry creates a Registry. Options apply to every actor it starts.
func NewRegistry(opts ...Option) *Registry {
	o := buildOptions(opts)
	if !o.idleSet {
		o.idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		opts:   o,
		actors: make(map[string]*Actor),
	}
}

func (r *Registry) actor(userID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors[userID]; ok {
		return a, nil
	}
	a := newActor(userID, r.opts, r.release)
	r.actors[userID] = a
	return a, nil
}

// release drops a from the registry unless it was already replaced.
func (r *Registry) release(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.actors[a.userID]; ok && cur == a {
		delete(r.actors, a.userID)
	}
}

// route runs fn against the user's actor. An actor that shut down between
// lookup and submission has already left the map, so one retry reaches a
// fresh actor.
func route[T any](r *Registry, userID string, fn func(a *Actor) (T, error)) (T, error) {
	var (
		res T
		err error
	)
	for attempt := 0; attempt < 2; attempt++ {
		var a *Actor
		if a, err = r.actor(userID); err != nil {
			return res, err
		}
		res, err = fn(a)
		if !errors.Is(err, ErrActorClosed) {
			return res, err
		}
	}
	return res, err
}

// Initialize sets up fresh usage state for the user, discarding prior usage.
func (r *Registry) Initialize(ctx context.Context, userID string, plan PlanID) (Status, error) {
	return route(r, userID, func(a *Actor) (Status, error) { return a.Initialize(ctx, plan) })
}

// Ensure initializes the user with plan unless state already exists.
func (r *Registry) Ensure(ctx context.Context, userID string, plan PlanID) (Status, error) {
	return route(r, userID, func(a *Actor) (Status, error) { return a.Ensure(ctx, plan) })
}

func (r *Registry) HasCredits(ctx context.Context, userID string) (CreditCheck, error) {
	return route(r, userID, func(a *Actor) (CreditCheck, error) { return a.HasCredits(ctx) })
}

func (r *Registry) StartSession(ctx context.Context, userID string, sc SessionContext) (string, error) {
	return route(r, userID, func(a *Actor) (string, error) { return a.StartSession(ctx, sc) })
}

func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string) (HeartbeatResult, error) {
	return route(r, userID, func(a *Actor) (HeartbeatResult, error) { return a.Heartbeat(ctx, sessionID) })
}

func (r *Registry) EndSession(ctx context.Context, userID, sessionID string, reason EndReason) (EndResult, error) {
	return route(r, userID, func(a *Actor) (EndResult, error) { return a.EndSession(ctx, sessionID, reason) })
}

func (r *Registry) UpgradePlan(ctx context.Context, userID string, plan PlanID, resetUsage bool) (Status, error) {
	return route(r, userID, func(a *Actor) (Status, error) { return a.UpgradePlan(ctx, plan, resetUsage) })
}

func (r *Registry) DowngradePlan(ctx context.Context, userID string, plan PlanID) (Status, error) {
	return route(r, userID, func(a *Actor) (Status, error) { return a.DowngradePlan(ctx, plan) })
}

func (r *Registry) Status(ctx context.Context, userID string) (Status, error) {
	return route(r, userID, func(a *Actor) (Status, error) { return a.Status(ctx) })
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Close stops every actor, ending active sessions with EndDisconnect. The
// registry rejects operations afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, a := range actors {
		g.Go(func() error {
			if err := a.Close(ctx); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}
