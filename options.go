package usagemeter

import (
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// Defaults applied when an option is not set.
const (
	DefaultStaleAfter        = 10 * time.Minute
	DefaultReconcileInterval = 30 * time.Second
	DefaultSyncTimeout       = 5 * time.Second
	DefaultMailboxSize       = 32
	DefaultWriteQueueSize    = 16
)

type options struct {
	clock          quartz.Clock
	store          Store
	meter          Meter
	logger         *slog.Logger
	catalog        Catalog
	staleAfter     time.Duration
	reconcileEvery time.Duration
	syncTimeout    time.Duration
	idleTimeout    time.Duration
	idleSet        bool
	mailboxSize    int
	writeQueueSize int
	endOnLimit     bool
}

// Option configures an Actor or a Registry.
type Option func(*options)

// WithStore sets the durable store. Without it writes are discarded.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithClock sets the clock used for timestamps and the reconciliation timer.
func WithClock(c quartz.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCatalog sets the plan catalog.
func WithCatalog(c Catalog) Option {
	return func(o *options) { o.catalog = c }
}

// WithStaleAfter sets how long a session may go without a heartbeat before it
// is considered abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

// WithReconcileInterval sets the reconciliation timer period.
func WithReconcileInterval(d time.Duration) Option {
	return func(o *options) { o.reconcileEvery = d }
}

// WithSyncTimeout bounds every store call.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *options) { o.syncTimeout = d }
}

// WithIdleTimeout makes an actor without an active session shut itself down
// after d without caller activity. Zero disables eviction. A Registry
// defaults to DefaultIdleTimeout; a standalone Actor never evicts itself.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
		o.idleSet = true
	}
}

// WithMailboxSize sets the capacity of the actor's inbound queue.
func WithMailboxSize(n int) Option {
	return func(o *options) { o.mailboxSize = n }
}

// WithWriteQueueSize sets the capacity of the actor's async write queue.
func WithWriteQueueSize(n int) Option {
	return func(o *options) { o.writeQueueSize = n }
}

// WithEndOnLimit makes the reconciliation timer end a session with
// EndLimitReached once no minutes remain.
func WithEndOnLimit(v bool) Option {
	return func(o *options) { o.endOnLimit = v }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Apply defaults after options.
	if o.clock == nil {
		o.clock = quartz.NewReal()
	}
	if o.store == nil {
		o.store = noopStore{}
	}
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.catalog == nil {
		o.catalog = DefaultCatalog()
	}
	if o.staleAfter <= 0 {
		o.staleAfter = DefaultStaleAfter
	}
	if o.reconcileEvery <= 0 {
		o.reconcileEvery = DefaultReconcileInterval
	}
	if o.syncTimeout <= 0 {
		o.syncTimeout = DefaultSyncTimeout
	}
	if o.mailboxSize <= 0 {
		o.mailboxSize = DefaultMailboxSize
	}
	if o.writeQueueSize <= 0 {
		o.writeQueueSize = DefaultWriteQueueSize
	}
	return o
}
