package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/toolboxai/dispatch/internal/queue"
	"github.com/toolboxai/dispatch/internal/router"
	"github.com/toolboxai/dispatch/internal/state"
	"github.com/toolboxai/dispatch/internal/utils"
)

type Broker interface {
	// Run registers the routed queues and starts the reconciler.
	Run() error

	// Stop halts the reconciler. Queue and store handles are owned by
	// the caller and closed separately.
	Stop()

	// Submit routes a task to its queue, records it and enqueues it.
	// It returns the task id.
	Submit(t *Task) (id string, err error)

	// Claim pops up to count tasks across the given queues, honoring
	// their order. Claimed tasks transition to running and carry a
	// lease for leaseDur; canceled tasks are dropped at claim time.
	Claim(queues []string, count int) (tasks []*Task, err error)

	// Succeed acknowledges a claimed task and stores its result.
	Succeed(id string, result map[string]any) error

	// Fail reports a failed execution. Transient failures under the
	// attempt budget are rescheduled with backoff; permanent failures
	// and exhausted budgets dead-letter the task.
	Fail(id string, reason string, permanent bool) error

	// Heartbeat extends the leases of claimed tasks.
	Heartbeat(ids ...string) error

	// Cancel marks a pending task canceled. Running tasks cannot be
	// canceled; their timeout bounds them.
	Cancel(id string) error

	// Replay moves a dead-lettered task back through the routing table
	// with a fresh attempt budget. Manual operator action only.
	Replay(id string) (err error)

	// DiscardDeadLetter drops a dead-lettered task and its record.
	DiscardDeadLetter(id string) error

	// Get returns the information of a task.
	Get(id string) (t *Task, err error)
}

type Options struct {
	Logger *slog.Logger

	// LeaseDuration is the visibility timeout on claimed tasks.
	LeaseDuration time.Duration

	// DefaultMaxAttempts applies when a submission does not set one.
	DefaultMaxAttempts int

	Backoff BackoffPolicy

	// ReconcileInterval is how often due retries and expired leases
	// are swept back to pending.
	ReconcileInterval time.Duration
}

type broker struct {
	logger *slog.Logger
	q      queue.MessageQueue
	state  state.Store
	rt     *router.Router
	opts   *Options

	rec *reconciler

	mu     sync.RWMutex
	queues utils.UniqueSet
}

func New(logger *slog.Logger, rt *router.Router, q queue.MessageQueue, s state.Store, opts *Options) (Broker, error) {
	o := defaultOptions(opts)
	if o.Logger == nil {
		o.Logger = logger
	}

	b := &broker{
		logger: logger,
		q:      q,
		state:  s,
		rt:     rt,
		opts:   o,
		queues: make(utils.UniqueSet),
	}

	b.rec = newReconciler(logger, b, q, o.ReconcileInterval)

	return b, nil
}

func defaultOptions(opts *Options) *Options {
	o := &Options{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		Backoff: BackoffPolicy{
			Base: 2 * time.Second,
			Cap:  5 * time.Minute,
		},
		ReconcileInterval: time.Second,
	}

	if opts == nil {
		return o
	}

	if opts.Logger != nil {
		o.Logger = opts.Logger
	}
	if opts.LeaseDuration > 0 {
		o.LeaseDuration = opts.LeaseDuration
	}
	if opts.DefaultMaxAttempts > 0 {
		o.DefaultMaxAttempts = opts.DefaultMaxAttempts
	}
	if opts.Backoff.Base > 0 {
		o.Backoff.Base = opts.Backoff.Base
	}
	if opts.Backoff.Cap > 0 {
		o.Backoff.Cap = opts.Backoff.Cap
	}
	if opts.ReconcileInterval > 0 {
		o.ReconcileInterval = opts.ReconcileInterval
	}

	return o
}

func (b *broker) Run() error {
	if err := b.registerRoutedQueues(); err != nil {
		return err
	}

	b.rec.Watch()

	return nil
}

func (b *broker) Stop() {
	b.rec.Stop()
}

func (b *broker) registerRoutedQueues() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range b.rt.Queues() {
		qi := state.NewQueueInfo(name, b.rt.Priority(name))
		if _, err := b.state.RegisterQueue(qi); err != nil {
			b.logger.
				With("queue", name).
				With("err", err).
				Error("failed to register queue")
			return err
		}

		b.queues.Add(name)
		b.logger.
			With("queue", name).
			With("priority", qi.Priority).
			Info("queue registered")
	}

	b.rec.SetQueues(b.queueNames())

	return nil
}

func (b *broker) queueNames() []string {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}
