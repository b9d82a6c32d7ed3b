package outbox

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/metrics"
)

// DispatchFunc delivers one item to the source of record.
type DispatchFunc func(ctx context.Context, it Item) error

// Options tune a Runner. Zero values take the defaults below.
type Options struct {
	BatchSize   int           // default 10
	Idle        time.Duration // sleep after an empty batch, default 1s
	Jitter      time.Duration // random extra idle sleep, default 300ms
	MaxAttempt  int           // items above it are no longer peeked, default 5
	BackoffBase time.Duration // first sleep after a fully failed batch, default 500ms
	BackoffMax  time.Duration // cap for failure backoff, default 30s

	Connectivity Connectivity
	Logger       *zap.Logger
	Metrics      *metrics.Outbox
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Idle <= 0 {
		o.Idle = time.Second
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	} else if o.Jitter == 0 {
		o.Jitter = 300 * time.Millisecond
	}
	if o.MaxAttempt <= 0 {
		o.MaxAttempt = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.Connectivity == nil {
		o.Connectivity = AlwaysOnline{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Runner drains a Store in the background. There is at most one Runner per Store in a
// process: NewRunner returns the existing instance for a store it has seen.
type Runner struct {
	store    Store
	dispatch DispatchFunc
	opts     Options
	log      *zap.Logger
	kick     chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	registryMu sync.Mutex
	registry   = map[Store]*Runner{}
)

// NewRunner returns the runner bound to store, creating it on first use. Options and
// dispatch of later calls are ignored.
func NewRunner(store Store, dispatch DispatchFunc, opts Options) *Runner {
	registryMu.Lock()
	defer registryMu.Unlock()
	if r, ok := registry[store]; ok {
		return r
	}
	opts = opts.withDefaults()
	r := &Runner{
		store:    store,
		dispatch: dispatch,
		opts:     opts,
		log:      opts.Logger.Named("outbox"),
		kick:     make(chan struct{}, 1),
	}
	registry[store] = r
	return r
}

// Start launches the background loop. Calling Start on a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel, r.done = cancel, make(chan struct{})
	go r.loop(ctx, r.done)
	r.log.Info("runner started")
}

// Stop ends the loop and waits for the in-flight batch to finish. Items stay queued.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.log.Info("runner stopped")
}

// Close stops the runner and unbinds it from its store.
func (r *Runner) Close() {
	r.Stop()
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[r.store] == r {
		delete(registry, r.store)
	}
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Kick wakes an idle runner immediately.
func (r *Runner) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Runner) newBackoff() retry.Backoff {
	b := retry.NewExponential(r.opts.BackoffBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithCappedDuration(r.opts.BackoffMax, b)
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	var backoff retry.Backoff
	for {
		if !r.opts.Connectivity.Online() {
			r.log.Debug("offline, suspending")
			if err := r.opts.Connectivity.WaitOnline(ctx); err != nil {
				return
			}
			r.log.Debug("online, resuming")
		}

		res, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		var wait time.Duration
		switch {
		case err != nil || (res.Attempted > 0 && res.Delivered == 0 && !res.Suspended):
			if err != nil {
				r.log.Warn("outbox batch failed", zap.Error(err))
			}
			if backoff == nil {
				backoff = r.newBackoff()
			}
			wait, _ = backoff.Next()
		case res.Suspended:
			backoff = nil
			continue
		case res.Attempted == 0:
			backoff = nil
			wait = r.opts.Idle
			if r.opts.Jitter > 0 {
				wait += rand.N(r.opts.Jitter)
			}
		default:
			backoff = nil
			continue
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-r.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// BatchResult summarizes one pass over the queue.
type BatchResult struct {
	Attempted int
	Delivered int
	Failed    int
	Parked    int
	Suspended bool // the device went offline mid-batch
}

// RunOnce dispatches one batch. A failing item never stops the rest of the batch.
func (r *Runner) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	items, err := r.store.Peek(ctx, r.opts.BatchSize, r.opts.MaxAttempt)
	if err != nil {
		return res, err
	}
	for _, it := range items {
		if ctx.Err() != nil {
			return res, nil
		}
		if !r.opts.Connectivity.Online() {
			res.Suspended = true
			break
		}
		res.Attempted++
		derr := r.dispatch(ctx, it)
		switch {
		case derr == nil:
			if err := r.store.MarkDone(ctx, it.ID); err != nil {
				return res, err
			}
			res.Delivered++
			r.opts.Metrics.Dispatched()
			r.log.Debug("delivered", zap.String("item_id", it.ID), zap.String("op", string(it.Op)))
		case errors.Is(derr, errs.ErrNetwork) && !r.opts.Connectivity.Online():
			// lost the connection: the item is not at fault
			res.Suspended = true
		case !errs.Retryable(derr):
			if err := r.store.Park(ctx, it.ID, derr); err != nil {
				return res, err
			}
			res.Parked++
			r.opts.Metrics.Failed()
			r.log.Warn("item rejected permanently",
				zap.String("item_id", it.ID),
				zap.String("dedupe_key", it.DedupeKey),
				zap.Error(derr),
			)
		default:
			if err := r.store.MarkFailed(ctx, it.ID, derr); err != nil {
				return res, err
			}
			res.Failed++
			r.opts.Metrics.Failed()
			r.log.Info("delivery failed",
				zap.String("item_id", it.ID),
				zap.Int("attempt", it.Attempt+1),
				zap.Error(derr),
			)
		}
		if res.Suspended {
			break
		}
	}
	if n, err := r.store.Size(ctx); err == nil {
		r.opts.Metrics.Depth(n)
	}
	return res, nil
}

// Drain runs batches until nothing deliverable is left, the device is offline, or ctx
// ends. It returns the number of delivered items.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	backoff := r.newBackoff()
	for {
		res, err := r.RunOnce(ctx)
		total += res.Delivered
		if err != nil {
			return total, err
		}
		if res.Attempted == 0 || res.Suspended {
			return total, ctx.Err()
		}
		if res.Delivered == 0 {
			wait, _ := backoff.Next()
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}
