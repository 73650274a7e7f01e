// Package tasks runs one-shot callbacks after a delay. A single cron entry
// ticks at a fixed period and fires every task whose deadline has passed, so
// firing precision is bounded by the tick.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/segmentio/ksuid"

	"d7bot/internal/async"
	"d7bot/internal/logging"
	"d7bot/internal/observability"
)

// DefaultTick is the firing resolution of the runner.
const DefaultTick = time.Second

// Handle identifies a scheduled task.
type Handle string

// Func is a deferred callback. ctx is the context the runner was started with.
type Func func(ctx context.Context)

// Config holds runner configuration.
type Config struct {
	// Tick is the firing period. The cron schedule works in whole seconds:
	// the value is truncated to seconds and anything below one second runs
	// at DefaultTick.
	Tick time.Duration
}

func (c Config) tick() time.Duration {
	tick := c.Tick.Truncate(time.Second)
	if tick < time.Second {
		return DefaultTick
	}
	return tick
}

type task struct {
	handle Handle
	due    time.Time
	seq    uint64
	fn     Func
}

// Runner holds pending tasks and fires them from a cron tick.
type Runner struct {
	cron    *cron.Cron
	tick    time.Duration
	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	tasks   map[Handle]*task
	seq     uint64
	baseCtx context.Context
	started bool

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Runner. metrics may be nil.
func New(cfg Config, logger logging.Logger, metrics *observability.Metrics) *Runner {
	logger = logging.OrNop(logger)
	tick := cfg.tick()
	if cfg.Tick > 0 && tick != cfg.Tick {
		logger.Warn("Task tick %s is not a whole number of seconds, using %s", cfg.Tick, tick)
	}
	cronLog := cronLogger{logger: logger}
	return &Runner{
		cron:    cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.SkipIfStillRunning(cronLog))),
		tick:    tick,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		tasks:   make(map[Handle]*task),
		baseCtx: context.Background(),
		stopped: make(chan struct{}),
	}
}

// Schedule registers fn to run once after delay. A non-positive delay fires
// on the next tick.
func (r *Runner) Schedule(delay time.Duration, fn Func) Handle {
	h := Handle("task_" + ksuid.New().String())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.tasks[h] = &task{handle: h, due: r.now().Add(delay), seq: r.seq, fn: fn}
	return h
}

// Cancel removes a pending task. It reports false when the task already
// fired or was never scheduled.
func (r *Runner) Cancel(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[h]; !ok {
		return false
	}
	delete(r.tasks, h)
	return true
}

// Len returns the number of pending tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Start begins ticking. The runner stops when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.tick), r.fireDue); err != nil {
		return fmt.Errorf("register tick: %w", err)
	}
	r.started = true
	r.baseCtx = ctx
	r.cron.Start()
	r.logger.Info("Task runner started (tick=%s)", r.tick)

	async.Go(r.logger, "task runner shutdown", func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.stopped:
		}
	})
	return nil
}

// Stop halts ticking and waits for a running tick to finish. Pending tasks
// are discarded. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		r.mu.Lock()
		dropped := len(r.tasks)
		r.tasks = make(map[Handle]*task)
		r.mu.Unlock()
		close(r.stopped)
		r.logger.Info("Task runner stopped (%d pending tasks dropped)", dropped)
	})
}

// Done returns a channel that is closed when the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// fireDue claims every due task under the lock Cancel uses, then runs them
// in deadline order outside it.
func (r *Runner) fireDue() {
	now := r.now()
	r.mu.Lock()
	var due []*task
	for h, t := range r.tasks {
		if !t.due.After(now) {
			due = append(due, t)
			delete(r.tasks, h)
		}
	}
	ctx := r.baseCtx
	r.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].due.Equal(due[j].due) {
			return due[i].due.Before(due[j].due)
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		fn := t.fn
		if err := async.Call(r.logger, string(t.handle), func() { fn(ctx) }); err != nil {
			r.logger.Warn("Task %s failed: %v", t.handle, err)
		}
		r.metrics.RecordTaskFired(ctx)
	}
}

type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
