// Package throttle serializes outbound message edits. Updates for the same
// message coalesce into one queue slot, at most one call is in flight, and
// calls are spaced by a minimum interval or by the platform's retry hint.
package throttle

import (
	"container/list"
	"context"
	"sync"
	"time"

	"d7bot/internal/async"
	"d7bot/internal/channels"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/logging"
	"d7bot/internal/observability"
)

const (
	DefaultMinInterval = time.Second
	DefaultRetryMargin = 100 * time.Millisecond
	DefaultRetryAfter  = time.Second
	DefaultCallTimeout = 10 * time.Second
)

// Editor applies a render update on the platform.
type Editor interface {
	EditMessage(ctx context.Context, update channels.RenderUpdate) error
}

// Config tunes the pacing of outbound calls.
type Config struct {
	MinInterval time.Duration
	RetryMargin time.Duration
	// DefaultRetryAfter is used when a rate-limit rejection carries no hint.
	DefaultRetryAfter time.Duration
	CallTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.RetryMargin < 0 {
		c.RetryMargin = 0
	} else if c.RetryMargin == 0 {
		c.RetryMargin = DefaultRetryMargin
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = DefaultRetryAfter
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Option customizes a Throttler.
type Option func(*Throttler)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(t *Throttler) { t.logger = logging.OrNop(logger) }
}

// WithMetrics records call outcomes and queue depth.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(t *Throttler) { t.metrics = metrics }
}

// WithClock replaces the time source and timer used for pacing.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(t *Throttler) {
		if now != nil {
			t.now = now
		}
		if after != nil {
			t.after = after
		}
	}
}

type entry struct {
	update channels.RenderUpdate
	seq    uint64
}

// Throttler is the single-flight outbound update scheduler.
type Throttler struct {
	editor  Editor
	cfg     Config
	logger  logging.Logger
	metrics *observability.Metrics
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	queue    *list.List
	index    map[channels.MessageKey]*list.Element
	seq      uint64
	nextCall time.Time
	started  bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Throttler delivering updates to editor.
func New(editor Editor, cfg Config, opts ...Option) *Throttler {
	t := &Throttler{
		editor:  editor,
		cfg:     cfg.withDefaults(),
		logger:  logging.Nop(),
		now:     time.Now,
		after:   time.After,
		queue:   list.New(),
		index:   make(map[channels.MessageKey]*list.Element),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Enqueue schedules update. A queued update for the same message is replaced
// in place and keeps its position.
func (t *Throttler) Enqueue(update channels.RenderUpdate) {
	key := update.Key()
	t.mu.Lock()
	t.seq++
	if el, ok := t.index[key]; ok {
		e := el.Value.(*entry)
		e.update = coalesce(e.update, update)
		e.seq = t.seq
	} else {
		t.index[key] = t.queue.PushBack(&entry{update: update, seq: t.seq})
	}
	depth := t.queue.Len()
	t.mu.Unlock()

	t.metrics.RecordRenderPending(context.Background(), depth)
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// coalesce folds next into a queued prev. Once controls are cleared they
// stay cleared, and a pending text change survives a later clear.
func coalesce(prev, next channels.RenderUpdate) channels.RenderUpdate {
	if !prev.ClearControls && !next.ClearControls {
		return next
	}
	if next.Text == "" {
		next.Text = prev.Text
	}
	next.Buttons = nil
	next.ClearControls = true
	return next
}

// Len returns the number of queued updates.
func (t *Throttler) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}

// Pending reports whether an update for key is queued.
func (t *Throttler) Pending(key channels.MessageKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[key]
	return ok
}

// Start launches the drain loop. It runs until ctx is cancelled or Stop is called.
func (t *Throttler) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	async.Go(t.logger, "throttle drain loop", func() { t.run(ctx) })
}

// Stop halts the drain loop and waits for an in-flight call to finish. Safe
// to call multiple times. Queued updates are discarded.
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.mu.Lock()
		started := t.started
		t.started = true
		t.mu.Unlock()
		if !started {
			close(t.stopped)
		}
	})
	<-t.stopped
}

// Done returns a channel closed once the drain loop has exited.
func (t *Throttler) Done() <-chan struct{} {
	return t.stopped
}

func (t *Throttler) run(ctx context.Context) {
	defer close(t.stopped)
	for {
		if _, ok := t.front(); !ok {
			select {
			case <-t.wake:
				continue
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
		}

		t.mu.Lock()
		wait := t.nextCall.Sub(t.now())
		t.mu.Unlock()
		if wait > 0 {
			select {
			case <-t.after(wait):
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			}
		}

		// The head may have been replaced while waiting.
		e, ok := t.front()
		if !ok {
			continue
		}
		t.dispatch(ctx, e)
	}
}

func (t *Throttler) front() (entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el := t.queue.Front()
	if el == nil {
		return entry{}, false
	}
	return *el.Value.(*entry), true
}

func (t *Throttler) dispatch(ctx context.Context, e entry) {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	var err error
	if perr := async.Call(t.logger, "throttle.edit", func() {
		err = t.editor.EditMessage(callCtx, e.update)
	}); perr != nil {
		err = perr
	}
	cancel()

	now := t.now()
	key := e.update.Key()
	var result string

	t.mu.Lock()
	switch {
	case err == nil:
		t.completeLocked(key, e.seq)
		t.nextCall = now.Add(t.cfg.MinInterval)
		result = "ok"
	case boterrors.IsRateLimited(err):
		retry, _ := boterrors.RetryAfter(err)
		if retry <= 0 {
			retry = t.cfg.DefaultRetryAfter
		}
		t.nextCall = now.Add(retry + t.cfg.RetryMargin)
		result = "rate_limited"
	default:
		t.completeLocked(key, e.seq)
		t.nextCall = now.Add(t.cfg.MinInterval)
		result = "dropped"
	}
	depth := t.queue.Len()
	t.mu.Unlock()

	switch result {
	case "rate_limited":
		t.logger.Warn("render %d/%d rate limited, retrying in %s", key.ChatID, key.MessageID, t.nextCallIn(now))
	case "dropped":
		t.logger.Warn("render %d/%d dropped: %v", key.ChatID, key.MessageID, err)
	}
	t.metrics.RecordRenderCall(ctx, result)
	t.metrics.RecordRenderPending(ctx, depth)
}

// completeLocked removes the entry unless it was replaced while in flight.
func (t *Throttler) completeLocked(key channels.MessageKey, seq uint64) {
	el, ok := t.index[key]
	if !ok || el.Value.(*entry).seq != seq {
		return
	}
	t.queue.Remove(el)
	delete(t.index, key)
}

func (t *Throttler) nextCallIn(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextCall.Sub(now)
}
