// Package voting is the poll engine: features register poll types with an
// outcome handler, start polls in a chat, and receive the tally after every
// accepted vote. Votes are stored atomically, rendering goes through the
// outbound throttler, and expiry runs on the deferred task runner.
package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/logging"
	"d7bot/internal/observability"
	"d7bot/internal/tasks"
)

const (
	DefaultRepostCooldown = 5 * time.Minute
	DefaultExpiryGrace    = time.Hour
)

// OutcomeHandler is invoked after every vote that changed the tally. It
// decides whether the poll is finished and acts on the result.
type OutcomeHandler func(ctx context.Context, chatID, pollID int64, payload poll.Payload, tally poll.Tally) error

// Store is the vote store used by the registry.
type Store interface {
	CastVote(ctx context.Context, key poll.Key, ballot poll.Ballot, optionCount int, retainUntil time.Time) (poll.VoteResult, error)
	ReadTally(ctx context.Context, key poll.Key, optionCount int) (poll.Tally, error)
	SavePoll(ctx context.Context, p poll.Poll, retainUntil time.Time) error
	GetPoll(ctx context.Context, key poll.Key) (*poll.Poll, error)
	DeletePoll(ctx context.Context, key poll.Key, optionCount int) (bool, error)
	RepointPoll(ctx context.Context, key poll.Key, messageID int, repostedAt time.Time) error
}

// Renderer queues message edits.
type Renderer interface {
	Enqueue(update channels.RenderUpdate)
}

// Scheduler runs delayed callbacks.
type Scheduler interface {
	Schedule(delay time.Duration, fn tasks.Func) tasks.Handle
	Cancel(h tasks.Handle) bool
}

// Config tunes poll lifecycle behaviour.
type Config struct {
	RepostCooldown time.Duration
	// ExpiryGrace keeps poll keys in the store past the deadline so a late
	// vote can still be answered and cleaned up.
	ExpiryGrace time.Duration
	// CheckMembership rejects votes from users who are not in the chat.
	CheckMembership bool
}

func (c Config) withDefaults() Config {
	if c.RepostCooldown <= 0 {
		c.RepostCooldown = DefaultRepostCooldown
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = DefaultExpiryGrace
	}
	return c
}

// Deps are the collaborators of a Registry. Logger, Metrics, Tracer and Now are optional.
type Deps struct {
	Store     Store
	Messenger channels.Messenger
	Renderer  Renderer
	Scheduler Scheduler
	Logger    logging.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Registry owns poll types and the lifecycle of every poll.
type Registry struct {
	store     Store
	messenger channels.Messenger
	renderer  Renderer
	scheduler Scheduler
	cfg       Config
	logger    logging.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	ids       *poll.IDGenerator

	mu       sync.RWMutex
	handlers map[poll.Kind]OutcomeHandler

	expiryMu sync.Mutex
	expiries map[poll.Key]tasks.Handle
}

// New creates a Registry.
func New(cfg Config, deps Deps) (*Registry, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("voting registry requires a store")
	case deps.Messenger == nil:
		return nil, errors.New("voting registry requires a messenger")
	case deps.Renderer == nil:
		return nil, errors.New("voting registry requires a renderer")
	case deps.Scheduler == nil:
		return nil, errors.New("voting registry requires a scheduler")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("d7bot")
	}
	return &Registry{
		store:     deps.Store,
		messenger: deps.Messenger,
		renderer:  deps.Renderer,
		scheduler: deps.Scheduler,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrNop(deps.Logger),
		metrics:   deps.Metrics,
		tracer:    tracer,
		now:       now,
		ids:       poll.NewIDGenerator(now),
		handlers:  make(map[poll.Kind]OutcomeHandler),
		expiries:  make(map[poll.Key]tasks.Handle),
	}, nil
}

// Register binds handler to polls of (module, pollType).
func (r *Registry) Register(module, pollType string, handler OutcomeHandler) error {
	if handler == nil {
		return fmt.Errorf("register %s:%s: nil handler", module, pollType)
	}
	kind := poll.Kind{Module: module, Type: pollType}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("%w: %s", boterrors.ErrDuplicateHandler, kind)
	}
	r.handlers[kind] = handler
	r.logger.Info("Registered poll type %s", kind)
	return nil
}

// Deregister removes the handler for (module, pollType). Polls of that kind
// that are still active are stopped on their next vote.
func (r *Registry) Deregister(module, pollType string) {
	kind := poll.Kind{Module: module, Type: pollType}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, kind)
}

func (r *Registry) handler(kind poll.Kind) (OutcomeHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// StartPoll posts a new poll in chatID and returns its id. The poll expires
// after ttl; a zero ttl yields a poll that is already expired for the next vote.
func (r *Registry) StartPoll(ctx context.Context, module string, payload poll.Payload, chatID int64, anonymous bool, ttl time.Duration) (int64, error) {
	kind := poll.Kind{Module: module, Type: payload.Type}
	ctx, span := r.tracer.Start(ctx, observability.SpanPollStart, trace.WithAttributes(
		attribute.Int64(observability.AttrChatID, chatID),
		attribute.String(observability.AttrKind, kind.String()),
	))
	defer span.End()

	id, err := r.startPoll(ctx, kind, payload, chatID, anonymous, ttl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int64(observability.AttrPollID, id))
	return id, nil
}

func (r *Registry) startPoll(ctx context.Context, kind poll.Kind, payload poll.Payload, chatID int64, anonymous bool, ttl time.Duration) (int64, error) {
	if _, ok := r.handler(kind); !ok {
		return 0, fmt.Errorf("%w: %s", boterrors.ErrUnknownPollType, kind)
	}
	if err := payload.Validate(); err != nil {
		return 0, err
	}
	if ttl < 0 {
		ttl = 0
	}

	now := r.now()
	p := poll.Poll{
		ID:        r.ids.Next(),
		ChatID:    chatID,
		Module:    kind.Module,
		Payload:   payload,
		Anonymous: anonymous,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	messageID, err := r.messenger.SendMessage(ctx, channels.OutgoingMessage{
		ChatID:  chatID,
		Text:    payload.Message,
		Buttons: Controls(p),
	})
	if err != nil {
		return 0, fmt.Errorf("send poll message: %w", err)
	}
	p.MessageID = messageID

	if err := r.store.SavePoll(ctx, p, r.retainUntil(p)); err != nil {
		if derr := r.messenger.DeleteMessage(ctx, chatID, messageID); derr != nil {
			r.logger.Warn("Poll %s: failed to delete orphaned message %d: %v", p.Key(), messageID, derr)
		}
		return 0, boterrors.NewStorageUnavailable("save poll", err)
	}

	r.scheduleExpiry(p.Key(), ttl)
	r.metrics.RecordPollStarted(ctx, kind.String())
	r.logger.Info("Poll %s started (kind=%s, options=%d, ttl=%s)", p.Key(), kind, p.OptionCount(), ttl)
	return p.ID, nil
}

// StopPoll ends a poll: its state is deleted and its buttons cleared. Stopping
// a poll that is already gone is a no-op.
func (r *Registry) StopPoll(ctx context.Context, chatID, pollID int64) error {
	_, err := r.stopPoll(ctx, poll.Key{ChatID: chatID, PollID: pollID}, "stop")
	return err
}

// EndPoll stops a poll like StopPoll and reports whether this call was the one
// that ended it. Outcome handlers use it to act on a result exactly once.
func (r *Registry) EndPoll(ctx context.Context, chatID, pollID int64) (bool, error) {
	return r.stopPoll(ctx, poll.Key{ChatID: chatID, PollID: pollID}, "stop")
}

func (r *Registry) stopPoll(ctx context.Context, key poll.Key, reason string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, observability.SpanPollStop, trace.WithAttributes(observability.PollAttrs(key.ChatID, key.PollID)...))
	defer span.End()

	p, err := r.store.GetPoll(ctx, key)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if p == nil {
		r.cancelExpiry(key)
		return false, nil
	}
	deleted, err := r.store.DeletePoll(ctx, key, p.OptionCount())
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !deleted {
		return false, nil
	}

	r.cancelExpiry(key)
	r.renderer.Enqueue(channels.ClearControlsUpdate(key.ChatID, p.MessageID))
	r.metrics.RecordPollStopped(ctx, reason)
	r.logger.Info("Poll %s stopped (%s)", key, reason)
	return true, nil
}

func (r *Registry) retainUntil(p poll.Poll) time.Time {
	return p.ExpiresAt.Add(r.cfg.ExpiryGrace)
}

func (r *Registry) scheduleExpiry(key poll.Key, ttl time.Duration) {
	h := r.scheduler.Schedule(ttl, func(ctx context.Context) {
		if _, err := r.stopPoll(ctx, key, "expired"); err != nil {
			r.logger.Warn("Poll %s: expiry failed: %v", key, err)
		}
	})
	r.expiryMu.Lock()
	r.expiries[key] = h
	r.expiryMu.Unlock()
}

func (r *Registry) cancelExpiry(key poll.Key) {
	r.expiryMu.Lock()
	h, ok := r.expiries[key]
	delete(r.expiries, key)
	r.expiryMu.Unlock()
	if ok {
		r.scheduler.Cancel(h)
	}
}
