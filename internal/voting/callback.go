package voting

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"d7bot/internal/async"
	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/observability"
)

// Toast texts shown to a voter when their button press is acknowledged.
const (
	AckCounted       = "Your vote has been counted!"
	AckUnchanged     = "Your vote has not changed."
	AckNotMember     = "Error! You are not a member of the chat running this poll."
	AckPollInactive  = "This poll is no longer active."
	AckExpired       = "This poll has expired."
	AckInvalidOption = "Unknown option."
	AckFailed        = "Something went wrong, please try again later."
)

// HandleCallback processes a button press. It reports false when the event
// does not carry a vote payload, leaving it to other handlers. A returned
// error means the vote could not be recorded; the voter has already been
// answered.
func (r *Registry) HandleCallback(ctx context.Context, event channels.CallbackEvent) (bool, error) {
	pollID, option, ok := DecodeCallback(event.Data)
	if !ok {
		return false, nil
	}
	started := r.now()
	key := poll.Key{ChatID: event.ChatID, PollID: pollID}

	ctx, span := r.tracer.Start(ctx, observability.SpanPollVote, trace.WithAttributes(
		append(observability.PollAttrs(key.ChatID, key.PollID), attribute.Int(observability.AttrOption, option))...,
	))
	defer span.End()

	result, err := r.handleVote(ctx, event, key, option)
	if err != nil {
		span.RecordError(err)
	}
	r.metrics.RecordVote(ctx, result, r.now().Sub(started))
	return true, err
}

func (r *Registry) handleVote(ctx context.Context, event channels.CallbackEvent, key poll.Key, option int) (string, error) {
	p, err := r.store.GetPoll(ctx, key)
	if err != nil {
		r.ack(ctx, event, AckFailed)
		return "failed", err
	}
	if p == nil {
		return r.rejectInactive(ctx, event), nil
	}

	now := r.now()
	if p.Expired(now) {
		r.ack(ctx, event, AckExpired)
		_, err := r.stopPoll(ctx, key, "expired")
		return "rejected", err
	}

	handler, ok := r.handler(p.Kind())
	if !ok {
		r.logger.Warn("Poll %s has no handler for %s, stopping", key, p.Kind())
		r.ack(ctx, event, AckPollInactive)
		_, err := r.stopPoll(ctx, key, "corrupted")
		return "rejected", err
	}

	if option < 0 || option >= p.OptionCount() {
		r.ack(ctx, event, AckInvalidOption)
		return "rejected", nil
	}

	if r.cfg.CheckMembership {
		member, err := r.messenger.IsChatMember(ctx, key.ChatID, event.From.ID)
		if err != nil {
			r.ack(ctx, event, AckFailed)
			return "failed", fmt.Errorf("check membership: %w", err)
		}
		if !member {
			r.ack(ctx, event, AckNotMember)
			return "rejected", nil
		}
	}

	ballot := poll.Ballot{
		Voter: poll.Voter{
			ID:       event.From.ID,
			Username: event.From.Username,
			Name:     event.From.DisplayName(),
			VotedAt:  now,
		},
		Option: option,
	}
	res, err := r.store.CastVote(ctx, key, ballot, p.OptionCount(), r.retainUntil(*p))
	if errors.Is(err, boterrors.ErrPollNotFound) {
		// Stopped between the metadata read and the cast.
		return r.rejectInactive(ctx, event), nil
	}
	if err != nil {
		r.ack(ctx, event, AckFailed)
		return "failed", err
	}
	if !res.Changed {
		r.ack(ctx, event, AckUnchanged)
		return "unchanged", nil
	}

	r.renderer.Enqueue(channels.RenderUpdate{
		ChatID:    key.ChatID,
		MessageID: p.MessageID,
		Text:      Render(*p, res.Tally),
		Buttons:   Controls(*p),
	})
	r.ack(ctx, event, AckCounted)
	r.runOutcome(ctx, handler, *p, res.Tally)
	return "changed", nil
}

// rejectInactive answers a vote on a poll that no longer exists and strips
// the buttons from the message it came from.
func (r *Registry) rejectInactive(ctx context.Context, event channels.CallbackEvent) string {
	r.ack(ctx, event, AckPollInactive)
	if event.MessageID != 0 {
		r.renderer.Enqueue(channels.ClearControlsUpdate(event.ChatID, event.MessageID))
	}
	return "rejected"
}

func (r *Registry) runOutcome(ctx context.Context, handler OutcomeHandler, p poll.Poll, tally poll.Tally) {
	var herr error
	if err := async.Call(r.logger, "outcome "+p.Kind().String(), func() {
		herr = handler(ctx, p.ChatID, p.ID, p.Payload, tally)
	}); err != nil {
		herr = err
	}
	if herr != nil {
		r.logger.Warn("Poll %s: outcome handler failed: %v", p.Key(), herr)
	}
}

func (r *Registry) ack(ctx context.Context, event channels.CallbackEvent, text string) {
	if event.ID == "" {
		return
	}
	if err := r.messenger.AnswerCallback(ctx, event.ID, text, false); err != nil {
		r.logger.Debug("Answer callback %s failed: %v", event.ID, err)
	}
}
