package voting

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/observability"
)

// Repost sends a fresh copy of the poll at the bottom of the chat and moves
// the poll onto it. Requests made within the cooldown of the last post fail
// with a RepostCooldownError.
func (r *Registry) Repost(ctx context.Context, chatID, pollID int64) error {
	key := poll.Key{ChatID: chatID, PollID: pollID}
	ctx, span := r.tracer.Start(ctx, observability.SpanRepost, trace.WithAttributes(observability.PollAttrs(chatID, pollID)...))
	defer span.End()

	p, err := r.store.GetPoll(ctx, key)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: %s", boterrors.ErrPollNotFound, key)
	}

	now := r.now()
	if p.Expired(now) {
		if _, err := r.stopPoll(ctx, key, "expired"); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", boterrors.ErrPollExpired, key)
	}
	if elapsed := now.Sub(p.LastPostedAt()); elapsed < r.cfg.RepostCooldown {
		return &boterrors.RepostCooldownError{Remaining: r.cfg.RepostCooldown - elapsed}
	}

	tally, err := r.store.ReadTally(ctx, key, p.OptionCount())
	if err != nil {
		return err
	}
	text := p.Payload.Message
	if tally.Total() > 0 {
		text = Render(*p, tally)
	}

	messageID, err := r.messenger.SendMessage(ctx, channels.OutgoingMessage{
		ChatID:  chatID,
		Text:    text,
		Buttons: Controls(*p),
	})
	if err != nil {
		return fmt.Errorf("send repost: %w", err)
	}

	if err := r.store.RepointPoll(ctx, key, messageID, now); err != nil {
		if derr := r.messenger.DeleteMessage(ctx, chatID, messageID); derr != nil {
			r.logger.Warn("Poll %s: failed to delete unused repost %d: %v", key, messageID, derr)
		}
		return err
	}

	if err := r.messenger.DeleteMessage(ctx, chatID, p.MessageID); err != nil {
		r.logger.Warn("Poll %s: failed to delete previous message %d: %v", key, p.MessageID, err)
	}
	r.logger.Info("Poll %s reposted as message %d", key, messageID)
	return nil
}
