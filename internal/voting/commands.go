package voting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"d7bot/internal/channels"
	boterrors "d7bot/internal/errors"
)

// RepostCommandName is the chat command that reposts the replied-to poll.
const RepostCommandName = "repost"

// Replies sent by the repost command.
const (
	ReplyRepostUsage    = "Reply to an active poll message with /repost to move it to the bottom of the chat."
	ReplyRepostInactive = "This poll is no longer active."
	ReplyRepostFailed   = "Could not repost the poll, please try again later."
)

// RepostCommand returns the handler for /repost. The command must reply to a
// poll message; the poll is located from that message's buttons.
func (r *Registry) RepostCommand() channels.CommandHandler {
	return func(ctx context.Context, event channels.CommandEvent) error {
		if event.ReplyTo == nil {
			return r.reply(ctx, event, ReplyRepostUsage)
		}
		pollID, ok := PollIDFromControls(event.ReplyTo.Buttons)
		if !ok {
			return r.reply(ctx, event, ReplyRepostUsage)
		}

		err := r.Repost(ctx, event.ChatID, pollID)
		var cooldown *boterrors.RepostCooldownError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &cooldown):
			return r.reply(ctx, event, fmt.Sprintf("Repost is on cooldown, try again in %s.", cooldown.Remaining.Round(time.Second)))
		case errors.Is(err, boterrors.ErrPollNotFound), errors.Is(err, boterrors.ErrPollExpired):
			return r.reply(ctx, event, ReplyRepostInactive)
		default:
			if rerr := r.reply(ctx, event, ReplyRepostFailed); rerr != nil {
				r.logger.Warn("Repost failure reply in chat %d: %v", event.ChatID, rerr)
			}
			return err
		}
	}
}

func (r *Registry) reply(ctx context.Context, event channels.CommandEvent, text string) error {
	_, err := r.messenger.SendMessage(ctx, channels.OutgoingMessage{
		ChatID:  event.ChatID,
		Text:    text,
		ReplyTo: event.MessageID,
	})
	return err
}
