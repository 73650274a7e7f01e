// Package rovote lets a chat vote a member into read-only mode. A reply with
// /ro_poll starts a two-option poll; once either option collects the chat's
// configured number of votes the poll ends and the result is applied.
package rovote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	"d7bot/internal/logging"
	"d7bot/internal/tasks"
	"d7bot/internal/voting"
)

const (
	Module   = "ro_voting"
	PollType = "ro"

	StartCommand     = "ro_poll"
	ThresholdCommand = "set_number_of_votes"

	thresholdField = "number_of_votes"
)

const (
	optionRestrict = 0
	optionPardon   = 1
)

// Replies sent by the feature.
const (
	ReplyNeedsCitation = "This command only works as a reply to a message."
	ReplyNotAdmin      = "You do not have permission to do this."
	ReplyBadThreshold  = "Please send the number of votes as a positive whole number."
	ReplyFailed        = "Something went wrong, please try again later."
)

// Config tunes the feature.
type Config struct {
	DefaultThreshold int
	// Restriction is how long a member stays read-only.
	Restriction time.Duration
	PollTTL     time.Duration
	// AnnouncementTTL is how long feature replies stay in the chat.
	AnnouncementTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultThreshold <= 0 {
		c.DefaultThreshold = 5
	}
	if c.Restriction <= 0 {
		c.Restriction = 24 * time.Hour
	}
	if c.PollTTL <= 0 {
		c.PollTTL = time.Hour
	}
	if c.AnnouncementTTL <= 0 {
		c.AnnouncementTTL = 5 * time.Minute
	}
	return c
}

// Registry is the part of the poll engine the feature uses.
type Registry interface {
	Register(module, pollType string, handler voting.OutcomeHandler) error
	StartPoll(ctx context.Context, module string, payload poll.Payload, chatID int64, anonymous bool, ttl time.Duration) (int64, error)
	EndPoll(ctx context.Context, chatID, pollID int64) (bool, error)
}

// SettingsStore holds per-chat module settings.
type SettingsStore interface {
	GetConfigValue(ctx context.Context, chatID int64, module, field string, dst any) (bool, error)
	SetConfigValue(ctx context.Context, chatID int64, module, field string, value any) error
}

// Scheduler runs delayed callbacks.
type Scheduler interface {
	Schedule(delay time.Duration, fn tasks.Func) tasks.Handle
}

// CommandRouter binds chat commands.
type CommandRouter interface {
	HandleCommand(name string, h channels.CommandHandler)
}

// Deps are the collaborators of a Feature.
type Deps struct {
	Registry   Registry
	Settings   SettingsStore
	Messenger  channels.Messenger
	Restrictor channels.Restrictor
	Admins     channels.AdminChecker
	Scheduler  Scheduler
	Logger     logging.Logger
	Now        func() time.Time
}

// Feature is the read-only vote.
type Feature struct {
	cfg        Config
	registry   Registry
	settings   SettingsStore
	messenger  channels.Messenger
	restrictor channels.Restrictor
	admins     channels.AdminChecker
	scheduler  Scheduler
	logger     logging.Logger
	now        func() time.Time
}

// pollData is stored in the poll payload.
type pollData struct {
	UserID      int64  `json:"user_id"`
	UserName    string `json:"user_name"`
	Threshold   int    `json:"threshold"`
	Restriction int64  `json:"restriction_seconds"`
	ReplyTo     int    `json:"reply_to"`
}

// New creates the feature.
func New(cfg Config, deps Deps) (*Feature, error) {
	if deps.Registry == nil || deps.Settings == nil || deps.Messenger == nil ||
		deps.Restrictor == nil || deps.Admins == nil || deps.Scheduler == nil {
		return nil, errors.New("rovote: missing dependency")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Feature{
		cfg:        cfg.withDefaults(),
		registry:   deps.Registry,
		settings:   deps.Settings,
		messenger:  deps.Messenger,
		restrictor: deps.Restrictor,
		admins:     deps.Admins,
		scheduler:  deps.Scheduler,
		logger:     logging.OrNop(deps.Logger),
		now:        now,
	}, nil
}

// Install registers the poll type and the chat commands.
func (f *Feature) Install(router CommandRouter) error {
	if err := f.registry.Register(Module, PollType, f.onVote); err != nil {
		return err
	}
	router.HandleCommand(StartCommand, f.startPoll)
	router.HandleCommand(ThresholdCommand, f.setThreshold)
	return nil
}

func (f *Feature) startPoll(ctx context.Context, event channels.CommandEvent) error {
	if event.ReplyTo == nil || event.ReplyTo.From.ID == 0 {
		return f.announce(ctx, event.ChatID, event.MessageID, ReplyNeedsCitation)
	}
	target := event.ReplyTo.From
	threshold, err := f.threshold(ctx, event.ChatID)
	if err != nil {
		_ = f.announce(ctx, event.ChatID, event.MessageID, ReplyFailed)
		return err
	}

	name := target.DisplayName()
	period := humanDuration(f.cfg.Restriction)
	data, err := json.Marshal(pollData{
		UserID:      target.ID,
		UserName:    name,
		Threshold:   threshold,
		Restriction: int64(f.cfg.Restriction / time.Second),
		ReplyTo:     event.ReplyTo.MessageID,
	})
	if err != nil {
		return fmt.Errorf("encode poll data: %w", err)
	}
	payload := poll.Payload{
		Type: PollType,
		Message: fmt.Sprintf("Proposal: read-only for %s for %s. %d votes needed. Go press the buttons!",
			html.EscapeString(name), period, threshold),
		Options: []string{"Read-only for " + period, "Forgive and forget"},
		Data:    data,
	}
	if _, err := f.registry.StartPoll(ctx, Module, payload, event.ChatID, false, f.cfg.PollTTL); err != nil {
		_ = f.announce(ctx, event.ChatID, event.MessageID, ReplyFailed)
		return err
	}
	return nil
}

func (f *Feature) setThreshold(ctx context.Context, event channels.CommandEvent) error {
	admin, err := f.admins.IsChatAdmin(ctx, event.ChatID, event.From.ID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if !admin {
		return f.announce(ctx, event.ChatID, event.MessageID, ReplyNotAdmin)
	}
	n, err := strconv.Atoi(strings.TrimSpace(event.Args))
	if err != nil || n <= 0 {
		return f.announce(ctx, event.ChatID, event.MessageID, ReplyBadThreshold)
	}
	if err := f.settings.SetConfigValue(ctx, event.ChatID, Module, thresholdField, n); err != nil {
		_ = f.announce(ctx, event.ChatID, event.MessageID, ReplyFailed)
		return err
	}
	return f.announce(ctx, event.ChatID, event.MessageID, fmt.Sprintf("Read-only now needs %d votes.", n))
}

func (f *Feature) threshold(ctx context.Context, chatID int64) (int, error) {
	var n int
	found, err := f.settings.GetConfigValue(ctx, chatID, Module, thresholdField, &n)
	if err != nil {
		return 0, err
	}
	if !found || n <= 0 {
		return f.cfg.DefaultThreshold, nil
	}
	return n, nil
}

// onVote is the outcome handler.
func (f *Feature) onVote(ctx context.Context, chatID, pollID int64, payload poll.Payload, tally poll.Tally) error {
	var data pollData
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return fmt.Errorf("decode poll data: %w", err)
	}

	var apply func(context.Context, int64, pollData) error
	switch {
	case tally.Count(optionRestrict) >= data.Threshold:
		apply = f.restrict
	case tally.Count(optionPardon) >= data.Threshold:
		apply = f.pardon
	default:
		return nil
	}

	ended, err := f.registry.EndPoll(ctx, chatID, pollID)
	if err != nil || !ended {
		return err
	}
	return apply(ctx, chatID, data)
}

func (f *Feature) restrict(ctx context.Context, chatID int64, data pollData) error {
	name := html.EscapeString(data.UserName)
	admin, err := f.admins.IsChatAdmin(ctx, chatID, data.UserID)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if admin {
		return f.announce(ctx, chatID, data.ReplyTo, fmt.Sprintf("%s is an administrator, I will not restrict them.", name))
	}

	period := time.Duration(data.Restriction) * time.Second
	if err := f.restrictor.RestrictMember(ctx, chatID, data.UserID, f.now().Add(period)); err != nil {
		_ = f.announce(ctx, chatID, data.ReplyTo, ReplyFailed)
		return fmt.Errorf("restrict %d: %w", data.UserID, err)
	}
	f.logger.Info("Chat %d voted %d read-only for %s", chatID, data.UserID, period)
	return f.announce(ctx, chatID, data.ReplyTo, fmt.Sprintf("%s is read-only for %s.", name, humanDuration(period)))
}

func (f *Feature) pardon(ctx context.Context, chatID int64, data pollData) error {
	return f.announce(ctx, chatID, data.ReplyTo, fmt.Sprintf("%s may keep writing.", html.EscapeString(data.UserName)))
}

// announce replies in the chat and deletes the reply after AnnouncementTTL.
func (f *Feature) announce(ctx context.Context, chatID int64, replyTo int, text string) error {
	messageID, err := f.messenger.SendMessage(ctx, channels.OutgoingMessage{ChatID: chatID, Text: text, ReplyTo: replyTo})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	f.scheduler.Schedule(f.cfg.AnnouncementTTL, func(ctx context.Context) {
		if err := f.messenger.DeleteMessage(ctx, chatID, messageID); err != nil {
			f.logger.Debug("Delete announcement %d in chat %d: %v", messageID, chatID, err)
		}
	})
	return nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	default:
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
}
