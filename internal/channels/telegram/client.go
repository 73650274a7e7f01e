package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"d7bot/internal/channels"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/logging"
)

// BotAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// NewBotAPI connects to the Bot API and routes the library's logging into logger.
func NewBotAPI(cfg Config, logger logging.Logger) (*tgbotapi.BotAPI, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if err := tgbotapi.SetLogger(botLogger{logger: logging.OrNop(logger)}); err != nil {
		return nil, fmt.Errorf("telegram logger: %w", err)
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: cfg.withDefaults().PollTimeout + 10*time.Second})
	if err != nil {
		return nil, mapError(err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

// Client implements channels.Messenger and channels.Restrictor on the Telegram Bot API.
type Client struct {
	api     BotAPI
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewClient wraps api with a global outbound rate limit.
func NewClient(api BotAPI, cfg Config, logger logging.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logging.OrNop(logger),
	}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limiter: %w", err)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, msg channels.OutgoingMessage) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	cfg.ReplyToMessageID = msg.ReplyTo
	if len(msg.Buttons) > 0 {
		cfg.ReplyMarkup = keyboard(msg.Buttons)
	}
	sent, err := c.api.Send(cfg)
	if err != nil {
		return 0, mapError(err)
	}
	return sent.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, update channels.RenderUpdate) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.Request(editConfig(update))
	return mapError(err)
}

func editConfig(update channels.RenderUpdate) tgbotapi.Chattable {
	if update.ClearControls && update.Text == "" {
		return tgbotapi.NewEditMessageReplyMarkup(update.ChatID, update.MessageID, emptyKeyboard())
	}
	markup := emptyKeyboard()
	if !update.ClearControls {
		markup = keyboard(update.Buttons)
	}
	cfg := tgbotapi.NewEditMessageTextAndMarkup(update.ChatID, update.MessageID, update.Text, markup)
	cfg.ParseMode = tgbotapi.ModeHTML
	cfg.DisableWebPagePreview = true
	return cfg
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return mapError(err)
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	_, err := c.api.Request(cfg)
	return mapError(err)
}

func (c *Client) IsChatMember(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return false, mapError(err)
	}
	switch member.Status {
	case "left", "kicked":
		return false, nil
	default:
		return true, nil
	}
}

// IsChatAdmin reports whether userID is the creator or an administrator of chatID.
func (c *Client) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return false, mapError(err)
	}
	return member.Status == "creator" || member.Status == "administrator", nil
}

// RestrictMember revokes the right to send messages until the given time.
func (c *Client) RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.api.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		UntilDate:        until.Unix(),
		Permissions:      &tgbotapi.ChatPermissions{CanSendMessages: false},
	})
	return mapError(err)
}

func keyboard(buttons []channels.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func emptyKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}}
}

// mapError converts Bot API failures into the engine's error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return &boterrors.RateLimitedError{Err: err, RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		return &boterrors.TransientPlatformError{Err: err, StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	return &boterrors.TransientPlatformError{Err: err}
}

type botLogger struct {
	logger logging.Logger
}

func (l botLogger) Println(v ...any) {
	l.logger.Debug("telegram: %s", strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...any) {
	l.logger.Debug("telegram: "+format, v...)
}

var (
	_ channels.Messenger    = (*Client)(nil)
	_ channels.Restrictor   = (*Client)(nil)
	_ channels.AdminChecker = (*Client)(nil)
)
