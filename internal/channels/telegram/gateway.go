package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"d7bot/internal/async"
	"d7bot/internal/channels"
	"d7bot/internal/logging"
)

const (
	callbackDedupCacheSize = 4096
	callbackDedupTTL       = 10 * time.Minute
	handlerTimeout         = 30 * time.Second
)

// Gateway long-polls the Bot API and routes button presses and commands to
// registered handlers.
type Gateway struct {
	api       BotAPI
	messenger channels.Messenger
	cfg       Config
	logger    logging.Logger

	mu        sync.RWMutex
	callbacks []channels.CallbackHandler
	commands  map[string]channels.CommandHandler

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	now        func() time.Time
}

// NewGateway constructs a gateway. messenger answers callbacks no handler claimed.
func NewGateway(api BotAPI, messenger channels.Messenger, cfg Config, logger logging.Logger) (*Gateway, error) {
	if api == nil {
		return nil, errors.New("telegram gateway requires bot api")
	}
	if messenger == nil {
		return nil, errors.New("telegram gateway requires messenger")
	}
	dedupCache, err := lru.New[string, time.Time](callbackDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("telegram callback deduper init: %w", err)
	}
	cfg = cfg.withDefaults()
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	return &Gateway{
		api:        api,
		messenger:  messenger,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		commands:   make(map[string]channels.CommandHandler),
		dedupCache: dedupCache,
		now:        time.Now,
	}, nil
}

// HandleCallbacks appends a button-press handler. Handlers are tried in
// registration order until one claims the event.
func (g *Gateway) HandleCallbacks(h channels.CallbackHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callbacks = append(g.callbacks, h)
}

// HandleCommand binds a bot command (without the leading slash).
func (g *Gateway) HandleCommand(name string, h channels.CommandHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commands[strings.ToLower(strings.TrimPrefix(name, "/"))] = h
}

// Start receives updates until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(g.cfg.PollTimeout / time.Second)
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates := g.api.GetUpdatesChan(cfg)
	g.logger.Info("Telegram gateway receiving updates (bot=@%s)", g.cfg.BotUsername)

	for {
		select {
		case <-ctx.Done():
			g.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			g.handleUpdate(ctx, update)
		}
	}
}

func (g *Gateway) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	ctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()
	_ = async.Call(g.logger, fmt.Sprintf("telegram update %d", update.UpdateID), func() {
		switch {
		case update.CallbackQuery != nil:
			g.handleCallback(ctx, update.CallbackQuery)
		case update.Message != nil:
			g.handleMessage(ctx, update.Message)
		}
	})
}

func (g *Gateway) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if g.isDuplicateCallback(query.ID) {
		g.logger.Debug("Duplicate callback %s ignored", query.ID)
		return
	}
	event := callbackEvent(query)

	g.mu.RLock()
	handlers := append([]channels.CallbackHandler(nil), g.callbacks...)
	g.mu.RUnlock()

	for _, h := range handlers {
		handled, err := h(ctx, event)
		if err != nil {
			g.logger.Warn("Callback %s in chat %d failed: %v", event.ID, event.ChatID, err)
		}
		if handled {
			return
		}
	}
	if err := g.messenger.AnswerCallback(ctx, query.ID, "", false); err != nil {
		g.logger.Debug("Answer unclaimed callback %s: %v", query.ID, err)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	event, ok := g.commandEvent(msg)
	if !ok {
		return
	}
	g.mu.RLock()
	h := g.commands[event.Command]
	g.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h(ctx, event); err != nil {
		g.logger.Warn("Command /%s in chat %d failed: %v", event.Command, event.ChatID, err)
	}
}

// commandEvent extracts a command addressed to this bot. Commands mentioning
// another bot are ignored.
func (g *Gateway) commandEvent(msg *tgbotapi.Message) (channels.CommandEvent, bool) {
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return channels.CommandEvent{}, false
	}
	_, mention, hasMention := strings.Cut(msg.CommandWithAt(), "@")
	if hasMention && g.cfg.BotUsername != "" && !strings.EqualFold(mention, g.cfg.BotUsername) {
		return channels.CommandEvent{}, false
	}
	event := channels.CommandEvent{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		From:      user(msg.From),
		Command:   strings.ToLower(msg.Command()),
		Args:      strings.TrimSpace(msg.CommandArguments()),
	}
	if reply := msg.ReplyToMessage; reply != nil {
		event.ReplyTo = &channels.ReplyTarget{
			MessageID: reply.MessageID,
			From:      user(reply.From),
			Buttons:   buttons(reply.ReplyMarkup),
		}
	}
	return event, true
}

func (g *Gateway) isDuplicateCallback(id string) bool {
	if id == "" {
		return false
	}
	g.dedupMu.Lock()
	defer g.dedupMu.Unlock()

	now := g.now()
	if ts, ok := g.dedupCache.Get(id); ok {
		if now.Sub(ts) <= callbackDedupTTL {
			return true
		}
		g.dedupCache.Remove(id)
	}
	g.dedupCache.Add(id, now)
	return false
}

func callbackEvent(query *tgbotapi.CallbackQuery) channels.CallbackEvent {
	event := channels.CallbackEvent{
		ID:   query.ID,
		From: user(query.From),
		Data: query.Data,
	}
	if msg := query.Message; msg != nil {
		event.MessageID = msg.MessageID
		if msg.Chat != nil {
			event.ChatID = msg.Chat.ID
		}
	}
	return event
}

func user(u *tgbotapi.User) channels.User {
	if u == nil {
		return channels.User{}
	}
	return channels.User{ID: u.ID, Username: u.UserName, FirstName: u.FirstName, LastName: u.LastName}
}

func buttons(markup *tgbotapi.InlineKeyboardMarkup) []channels.Button {
	if markup == nil {
		return nil
	}
	var out []channels.Button
	for _, row := range markup.InlineKeyboard {
		for _, b := range row {
			if b.CallbackData == nil {
				continue
			}
			out = append(out, channels.Button{Label: b.Text, Data: *b.CallbackData})
		}
	}
	return out
}
