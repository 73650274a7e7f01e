// Package channels defines the platform-neutral contract between the voting
// engine and a messaging platform.
package channels

import (
	"context"
	"strings"
	"time"
)

// Button is one interactive control attached to a message.
type Button struct {
	Label string
	Data  string
}

// OutgoingMessage describes a message to send.
type OutgoingMessage struct {
	ChatID  int64
	Text    string
	ReplyTo int // zero when not a reply
	Buttons []Button
}

// MessageKey identifies a sent message.
type MessageKey struct {
	ChatID    int64
	MessageID int
}

// RenderUpdate mutates a previously sent message. With ClearControls set the
// text is left untouched and every button is removed.
type RenderUpdate struct {
	ChatID        int64
	MessageID     int
	Text          string
	Buttons       []Button
	ClearControls bool
}

// Key returns the coalescing key of the update.
func (u RenderUpdate) Key() MessageKey {
	return MessageKey{ChatID: u.ChatID, MessageID: u.MessageID}
}

// ClearControlsUpdate builds the "remove all buttons" update for a message.
func ClearControlsUpdate(chatID int64, messageID int) RenderUpdate {
	return RenderUpdate{ChatID: chatID, MessageID: messageID, ClearControls: true}
}

// User is the sender of an inbound event.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName joins first and last name, falling back to the username.
func (u User) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.Username
	}
	return name
}

// CallbackEvent is a button press delivered by the platform.
type CallbackEvent struct {
	ID        string
	ChatID    int64
	MessageID int // zero when the origin message is unknown
	From      User
	Data      string
}

// ReplyTarget is the message a command replied to.
type ReplyTarget struct {
	MessageID int
	From      User
	Buttons   []Button
}

// CommandEvent is a bot command addressed to this bot.
type CommandEvent struct {
	ChatID    int64
	MessageID int
	From      User
	Command   string
	Args      string
	ReplyTo   *ReplyTarget
}

// Messenger is the outbound half of a messaging platform.
type Messenger interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) (int, error)
	EditMessage(ctx context.Context, update RenderUpdate) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	IsChatMember(ctx context.Context, chatID, userID int64) (bool, error)
}

// Restrictor applies a temporary send-messages restriction to a chat member.
type Restrictor interface {
	RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error
}

// AdminChecker reports whether a user administers a chat.
type AdminChecker interface {
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// CallbackHandler consumes button presses. It reports false when the event
// was not addressed to it.
type CallbackHandler func(ctx context.Context, event CallbackEvent) (bool, error)

// CommandHandler consumes one bot command.
type CommandHandler func(ctx context.Context, event CommandEvent) error
