package channels

import (
	"context"
	"sync"
	"time"
)

// MessengerCall records a single outbound call made through a Messenger.
type MessengerCall struct {
	Method     string // "SendMessage", "EditMessage", "DeleteMessage", "AnswerCallback", "IsChatMember", "IsChatAdmin", "RestrictMember"
	ChatID     int64
	MessageID  int
	ReplyTo    int
	Text       string
	Buttons    []Button
	Clear      bool
	CallbackID string
	Alert      bool
	UserID     int64
	Until      time.Time
}

// RecordingMessenger implements Messenger and Restrictor by recording all
// outbound calls for later assertion in tests.
type RecordingMessenger struct {
	mu    sync.Mutex
	calls []MessengerCall

	// NextMessageID is returned by the next SendMessage. When zero a sequential id is used.
	NextMessageID int

	// NextError, when set, is returned by the next call (any method) and then cleared.
	NextError error

	// MethodErrors are returned by every call of the named method.
	MethodErrors map[string]error

	// NonMembers lists user ids IsChatMember reports as absent.
	NonMembers map[int64]bool

	// Admins lists user ids IsChatAdmin reports as administrators.
	Admins map[int64]bool

	sendCount int
}

// NewRecordingMessenger creates a RecordingMessenger with sensible defaults.
func NewRecordingMessenger() *RecordingMessenger {
	return &RecordingMessenger{
		MethodErrors: map[string]error{},
		NonMembers:   map[int64]bool{},
		Admins:       map[int64]bool{},
	}
}

func (r *RecordingMessenger) record(call MessengerCall) error {
	r.calls = append(r.calls, call)
	if r.NextError != nil {
		err := r.NextError
		r.NextError = nil
		return err
	}
	return r.MethodErrors[call.Method]
}

func (r *RecordingMessenger) nextMsgID() int {
	if r.NextMessageID != 0 {
		id := r.NextMessageID
		r.NextMessageID = 0
		return id
	}
	r.sendCount++
	return 1000 + r.sendCount
}

func (r *RecordingMessenger) SendMessage(_ context.Context, msg OutgoingMessage) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buttons := append([]Button(nil), msg.Buttons...)
	if err := r.record(MessengerCall{Method: "SendMessage", ChatID: msg.ChatID, ReplyTo: msg.ReplyTo, Text: msg.Text, Buttons: buttons}); err != nil {
		return 0, err
	}
	return r.nextMsgID(), nil
}

func (r *RecordingMessenger) EditMessage(_ context.Context, update RenderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	buttons := append([]Button(nil), update.Buttons...)
	return r.record(MessengerCall{
		Method:    "EditMessage",
		ChatID:    update.ChatID,
		MessageID: update.MessageID,
		Text:      update.Text,
		Buttons:   buttons,
		Clear:     update.ClearControls,
	})
}

func (r *RecordingMessenger) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(MessengerCall{Method: "DeleteMessage", ChatID: chatID, MessageID: messageID})
}

func (r *RecordingMessenger) AnswerCallback(_ context.Context, callbackID, text string, alert bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(MessengerCall{Method: "AnswerCallback", CallbackID: callbackID, Text: text, Alert: alert})
}

func (r *RecordingMessenger) IsChatMember(_ context.Context, chatID, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(MessengerCall{Method: "IsChatMember", ChatID: chatID, UserID: userID}); err != nil {
		return false, err
	}
	return !r.NonMembers[userID], nil
}

func (r *RecordingMessenger) IsChatAdmin(_ context.Context, chatID, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(MessengerCall{Method: "IsChatAdmin", ChatID: chatID, UserID: userID}); err != nil {
		return false, err
	}
	return r.Admins[userID], nil
}

func (r *RecordingMessenger) RestrictMember(_ context.Context, chatID, userID int64, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(MessengerCall{Method: "RestrictMember", ChatID: chatID, UserID: userID, Until: until})
}

// Calls returns a snapshot of all recorded calls.
func (r *RecordingMessenger) Calls() []MessengerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MessengerCall, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsByMethod returns calls filtered by method name.
func (r *RecordingMessenger) CallsByMethod(method string) []MessengerCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MessengerCall
	for _, c := range r.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears all recorded calls.
func (r *RecordingMessenger) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
	r.sendCount = 0
}

var (
	_ Messenger    = (*RecordingMessenger)(nil)
	_ Restrictor   = (*RecordingMessenger)(nil)
	_ AdminChecker = (*RecordingMessenger)(nil)
)
