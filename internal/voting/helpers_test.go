package voting

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	"d7bot/internal/storage/redisstore"
	"d7bot/internal/tasks"
)

const testChat int64 = -1001

type recordingRenderer struct {
	mu      sync.Mutex
	updates []channels.RenderUpdate
}

func (r *recordingRenderer) Enqueue(update channels.RenderUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recordingRenderer) all() []channels.RenderUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channels.RenderUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

func (r *recordingRenderer) clears() []channels.RenderUpdate {
	var out []channels.RenderUpdate
	for _, u := range r.all() {
		if u.ClearControls {
			out = append(out, u)
		}
	}
	return out
}

type scheduledTask struct {
	delay time.Duration
	fn    tasks.Func
}

type fakeScheduler struct {
	mu    sync.Mutex
	next  int
	tasks map[tasks.Handle]scheduledTask
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{tasks: map[tasks.Handle]scheduledTask{}}
}

func (s *fakeScheduler) Schedule(delay time.Duration, fn tasks.Func) tasks.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := tasks.Handle(fmt.Sprintf("task_%d", s.next))
	s.tasks[h] = scheduledTask{delay: delay, fn: fn}
	return h
}

func (s *fakeScheduler) Cancel(h tasks.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[h]; !ok {
		return false
	}
	delete(s.tasks, h)
	return true
}

func (s *fakeScheduler) pending() []scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// fireAll runs every pending task as the runner would.
func (s *fakeScheduler) fireAll(ctx context.Context) {
	s.mu.Lock()
	due := s.tasks
	s.tasks = map[tasks.Handle]scheduledTask{}
	s.mu.Unlock()
	for _, t := range due {
		t.fn(ctx)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	registry  *Registry
	store     *redisstore.Store
	redis     *miniredis.Miniredis
	messenger *channels.RecordingMessenger
	renderer  *recordingRenderer
	scheduler *fakeScheduler
	clock     *testClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := redisstore.New(client, "test")
	require.NoError(t, err)

	h := &harness{
		store:     store,
		redis:     mr,
		messenger: channels.NewRecordingMessenger(),
		renderer:  &recordingRenderer{},
		scheduler: newFakeScheduler(),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	mr.SetTime(h.clock.now)
	h.registry, err = New(cfg, Deps{
		Store:     store,
		Messenger: h.messenger,
		Renderer:  h.renderer,
		Scheduler: h.scheduler,
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) vote(t *testing.T, pollID int64, userID int64, option int) (bool, error) {
	t.Helper()
	return h.registry.HandleCallback(context.Background(), channels.CallbackEvent{
		ID:        fmt.Sprintf("cb-%d-%d", userID, option),
		ChatID:    testChat,
		MessageID: 0,
		From:      channels.User{ID: userID, Username: fmt.Sprintf("user%d", userID), FirstName: fmt.Sprintf("User %d", userID)},
		Data:      EncodeCallback(pollID, option),
	})
}

func (h *harness) lastAck(t *testing.T) string {
	t.Helper()
	acks := h.messenger.CallsByMethod("AnswerCallback")
	require.NotEmpty(t, acks)
	return acks[len(acks)-1].Text
}

func (h *harness) getPoll(t *testing.T, pollID int64) *poll.Poll {
	t.Helper()
	p, err := h.store.GetPoll(context.Background(), poll.Key{ChatID: testChat, PollID: pollID})
	require.NoError(t, err)
	return p
}

func yesNo(message string) poll.Payload {
	return poll.Payload{Type: "ro", Message: message, Options: []string{"Yes", "No"}}
}

func noopHandler(context.Context, int64, int64, poll.Payload, poll.Tally) error { return nil }
