package voting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
	"d7bot/internal/storage/redisstore"
)

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestRegisterDuplicateFails(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))

	err := h.registry.Register("ro_voting", "ro", noopHandler)
	require.ErrorIs(t, err, boterrors.ErrDuplicateHandler)

	require.NoError(t, h.registry.Register("ro_voting", "other", noopHandler))
	require.NoError(t, h.registry.Register("kick_voting", "ro", noopHandler))
}

func TestDeregisterAllowsReRegistration(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("m", "t", noopHandler))
	h.registry.Deregister("m", "t")
	require.NoError(t, h.registry.Register("m", "t", noopHandler))
}

func TestStartPollRejectsUnknownType(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Minute)
	require.ErrorIs(t, err, boterrors.ErrUnknownPollType)
	assert.Empty(t, h.messenger.Calls(), "nothing is sent for an unknown poll type")
}

func TestStartPollRejectsTooFewOptions(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))

	payload := poll.Payload{Type: "ro", Message: "?", Options: []string{"only"}}
	_, err := h.registry.StartPoll(context.Background(), "ro_voting", payload, testChat, false, time.Minute)
	require.ErrorIs(t, err, boterrors.ErrInvalidPoll)
	assert.Empty(t, h.messenger.Calls())
}

func TestStartPollSendsControlsAndPersists(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	h.messenger.NextMessageID = 321

	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("Mute bob?"), testChat, true, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().UnixMilli(), id)

	sends := h.messenger.CallsByMethod("SendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, "Mute bob?", sends[0].Text)
	require.Len(t, sends[0].Buttons, 2)
	assert.Equal(t, "Yes", sends[0].Buttons[0].Label)
	assert.Equal(t, EncodeCallback(id, 0), sends[0].Buttons[0].Data)
	assert.Equal(t, EncodeCallback(id, 1), sends[0].Buttons[1].Data)

	p := h.getPoll(t, id)
	require.NotNil(t, p)
	assert.Equal(t, 321, p.MessageID)
	assert.True(t, p.Anonymous)
	assert.Equal(t, "ro_voting", p.Module)
	assert.True(t, p.ExpiresAt.Equal(h.clock.Now().Add(10*time.Minute)))

	pending := h.scheduler.pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 10*time.Minute, pending[0].delay)
}

func TestStartPollStorageFailureDeletesMessage(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	require.NoError(t, h.store.Ping(context.Background()))
	h.redis.SetError("ERR backend failure")
	h.messenger.NextMessageID = 77

	_, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Minute)
	require.Error(t, err)
	assert.True(t, boterrors.IsStorageUnavailable(err))

	deletes := h.messenger.CallsByMethod("DeleteMessage")
	require.Len(t, deletes, 1)
	assert.Equal(t, 77, deletes[0].MessageID)
	assert.Empty(t, h.scheduler.pending())
}

func TestThresholdOutcomeStopsPoll(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var mu sync.Mutex
	var seenCounts []int
	handler := func(ctx context.Context, chatID, pollID int64, _ poll.Payload, tally poll.Tally) error {
		mu.Lock()
		seenCounts = append(seenCounts, tally.Count(0))
		mu.Unlock()
		if tally.Count(0) >= 3 {
			return h.registry.StopPoll(ctx, chatID, pollID)
		}
		return nil
	}
	require.NoError(t, h.registry.Register("ro_voting", "ro", handler))
	h.messenger.NextMessageID = 500
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("Mute?"), testChat, false, time.Hour)
	require.NoError(t, err)

	for _, user := range []int64{1, 2, 3} {
		handled, err := h.vote(t, id, user, 0)
		require.NoError(t, err)
		require.True(t, handled)
		assert.Equal(t, AckCounted, h.lastAck(t))
	}

	assert.Equal(t, []int{1, 2, 3}, seenCounts)
	assert.Nil(t, h.getPoll(t, id), "poll is deleted once the threshold is reached")

	clears := h.renderer.clears()
	require.Len(t, clears, 1)
	assert.Equal(t, 500, clears[0].MessageID)
	assert.Empty(t, h.scheduler.pending(), "expiry is cancelled")

	updates := h.renderer.all()
	require.Len(t, updates, 4)
	assert.Contains(t, updates[2].Text, "<b>[3]</b> Yes")
	assert.Equal(t, 500, updates[2].MessageID)

	handled, err := h.registry.HandleCallback(ctx, channels.CallbackEvent{
		ID:        "late",
		ChatID:    testChat,
		MessageID: 500,
		From:      channels.User{ID: 4, FirstName: "User 4"},
		Data:      EncodeCallback(id, 1),
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, AckPollInactive, h.lastAck(t))
	assert.Equal(t, []int{1, 2, 3}, seenCounts, "late vote never reaches the handler")

	clears = h.renderer.clears()
	require.Len(t, clears, 2)
	assert.Equal(t, 500, clears[1].MessageID)
	assert.Empty(t, h.redis.Keys(), "late vote writes nothing")
}

// stopAfterRead deletes the poll right after the registry reads it, as a
// concurrent stop would.
type stopAfterRead struct {
	*redisstore.Store
}

func (s stopAfterRead) GetPoll(ctx context.Context, key poll.Key) (*poll.Poll, error) {
	p, err := s.Store.GetPoll(ctx, key)
	if p != nil {
		if _, derr := s.Store.DeletePoll(ctx, key, p.OptionCount()); derr != nil {
			return nil, derr
		}
	}
	return p, err
}

func TestVoteOnPollStoppedMidCastIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	calls := 0
	require.NoError(t, h.registry.Register("ro_voting", "ro", func(context.Context, int64, int64, poll.Payload, poll.Tally) error {
		calls++
		return nil
	}))
	h.messenger.NextMessageID = 610
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	racing, err := New(Config{}, Deps{
		Store:     stopAfterRead{Store: h.store},
		Messenger: h.messenger,
		Renderer:  h.renderer,
		Scheduler: h.scheduler,
		Now:       h.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, racing.Register("ro_voting", "ro", func(context.Context, int64, int64, poll.Payload, poll.Tally) error {
		calls++
		return nil
	}))

	handled, err := racing.HandleCallback(ctx, channels.CallbackEvent{
		ID:        "cb",
		ChatID:    testChat,
		MessageID: 610,
		From:      channels.User{ID: 9, FirstName: "Nine"},
		Data:      EncodeCallback(id, 0),
	})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, AckPollInactive, h.lastAck(t))
	assert.Zero(t, calls)
	assert.Empty(t, h.redis.Keys(), "no ballot keys outlive the poll")

	updates := h.renderer.all()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].ClearControls)
	assert.Equal(t, 610, updates[0].MessageID)
}

func TestRepeatVoteIsUnchanged(t *testing.T) {
	h := newHarness(t, Config{})
	calls := 0
	require.NoError(t, h.registry.Register("ro_voting", "ro", func(context.Context, int64, int64, poll.Payload, poll.Tally) error {
		calls++
		return nil
	}))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	_, err = h.vote(t, id, 7, 1)
	require.NoError(t, err)
	_, err = h.vote(t, id, 7, 1)
	require.NoError(t, err)

	assert.Equal(t, AckUnchanged, h.lastAck(t))
	assert.Equal(t, 1, calls, "unchanged votes do not reach the outcome handler")
	assert.Len(t, h.renderer.all(), 1, "unchanged votes do not re-render")
}

func TestSwitchVoteRerenders(t *testing.T) {
	h := newHarness(t, Config{})
	var last poll.Tally
	require.NoError(t, h.registry.Register("ro_voting", "ro", func(_ context.Context, _, _ int64, _ poll.Payload, tally poll.Tally) error {
		last = tally
		return nil
	}))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	_, err = h.vote(t, id, 7, 0)
	require.NoError(t, err)
	_, err = h.vote(t, id, 7, 1)
	require.NoError(t, err)

	assert.Equal(t, AckCounted, h.lastAck(t))
	assert.Equal(t, 0, last.Count(0))
	assert.Equal(t, 1, last.Count(1))
	assert.Len(t, h.renderer.all(), 2)
}

func TestZeroTTLPollExpiresOnNextVote(t *testing.T) {
	h := newHarness(t, Config{})
	called := false
	require.NoError(t, h.registry.Register("ro_voting", "ro", func(context.Context, int64, int64, poll.Payload, poll.Tally) error {
		called = true
		return nil
	}))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, 0)
	require.NoError(t, err)

	handled, err := h.vote(t, id, 7, 0)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, AckExpired, h.lastAck(t))
	assert.False(t, called)
	assert.Nil(t, h.getPoll(t, id))
	assert.Len(t, h.renderer.clears(), 1)
}

func TestStopPollIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	require.NoError(t, h.registry.StopPoll(ctx, testChat, id))
	require.NoError(t, h.registry.StopPoll(ctx, testChat, id))

	assert.Len(t, h.renderer.clears(), 1)
	assert.Empty(t, h.scheduler.pending())
}

func TestConcurrentStopPollClearsOnce(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.registry.StopPoll(ctx, testChat, id))
		}()
	}
	wg.Wait()
	assert.Len(t, h.renderer.clears(), 1)
}

func TestExpiryTaskStopsPoll(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.scheduler.fireAll(ctx)

	assert.Nil(t, h.getPoll(t, id))
	assert.Len(t, h.renderer.clears(), 1)
}

func TestVoteOnMissingPollClearsStaleControls(t *testing.T) {
	h := newHarness(t, Config{})
	handled, err := h.registry.HandleCallback(context.Background(), channels.CallbackEvent{
		ID:        "cb-1",
		ChatID:    testChat,
		MessageID: 42,
		From:      channels.User{ID: 7},
		Data:      EncodeCallback(12345, 0),
	})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, AckPollInactive, h.lastAck(t))

	clears := h.renderer.clears()
	require.Len(t, clears, 1)
	assert.Equal(t, channels.MessageKey{ChatID: testChat, MessageID: 42}, clears[0].Key())
}

func TestNonVoteCallbackIsNotHandled(t *testing.T) {
	h := newHarness(t, Config{})
	handled, err := h.registry.HandleCallback(context.Background(), channels.CallbackEvent{ID: "x", ChatID: testChat, Data: "menu:open"})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Empty(t, h.messenger.Calls())
}

func TestVoteWithInvalidOption(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	_, err = h.vote(t, id, 7, 5)
	require.NoError(t, err)
	assert.Equal(t, AckInvalidOption, h.lastAck(t))
	assert.Empty(t, h.renderer.all())
}

func TestVoteForDeregisteredKindStopsPoll(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)
	h.registry.Deregister("ro_voting", "ro")

	_, err = h.vote(t, id, 7, 0)
	require.NoError(t, err)
	assert.Nil(t, h.getPoll(t, id))
	assert.Len(t, h.renderer.clears(), 1)
}

func TestMembershipCheckRejectsOutsiders(t *testing.T) {
	h := newHarness(t, Config{CheckMembership: true})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)
	h.messenger.NonMembers[99] = true

	_, err = h.vote(t, id, 99, 0)
	require.NoError(t, err)
	assert.Equal(t, AckNotMember, h.lastAck(t))
	assert.Empty(t, h.renderer.all())

	_, err = h.vote(t, id, 7, 0)
	require.NoError(t, err)
	assert.Equal(t, AckCounted, h.lastAck(t))
}

func TestStoreFailureFailsVote(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)
	h.redis.SetError("ERR backend failure")

	handled, err := h.vote(t, id, 7, 0)
	assert.True(t, handled)
	require.Error(t, err)
	assert.True(t, boterrors.IsStorageUnavailable(err))
	assert.Equal(t, AckFailed, h.lastAck(t))
	assert.Empty(t, h.renderer.all())
}

func TestRenderFailureDoesNotFailVote(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.registry.Register("ro_voting", "ro", func(context.Context, int64, int64, poll.Payload, poll.Tally) error {
		return errors.New("feature exploded")
	}))
	id, err := h.registry.StartPoll(context.Background(), "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)
	h.messenger.MethodErrors["AnswerCallback"] = &boterrors.TransientPlatformError{StatusCode: 400, Message: "query is too old"}

	_, err = h.vote(t, id, 7, 0)
	require.NoError(t, err, "ack and outcome failures do not fail the vote")
	assert.Len(t, h.renderer.all(), 1)
}

func TestRepostHonorsCooldown(t *testing.T) {
	h := newHarness(t, Config{RepostCooldown: 5 * time.Minute})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	h.messenger.NextMessageID = 100
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("Mute?"), testChat, false, time.Hour)
	require.NoError(t, err)
	_, err = h.vote(t, id, 7, 0)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	err = h.registry.Repost(ctx, testChat, id)
	var cooldown *boterrors.RepostCooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, 3*time.Minute, cooldown.Remaining)

	h.clock.Advance(3 * time.Minute)
	h.messenger.NextMessageID = 200
	require.NoError(t, h.registry.Repost(ctx, testChat, id))

	sends := h.messenger.CallsByMethod("SendMessage")
	require.Len(t, sends, 2)
	assert.True(t, strings.Contains(sends[1].Text, "<b>[1]</b> Yes"), sends[1].Text)
	assert.Len(t, sends[1].Buttons, 2)

	deletes := h.messenger.CallsByMethod("DeleteMessage")
	require.Len(t, deletes, 1)
	assert.Equal(t, 100, deletes[0].MessageID)

	p := h.getPoll(t, id)
	require.NotNil(t, p)
	assert.Equal(t, 200, p.MessageID)

	err = h.registry.Repost(ctx, testChat, id)
	require.ErrorAs(t, err, &cooldown, "cooldown restarts from the repost")

	_, err = h.vote(t, id, 8, 0)
	require.NoError(t, err)
	updates := h.renderer.all()
	assert.Equal(t, 200, updates[len(updates)-1].MessageID, "renders follow the reposted message")
}

func TestRepostMissingPoll(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.registry.Repost(context.Background(), testChat, 999)
	require.ErrorIs(t, err, boterrors.ErrPollNotFound)
}

func TestRepostExpiredPoll(t *testing.T) {
	h := newHarness(t, Config{RepostCooldown: time.Second})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	err = h.registry.Repost(ctx, testChat, id)
	require.ErrorIs(t, err, boterrors.ErrPollExpired)
	assert.Nil(t, h.getPoll(t, id))
}

func TestEndPollReportsSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("ro_voting", "ro", noopHandler))
	id, err := h.registry.StartPoll(ctx, "ro_voting", yesNo("?"), testChat, false, time.Hour)
	require.NoError(t, err)

	ended, err := h.registry.EndPoll(ctx, testChat, id)
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = h.registry.EndPoll(ctx, testChat, id)
	require.NoError(t, err)
	assert.False(t, ended)
}
