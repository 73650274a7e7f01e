package voting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"d7bot/internal/channels"
	"d7bot/internal/domain/poll"
)

func renderPoll(anonymous bool) poll.Poll {
	return poll.Poll{
		ID:        1,
		Payload:   poll.Payload{Type: "ro", Message: "Mute <b>bob</b>?", Options: []string{"Yes", "No & pardon"}},
		Anonymous: anonymous,
	}
}

func TestRenderNamedResults(t *testing.T) {
	tally := poll.Tally{
		{{ID: 1, Name: "Ann", Username: "ann", VotedAt: time.Unix(1, 0)}, {ID: 2, Name: "<Bo>"}},
		nil,
	}
	got := Render(renderPoll(false), tally)
	want := "Mute <b>bob</b>?\n\n=============\nResults:\n=============\n" +
		"<b>[2]</b> Yes<b>:</b> <i>Ann</i>(@ann), <i>&lt;Bo&gt;</i>\n" +
		"<b>[0]</b> No &amp; pardon\n" +
		"============="
	assert.Equal(t, want, got)
}

func TestRenderAnonymousHidesVoters(t *testing.T) {
	tally := poll.Tally{{{ID: 1, Name: "Ann"}}, {{ID: 2, Name: "Bo"}}}
	got := Render(renderPoll(true), tally)
	assert.Contains(t, got, "<b>[1]</b> Yes\n")
	assert.Contains(t, got, "<b>[1]</b> No &amp; pardon\n")
	assert.NotContains(t, got, "Ann")
}

func TestRenderToleratesShortTally(t *testing.T) {
	got := Render(renderPoll(false), nil)
	assert.Contains(t, got, "<b>[0]</b> Yes")
	assert.Contains(t, got, "<b>[0]</b> No &amp; pardon")
}

func TestControls(t *testing.T) {
	buttons := Controls(renderPoll(false))
	assert.Equal(t, []channels.Button{
		{Label: "Yes", Data: "poll:1:0"},
		{Label: "No & pardon", Data: "poll:1:1"},
	}, buttons)
}

func TestVoterLabelFallsBackToID(t *testing.T) {
	assert.Equal(t, "<i>id42</i>", voterLabel(poll.Voter{ID: 42}))
}
