package poll

import (
	"errors"
	"testing"
	"time"

	boterrors "d7bot/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadValidate(t *testing.T) {
	valid := Payload{Type: "ro", Message: "Mute?", Options: []string{"yes", "no"}}
	require.NoError(t, valid.Validate())

	cases := map[string]Payload{
		"one option":   {Type: "ro", Message: "m", Options: []string{"yes"}},
		"empty type":   {Message: "m", Options: []string{"a", "b"}},
		"empty text":   {Type: "ro", Options: []string{"a", "b"}},
		"blank option": {Type: "ro", Message: "m", Options: []string{"a", "  "}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, boterrors.ErrInvalidPoll))
		})
	}
}

func TestPollExpiredAtDeadline(t *testing.T) {
	now := time.Unix(1000, 0)
	p := Poll{ExpiresAt: now}
	assert.True(t, p.Expired(now), "ttl of zero must be expired immediately")
	assert.False(t, p.Expired(now.Add(-time.Millisecond)))
}

func TestPollLastPostedAt(t *testing.T) {
	created := time.Unix(100, 0)
	p := Poll{CreatedAt: created}
	assert.Equal(t, created, p.LastPostedAt())
	p.RepostedAt = created.Add(time.Minute)
	assert.Equal(t, created.Add(time.Minute), p.LastPostedAt())
}

func TestTallyHelpers(t *testing.T) {
	tally := Tally{{{ID: 1}, {ID: 2}}, {{ID: 3}}}
	assert.Equal(t, 2, tally.Count(0))
	assert.Equal(t, 0, tally.Count(5))
	assert.Equal(t, 3, tally.Total())
	assert.Equal(t, 1, tally.OptionOf(3))
	assert.Equal(t, -1, tally.OptionOf(9))
}

func TestIDGeneratorIsStrictlyIncreasing(t *testing.T) {
	fixed := time.UnixMilli(5000)
	gen := NewIDGenerator(func() time.Time { return fixed })
	a, b, c := gen.Next(), gen.Next(), gen.Next()
	assert.Equal(t, int64(5000), a)
	assert.Equal(t, int64(5001), b)
	assert.Equal(t, int64(5002), c)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "rovote:ro", Kind{Module: "rovote", Type: "ro"}.String())
}
