package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStagesStopsAtRequiredFailure(t *testing.T) {
	degraded := NewDegradedComponents()
	boom := errors.New("boom")

	err := RunStages([]Stage{
		{Name: "store", Required: true, Init: func() error { return nil }},
		{Name: "telegram", Required: true, Init: func() error { return boom }},
		{Name: "voting", Required: true, Init: func() error {
			t.Fatal("stages after a required failure must not run")
			return nil
		}},
	}, degraded, nil)

	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stage telegram")
	assert.True(t, degraded.IsEmpty())
}

func TestRunStagesRecordsOptionalFailures(t *testing.T) {
	degraded := NewDegradedComponents()
	var reached bool

	err := RunStages([]Stage{
		{Name: "ro_voting", Init: func() error { return errors.New("oops") }},
		{Name: "after", Required: true, Init: func() error { reached = true; return nil }},
	}, degraded, nil)

	require.NoError(t, err)
	assert.True(t, reached)
	reason, ok := degraded.Reason("ro_voting")
	require.True(t, ok)
	assert.Equal(t, "oops", reason)
	assert.Equal(t, "ro_voting: oops", degraded.String())
}
