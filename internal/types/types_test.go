package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob() *Job {
	now := time.Now()
	return &Job{ID: "job-1", Family: "media-convert", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
}

func TestApply_HappyPath(t *testing.T) {
	j := newJob()
	now := time.Now()

	require.NoError(t, j.Apply(Running(now), now))
	assert.Equal(t, StatusRunning, j.Status)
	require.NotNil(t, j.StartedAt)

	require.NoError(t, j.Apply(Completed(now, json.RawMessage(`"https://cdn/x.mp3"`)), now))
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Nil(t, j.Error)
	assert.JSONEq(t, `"https://cdn/x.mp3"`, string(j.ResultRef))
	require.NotNil(t, j.CompletedAt)
}

func TestApply_TerminalIsFinal(t *testing.T) {
	j := newJob()
	now := time.Now()
	require.NoError(t, j.Apply(Running(now), now))
	require.NoError(t, j.Apply(Failed(now, "boom"), now))

	err := j.Apply(Running(now), now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusFailed, j.Status)

	err = j.Apply(Patch{LastError: ptr("late")}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApply_NoRegressionWithoutRetry(t *testing.T) {
	j := newJob()
	now := time.Now()
	require.NoError(t, j.Apply(Running(now), now))

	pending := StatusPending
	err := j.Apply(Patch{Status: &pending}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusRunning, j.Status)
}

func TestApply_RetryEdge(t *testing.T) {
	j := newJob()
	now := time.Now()
	require.NoError(t, j.Apply(Running(now), now))

	require.NoError(t, j.Apply(Retrying(1, "ffmpeg exited 1"), now))
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	require.NotNil(t, j.LastError)
	assert.Nil(t, j.Error)
}

func TestApply_OutcomeExclusivity(t *testing.T) {
	now := time.Now()

	j := newJob()
	require.NoError(t, j.Apply(Running(now), now))
	s := StatusCompleted
	err := j.Apply(Patch{Status: &s, CompletedAt: &now}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed without result")

	msg := "x"
	err = j.Apply(Patch{Status: &s, ResultRef: json.RawMessage(`1`), Error: &msg}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed with both")

	f := StatusFailed
	err = j.Apply(Patch{Status: &f}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "failed without error")

	err = j.Apply(Patch{ResultRef: json.RawMessage(`1`)}, now)
	assert.ErrorIs(t, err, ErrInvalidTransition, "running with result")
}

func TestApply_PendingCanFailDirectly(t *testing.T) {
	j := newJob()
	now := time.Now()
	require.NoError(t, j.Apply(Failed(now, "queue full"), now))
	assert.Equal(t, StatusFailed, j.Status)
}

func TestClone_IsDeep(t *testing.T) {
	j := newJob()
	now := time.Now()
	require.NoError(t, j.Apply(Running(now), now))
	j.InputRef = json.RawMessage(`{"a":1}`)

	c := j.Clone()
	c.InputRef[1] = 'X'
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, `{"a":1}`, string(j.InputRef))
	assert.True(t, j.StartedAt.Equal(now))
}

func TestJob_MarshalKeepsNullOutcome(t *testing.T) {
	b, err := json.Marshal(newJob())
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Contains(t, m, "result_ref")
	assert.Nil(t, m["result_ref"])
	assert.Nil(t, m["error"])
	assert.Equal(t, "pending", m["status"])
}

func TestJob_UnmarshalNullResultStaysNil(t *testing.T) {
	b, err := json.Marshal(newJob())
	require.NoError(t, err)

	var j Job
	require.NoError(t, json.Unmarshal(b, &j))
	assert.Nil(t, j.ResultRef)
	require.NoError(t, j.Apply(Running(time.Now()), time.Now()))
}

func ptr(s string) *string { return &s }
