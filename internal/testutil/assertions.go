package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/session"
)

// AssertStage asserts that a session is in the expected stage.
func AssertStage(t *testing.T, s *session.Session, expected session.Stage) {
	t.Helper()
	require.NotNil(t, s, "session is nil")
	assert.Equal(t, expected, s.Stage, "session stage mismatch")
}

// AssertStatus asserts that a session has the expected status.
func AssertStatus(t *testing.T, s *session.Session, expected session.Status) {
	t.Helper()
	require.NotNil(t, s, "session is nil")
	assert.Equal(t, expected, s.Status, "session status mismatch")
}

// AssertActive asserts that a session is running stage with the status that
// mirrors it.
func AssertActive(t *testing.T, s *session.Session, stage session.Stage) {
	t.Helper()
	AssertStage(t, s, stage)
	AssertStatus(t, s, session.StatusForStage(stage))
	assert.Nil(t, s.QueuePosition, "active session should not hold a queue position")
}

// AssertStepStatuses asserts the status of every step in order.
func AssertStepStatuses(t *testing.T, plan *session.Plan, expected ...session.StepStatus) {
	t.Helper()
	require.NotNil(t, plan, "plan is nil")
	require.Len(t, plan.Steps, len(expected), "step count mismatch")
	for i, want := range expected {
		assert.Equal(t, want, plan.Steps[i].Status, "step[%d] (%s) status mismatch", i, plan.Steps[i].ID)
	}
}

// AssertPendingDecisions asserts how many decisions of a session await an
// answer.
func AssertPendingDecisions(t *testing.T, reg *session.Registry, id string, expected int) {
	t.Helper()
	pending, err := reg.PendingDecisions(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, pending, expected, "pending decision count mismatch")
}

// AssertQueueOrder asserts a project's queue holds exactly ids, in order,
// with contiguous positions starting at 1.
func AssertQueueOrder(t *testing.T, reg *session.Registry, project string, ids ...string) {
	t.Helper()
	queue := reg.Queue(project)
	got := make([]string, len(queue))
	for i, s := range queue {
		got[i] = s.ID
		if assert.NotNil(t, s.QueuePosition, "queued session %s has no position", s.ID) {
			assert.Equal(t, i+1, *s.QueuePosition, "queue position of %s", s.ID)
		}
	}
	if len(ids) == 0 {
		assert.Empty(t, got, "queue should be empty")
		return
	}
	assert.Equal(t, ids, got, "queue order mismatch")
}
