package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/marker"
)

func TestPlan_ReplaceStepsKeepsCompletion(t *testing.T) {
	t.Parallel()

	p := &Plan{Version: 1}
	p.ReplaceSteps([]marker.PlanStep{
		{ID: "step-1", Status: marker.StepStatusPending, Complexity: marker.ComplexityHigh, Title: "schema"},
		{ID: "step-2", Status: marker.StepStatusCompleted, Title: "handler"},
	})
	assert.Equal(t, StepPending, p.Step("step-2").Status, "agent-claimed completion is ignored")

	require.True(t, p.CompleteStep("step-1", "done", []string{"TestSchema"}, true))
	assert.False(t, p.CompleteStep("step-1", "again", nil, true), "at most once per version")
	assert.False(t, p.CompleteStep("missing", "", nil, true))

	p.Steps[0].RetryCount = 2
	p.Version = 2
	p.ReplaceSteps([]marker.PlanStep{
		{ID: "step-1", Status: marker.StepStatusPending, Title: "schema v2"},
		{ID: "step-3", Status: marker.StepStatusPending, Title: "docs"},
	})
	require.Len(t, p.Steps, 2)
	s1 := p.Step("step-1")
	assert.Equal(t, StepCompleted, s1.Status)
	assert.Equal(t, 1, s1.CompletedInVersion)
	assert.Equal(t, 2, s1.RetryCount)
	assert.Equal(t, marker.ComplexityHigh, s1.Complexity)
	assert.Equal(t, "schema v2", s1.Title)
	assert.Nil(t, p.Step("step-2"))

	// Re-completing in a new version is allowed.
	assert.True(t, p.CompleteStep("step-1", "redone", nil, false))
	assert.False(t, p.AllTestsPassing())
}

func TestPlan_NextStepAndCompleteness(t *testing.T) {
	t.Parallel()

	p := &Plan{}
	assert.False(t, p.AllCompleted())
	assert.Nil(t, p.NextStep())

	p.Steps = []Step{
		{ID: "a", Status: StepCompleted, TestsPassing: true},
		{ID: "b", ParentID: "c", Status: StepPending},
		{ID: "c", Status: StepBlocked},
		{ID: "d", ParentID: "a", Status: StepPending},
	}
	next := p.NextStep()
	require.NotNil(t, next)
	assert.Equal(t, "d", next.ID)
	assert.Equal(t, 1, p.CompletedCount())
	assert.False(t, p.AllCompleted())
	assert.True(t, p.AllTestsPassing())

	for i := range p.Steps {
		p.Steps[i].Status = StepCompleted
	}
	assert.True(t, p.AllCompleted())
	assert.Nil(t, p.NextStep())
}

func TestUpdatePlan_Versions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{MaxReviewCount: 3})
	s := f.create(t, "proj", "feature")

	plan, err := f.reg.GetPlan(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, plan)

	plan, err = f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) {
		p.ReplaceSteps([]marker.PlanStep{{ID: "step-1", Status: marker.StepStatusPending}})
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)

	plan, err = f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) {
		p.Approved = true
		p.ReviewCount = 99
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, 3, plan.ReviewCount)

	_, err = f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) {
		p.Approved = false
		return false, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	plan, err = f.reg.GetPlan(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, plan.Approved)

	updates := f.events.OfType(events.MessageTypePlanUpdated)
	require.Len(t, updates, 2)
	var last events.PlanUpdated
	require.NoError(t, updates[1].Decode(&last))
	assert.Equal(t, 1, last.Steps)
	assert.True(t, last.Approved)
}

func TestDecisions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})
	s := f.create(t, "proj", "feature")

	added, err := f.reg.AddDecisions(ctx, s.ID, []Decision{
		{Stage: StagePlanning, Priority: 1, Category: "architecture", Question: "Which store?", Options: []marker.Option{
			{Label: "sqlite", Recommended: true},
			{Label: "files"},
		}},
		{Stage: StagePlanning, Priority: 3, Category: "style", Question: "Tabs?", Options: []marker.Option{{Label: "yes", Recommended: true}}},
	})
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.NotEmpty(t, added[0].ID)
	assert.NotEqual(t, added[0].ID, added[1].ID)
	assert.Len(t, f.events.OfType(events.MessageTypeDecisionRaised), 2)

	pending, err := f.reg.PendingDecisions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	d, remaining, err := f.reg.AnswerDecision(ctx, s.ID, added[0].ID, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	require.NotNil(t, d.Answer)
	assert.Equal(t, "sqlite", *d.Answer)
	assert.NotNil(t, d.AnsweredAt)

	_, _, err = f.reg.AnswerDecision(ctx, s.ID, added[0].ID, "files")
	assert.Error(t, err)

	_, _, err = f.reg.AnswerDecision(ctx, s.ID, "nope", "x")
	assert.ErrorIs(t, err, ErrDecisionNotFound)

	_, remaining, err = f.reg.AnswerDecision(ctx, s.ID, added[1].ID, "yes")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	all, err := f.reg.Decisions(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	pending, err = f.reg.PendingDecisions(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	none, err := f.reg.AddDecisions(ctx, s.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestInvocations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})
	s := f.create(t, "proj", "feature")

	last, err := f.reg.LastInvocation(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	rec, err := f.reg.BeginInvocation(ctx, s.ID, "discovery")
	require.NoError(t, err)
	assert.Equal(t, InvocationStarted, rec.Status)

	got, err := f.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.LastInvocationID)
	assert.Equal(t, 1, got.InvocationCount)

	updated, err := f.reg.FinishInvocation(ctx, rec, InvocationResult{
		Status:             InvocationCompleted,
		Action:             "discovery_complete",
		CostUSD:            0.25,
		ContinuationHandle: "handle-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "handle-1", updated.ContinuationHandle)
	assert.InDelta(t, 0.25, updated.TotalCostUSD, 1e-9)
	assert.Equal(t, "discovery_complete", updated.LastAction)

	interrupted, err := f.reg.InterruptInvocation(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, interrupted, "completed record is not interrupted")

	rec2, err := f.reg.BeginInvocation(ctx, s.ID, "planning")
	require.NoError(t, err)
	assert.Equal(t, "handle-1", rec2.ContinuationHandle)

	interrupted, err = f.reg.InterruptInvocation(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, interrupted)

	last, err = f.reg.LastInvocation(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, rec2.ID, last.ID)
	assert.Equal(t, InvocationInterrupted, last.Status)
	assert.NotNil(t, last.FinishedAt)

	// An empty handle keeps the previous one.
	rec3, err := f.reg.BeginInvocation(ctx, s.ID, "planning")
	require.NoError(t, err)
	updated, err = f.reg.FinishInvocation(ctx, rec3, InvocationResult{Status: InvocationFailed, Error: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, "handle-1", updated.ContinuationHandle)
	assert.Equal(t, 3, updated.InvocationCount)
}
