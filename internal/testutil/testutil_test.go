package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

func TestFixturesParse(t *testing.T) {
	t.Parallel()

	discovery := marker.Parse(SampleDiscoveryOutput)
	assert.Equal(t, "docs/plans/healthz.md", discovery.PlanFilePath)
	assert.Equal(t, SamplePlanSteps(), discovery.PlanSteps)

	plan := marker.Parse(SamplePlanOutput)
	assert.True(t, plan.PlanApproved)
	assert.Len(t, plan.PlanSteps, 2)

	impl := marker.Parse(SampleImplementationOutput)
	require.Len(t, impl.StepCompletions, 2)
	assert.True(t, impl.StepCompletions[1].TestsPassing)
	assert.NotNil(t, impl.ImplementationComplete)

	delivery := marker.Parse(SampleDeliveryOutput)
	require.NotNil(t, delivery.PRCreated)
	assert.Equal(t, 42, delivery.PRCreated.Number)

	review := marker.Parse(SampleReviewOutput)
	assert.True(t, review.PRApproved)
	assert.False(t, review.CIFailing())

	decision := marker.Parse(SampleDecisionOutput)
	require.Len(t, decision.Decisions, 1)
	assert.Equal(t, SampleDecision().Question, decision.Decisions[0].Question)
	assert.Equal(t, "ldflags", decision.Decisions[0].Options[0].Label)
}

func TestSamplePlanSteps_FreshSlice(t *testing.T) {
	t.Parallel()
	steps := SamplePlanSteps()
	steps[0].Title = "changed"
	assert.Equal(t, "Add handler", SamplePlanSteps()[0].Title)
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	env := NewRegistry(t)

	a := env.Create(t, "proj", "A")
	b := env.Create(t, "proj", "B")
	c := env.Create(t, "proj", "C")
	AssertActive(t, a, session.StageDiscovery)
	AssertStatus(t, b, session.StatusQueued)
	AssertQueueOrder(t, env.Registry, "proj", b.ID, c.ID)
	AssertQueueOrder(t, env.Registry, "other")
	assert.NotEmpty(t, env.Events.Events())

	_, err := env.Registry.AddDecisions(context.Background(), a.ID, []session.Decision{SampleDecision()})
	require.NoError(t, err)
	AssertPendingDecisions(t, env.Registry, a.ID, 1)

	plan, err := env.Registry.UpdatePlan(context.Background(), a.ID, func(p *session.Plan) (bool, error) {
		p.ReplaceSteps(SamplePlanSteps())
		p.CompleteStep("1", "done", nil, true)
		return true, nil
	})
	require.NoError(t, err)
	AssertStepStatuses(t, plan, session.StepCompleted, session.StepPending)
}

func TestClock(t *testing.T) {
	t.Parallel()
	c := NewClock()
	first := c.Now()
	assert.Equal(t, time.Millisecond, c.Now().Sub(first))
	c.Advance(time.Hour)
	assert.Greater(t, c.Now().Sub(first), time.Hour)
}

func TestSetupTestDir(t *testing.T) {
	t.Parallel()
	dir, path := SetupTestDir(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.StoreDriverFile, cfg.Store.Driver)
	assert.Contains(t, cfg.Store.Path, dir)
}
