package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/session"
)

func testSession() *session.Session {
	return &session.Session{
		ID:          "s1",
		Title:       "CSV export",
		Description: "Let users download reports.",
		PRNumber:    7,
		PRURL:       "https://github.com/acme/app/pull/7",
	}
}

func testPlan() *session.Plan {
	return &session.Plan{
		Version:  2,
		FilePath: "/plans/export.md",
		Steps: []session.Step{
			{ID: "step-1", Title: "Add exporter", Status: session.StepCompleted},
			{ID: "step-2", ParentID: "step-1", Title: "Wire endpoint", Status: session.StepPending},
		},
	}
}

func TestRender_AllPrompts(t *testing.T) {
	t.Parallel()

	p, err := NewPrompts()
	require.NoError(t, err)

	plan := testPlan()
	data := PromptData{
		Session:       testSession(),
		Plan:          plan,
		Step:          &plan.Steps[1],
		Steps:         plan.Steps[1:],
		Answers:       []Answer{{Question: "Which format?", Answer: "CSV"}},
		Reason:        "CI is failing.",
		TestsRequired: true,
		Iteration:     2,
		MaxIterations: 10,
		Attempt:       1,
		MaxAttempts:   3,
	}
	for _, name := range []string{
		promptDiscovery, promptDiscoveryRetry, promptPlanning, promptPlanningContinue,
		promptPlanningValidation, promptImplementing, promptImplementingNext, promptTestFix,
		promptDelivery, promptReview, promptFinalApproval,
	} {
		out, err := p.Render(name, data)
		require.NoError(t, err, name)
		assert.NotEmpty(t, out, name)
	}
}

func TestRender_Planning(t *testing.T) {
	t.Parallel()

	p, err := NewPrompts()
	require.NoError(t, err)

	out, err := p.Render(promptPlanning, PromptData{
		Session: testSession(),
		Plan:    testPlan(),
		Reason:  "The data model is wrong.",
		Answers: []Answer{{Question: "Which format?", Answer: "CSV"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Feature: CSV export")
	assert.Contains(t, out, "Let users download reports.")
	assert.Contains(t, out, "The discovery notes are in /plans/export.md.")
	assert.Contains(t, out, "- [step-2] (after step-1) Wire endpoint (pending)")
	assert.Contains(t, out, "The data model is wrong.")
	assert.Contains(t, out, "A: CSV")
	assert.NotContains(t, out, "interrupted")
}

func TestRender_PlanningWithoutPlan(t *testing.T) {
	t.Parallel()

	p, err := NewPrompts()
	require.NoError(t, err)

	out, err := p.Render(promptPlanning, PromptData{Session: testSession(), Interrupted: true})
	require.NoError(t, err)
	assert.Contains(t, out, "previous run was interrupted")
	assert.NotContains(t, out, "Current plan")
}

func TestRender_UnknownTemplate(t *testing.T) {
	t.Parallel()

	p, err := NewPrompts()
	require.NoError(t, err)
	_, err = p.Render("missing.tmpl", PromptData{})
	assert.Error(t, err)

	assert.False(t, p.HasAgent("missing"))
	text, err := p.Agent("")
	require.NoError(t, err)
	assert.Empty(t, text)
}
