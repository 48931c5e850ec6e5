package testutil

import (
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// SampleDescription is a minimal feature request.
const SampleDescription = `Add a /healthz endpoint that reports build info.

Acceptance:
1. GET /healthz returns 200 with the version
2. The handler is covered by a unit test
`

// SampleDiscoveryOutput proposes a plan file and two steps.
const SampleDiscoveryOutput = `I looked through the router and the build info package.

[PLAN_FILE]docs/plans/healthz.md[/PLAN_FILE]

[PLAN_STEP id="1" complexity="low"]
Add handler
Add the healthz handler and wire it into the router.
[/PLAN_STEP]

[PLAN_STEP id="2" complexity="low"]
Add tests
Cover the handler with a unit test.
[/PLAN_STEP]`

// SamplePlanOutput approves the plan from SampleDiscoveryOutput.
const SamplePlanOutput = `The plan covers both acceptance criteria.

[PLAN_STEP id="1" complexity="low"]
Add handler
Add the healthz handler and wire it into the router.
[/PLAN_STEP]

[PLAN_STEP id="2" complexity="low"]
Add tests
Cover the handler with a unit test.
[/PLAN_STEP]

[PLAN_APPROVED]`

// SampleImplementationOutput completes both steps.
const SampleImplementationOutput = `[STEP_COMPLETE id="1"]
Added the handler.
Tests passing: yes
[/STEP_COMPLETE]

[STEP_COMPLETE id="2"]
Added TestHealthz.
Tests added: TestHealthz
Tests passing: yes
[/STEP_COMPLETE]

[IMPLEMENTATION_COMPLETE]`

// SampleDeliveryOutput reports the pull request.
const SampleDeliveryOutput = `Pushed the branch and opened a pull request.

[PR_CREATED number="42" url="https://github.com/acme/app/pull/42" title="Add healthz"]`

// SampleReviewOutput approves the pull request.
const SampleReviewOutput = `CI is green and the diff matches the plan.

[CI_STATUS status="passing"]
[PR_APPROVED]`

// SampleDecisionOutput raises one decision with a recommendation.
const SampleDecisionOutput = `[DECISION_NEEDED priority="1" category="architecture"]
Should build info come from ldflags or debug.ReadBuildInfo?
- Option A: ldflags (recommended)
  set at build time
- Option B: ReadBuildInfo
  no build changes needed
[/DECISION_NEEDED]`

// SamplePlanSteps returns the steps proposed in SamplePlanOutput.
// Returns a new slice each time to prevent test interference.
func SamplePlanSteps() []marker.PlanStep {
	return []marker.PlanStep{
		{ID: "1", Title: "Add handler", Description: "Add the healthz handler and wire it into the router.", Status: marker.StepStatusPending, Complexity: marker.ComplexityLow},
		{ID: "2", Title: "Add tests", Description: "Cover the handler with a unit test.", Status: marker.StepStatusPending, Complexity: marker.ComplexityLow},
	}
}

// SampleDecision returns a decision ready for Registry.AddDecisions.
func SampleDecision() session.Decision {
	return session.Decision{
		Priority: 1,
		Category: "architecture",
		Question: "Should build info come from ldflags or debug.ReadBuildInfo?",
		Options: []marker.Option{
			{Label: "ldflags", Description: "set at build time", Recommended: true},
			{Label: "ReadBuildInfo", Description: "no build changes needed"},
		},
	}
}
