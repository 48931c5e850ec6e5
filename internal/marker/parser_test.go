package marker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanStepAndPlanFile(t *testing.T) {
	t.Parallel()

	text := "[PLAN_STEP id=\"step-1\" parent=\"null\" status=\"pending\"]\nTitle\nDesc\n[/PLAN_STEP]\n[PLAN_FILE path=\"/p.md\"]"
	out := Parse(text)

	require.Len(t, out.PlanSteps, 1)
	step := out.PlanSteps[0]
	assert.Equal(t, "step-1", step.ID)
	assert.Empty(t, step.ParentID)
	assert.Equal(t, StepStatusPending, step.Status)
	assert.Equal(t, "Title", step.Title)
	assert.Equal(t, "Desc", step.Description)
	assert.Equal(t, "/p.md", out.PlanFilePath)
}

func TestParsePlanSteps(t *testing.T) {
	t.Parallel()

	text := `Here is the plan.

[PLAN_STEP id="step-1" parent="null" status="pending" complexity="high" acceptance="AC-1, AC-2" files="db/schema.sql"]
## Create schema
Add the tables.
Include indexes.
[/PLAN_STEP]

[PLAN_STEP id="step-2" parent="step-1" status="in-progress" complexity="enormous"]
Wire repository
[/PLAN_STEP]

[PLAN_STEP parent="null"]
No id, ignored.
[/PLAN_STEP]

[PLAN_STEP id="step-3" status="pending"]
Unclosed steps are ignored.
`
	out := Parse(text)
	require.Len(t, out.PlanSteps, 2)

	first := out.PlanSteps[0]
	assert.Equal(t, "Create schema", first.Title)
	assert.Equal(t, "Add the tables.\nInclude indexes.", first.Description)
	assert.Equal(t, ComplexityHigh, first.Complexity)
	assert.Equal(t, []string{"AC-1", "AC-2"}, first.AcceptanceRefs)
	assert.Equal(t, []string{"db/schema.sql"}, first.FileEstimates)

	second := out.PlanSteps[1]
	assert.Equal(t, "step-1", second.ParentID)
	assert.Equal(t, StepStatusInProgress, second.Status)
	assert.Empty(t, second.Complexity)
	assert.Equal(t, "Wire repository", second.Title)
	assert.Empty(t, second.Description)
}

func TestParsePlanStepsRepeatedIDReplaces(t *testing.T) {
	t.Parallel()

	text := `[PLAN_STEP id="step-1" parent="null" status="pending"]
Old title
[/PLAN_STEP]
[PLAN_STEP id="step-2" parent="null" status="pending"]
Other
[/PLAN_STEP]
[PLAN_STEP id="step-1" parent="null" status="completed"]
New title
[/PLAN_STEP]`

	out := Parse(text)
	require.Len(t, out.PlanSteps, 2)
	assert.Equal(t, "New title", out.PlanSteps[0].Title)
	assert.Equal(t, StepStatusCompleted, out.PlanSteps[0].Status)
	assert.Equal(t, "step-2", out.PlanSteps[1].ID)
}

func TestParseEmptyText(t *testing.T) {
	t.Parallel()

	out := Parse("")
	assert.NotNil(t, out.Decisions)
	assert.NotNil(t, out.PlanSteps)
	assert.NotNil(t, out.StepCompletions)
	assert.Empty(t, out.Decisions)
	assert.False(t, out.PlanApproved)
	assert.Nil(t, out.ImplementationComplete)
	assert.Nil(t, out.CIStatus)
	assert.Nil(t, out.PRCreated)
	assert.Nil(t, out.ReturnToPlanning)
	assert.Empty(t, out.PlanFilePath)
}

func TestParseIsPure(t *testing.T) {
	t.Parallel()

	text := `[DECISION_NEEDED priority="2" category="api"]
Paginate with cursors or offsets?
- Option A: Cursors
- Option B: Offsets
[/DECISION_NEEDED]
[STEP_COMPLETE id="step-1"]
Done.
[/STEP_COMPLETE]
[PLAN_APPROVED]`

	first := Parse(text)
	second := Parse(text)
	assert.Equal(t, first, second)
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		check func(t *testing.T, out Outcome)
	}{
		{
			name: "plan approved",
			text: "Looks good.\n[PLAN_APPROVED]\n",
			check: func(t *testing.T, out Outcome) {
				assert.True(t, out.PlanApproved)
				assert.False(t, out.PRApproved)
			},
		},
		{
			name: "pr approved",
			text: "[PR_APPROVED]",
			check: func(t *testing.T, out Outcome) {
				assert.True(t, out.PRApproved)
			},
		},
		{
			name: "ci failed bare marker",
			text: "[CI_FAILED]",
			check: func(t *testing.T, out Outcome) {
				assert.True(t, out.CIFailed)
				assert.True(t, out.CIFailing())
			},
		},
		{
			name: "ci status failing with details",
			text: "[CI_STATUS status=\"failing\"]\nlint job failed\n[/CI_STATUS]",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.CIStatus)
				assert.Equal(t, CIFailing, out.CIStatus.Status)
				assert.Equal(t, "lint job failed", out.CIStatus.Details)
				assert.True(t, out.CIFailing())
			},
		},
		{
			name: "ci status unknown value is pending",
			text: "[CI_STATUS status=\"weird\"]",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.CIStatus)
				assert.Equal(t, CIPending, out.CIStatus.Status)
				assert.False(t, out.CIFailing())
			},
		},
		{
			name: "last ci status wins",
			text: "[CI_STATUS status=\"failing\"][/CI_STATUS]\n[CI_STATUS status=\"passing\"][/CI_STATUS]",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.CIStatus)
				assert.Equal(t, CIPassing, out.CIStatus.Status)
			},
		},
		{
			name: "pr created",
			text: "[PR_CREATED url=\"https://github.com/acme/app/pull/42\" number=\"42\" title=\"Add export\"]",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.PRCreated)
				assert.Equal(t, "https://github.com/acme/app/pull/42", out.PRCreated.URL)
				assert.Equal(t, 42, out.PRCreated.Number)
				assert.Equal(t, "Add export", out.PRCreated.Title)
			},
		},
		{
			name: "return to planning with reason",
			text: "[RETURN_TO_STAGE_2]\nThe data model is wrong.\n[/RETURN_TO_STAGE_2]",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.ReturnToPlanning)
				assert.Equal(t, "The data model is wrong.", out.ReturnToPlanning.Reason)
			},
		},
		{
			name: "return to planning unclosed",
			text: "[RETURN_TO_STAGE_2]\nScope changed.\n\nUnrelated text.",
			check: func(t *testing.T, out Outcome) {
				require.NotNil(t, out.ReturnToPlanning)
				assert.Equal(t, "Scope changed.", out.ReturnToPlanning.Reason)
			},
		},
		{
			name: "plan file in body",
			text: "[PLAN_FILE]\n/plans/a.md\n[/PLAN_FILE]",
			check: func(t *testing.T, out Outcome) {
				assert.Equal(t, "/plans/a.md", out.PlanFilePath)
			},
		},
		{
			name: "crlf line endings",
			text: "[PLAN_STEP id=\"s1\" parent=\"null\" status=\"pending\"]\r\nTitle\r\n[/PLAN_STEP]\r\n",
			check: func(t *testing.T, out Outcome) {
				require.Len(t, out.PlanSteps, 1)
				assert.Equal(t, "Title", out.PlanSteps[0].Title)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, Parse(tt.text))
		})
	}
}

func TestParseImplementationMarkers(t *testing.T) {
	t.Parallel()

	text := `[IMPLEMENTATION_STATUS]
Step: step-2
Status: in_progress
Files modified: api/handler.go, api/handler_test.go
Tests status: 3 passing
Work type: feature
[/IMPLEMENTATION_STATUS]

[IMPLEMENTATION_COMPLETE]
All steps implemented.
All tests passing: no
Tests added: TestExport
[/IMPLEMENTATION_COMPLETE]`

	out := Parse(text)
	require.Len(t, out.ImplementationStatuses, 1)
	st := out.ImplementationStatuses[0]
	assert.Equal(t, "step-2", st.StepID)
	assert.Equal(t, "in_progress", st.Status)
	assert.Equal(t, []string{"api/handler.go", "api/handler_test.go"}, st.FilesModified)
	assert.Equal(t, "3 passing", st.TestsStatus)
	assert.Equal(t, "feature", st.WorkType)

	require.NotNil(t, out.ImplementationComplete)
	assert.Equal(t, "All steps implemented.", out.ImplementationComplete.Summary)
	assert.False(t, out.ImplementationComplete.AllTestsPassing)
	assert.Equal(t, []string{"TestExport"}, out.ImplementationComplete.TestsAdded)
}

func TestParseImplementationCompleteUnclosed(t *testing.T) {
	t.Parallel()

	out := Parse("[IMPLEMENTATION_COMPLETE]\nEverything is in.\n")
	require.NotNil(t, out.ImplementationComplete)
	assert.True(t, out.ImplementationComplete.AllTestsPassing)
	assert.Equal(t, "Everything is in.", out.ImplementationComplete.Summary)
}
