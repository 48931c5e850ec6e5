// Package testutil provides shared test utilities for foreman.
//
// # Fixtures
//
// The fixtures.go file provides sample agent output for each stage:
//
//   - SampleDiscoveryOutput, SamplePlanOutput, SampleImplementationOutput
//   - SampleDeliveryOutput, SampleReviewOutput, SampleDecisionOutput
//   - SamplePlanSteps() - the steps SamplePlanOutput proposes
//   - SampleDecision() - a decision ready to add to a registry
//
// # Environment Helpers
//
// The env.go file provides test environment setup:
//
//   - NewRegistry(t) - a registry over an in-memory store with a recorder
//   - SetupTestDir(t) - a temp directory holding a foreman.yaml
//   - MustMarshalJSON(t, v), MustUnmarshalJSON(t, data, v)
//   - WriteTestFile(t, base, path, content)
//
// # Assertions
//
// The assertions.go file provides session assertions:
//
//   - AssertStage(t, s, stage), AssertStatus(t, s, status)
//   - AssertActive(t, s, stage) - stage with its mirroring status
//   - AssertStepStatuses(t, plan, statuses)
//   - AssertPendingDecisions(t, reg, id, n)
//   - AssertQueueOrder(t, reg, project, ids)
//
// # Usage
//
//	func TestSomething(t *testing.T) {
//	    env := testutil.NewRegistry(t)
//	    s := env.Create(t, "proj", "Add login")
//	    testutil.AssertActive(t, s, session.StageDiscovery)
//	}
package testutil
