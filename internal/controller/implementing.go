package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// implementing drives the approved plan one invocation at a time until
// every step is completed with passing tests. Failing tests are retried per
// step; a step that keeps failing, or a run of invocations that completes
// nothing, raises a blocker decision.
func (r *stageRun) implementing(ctx context.Context) (flow, error) {
	if d, err := r.resolution(ctx, CategoryBlocker); err != nil {
		return flowStop, err
	} else if d != nil && *d.Answer == OptionReturnToPlanning {
		r.carry = "Implementation was blocked: " + d.Question
		return flowContinue, r.transition(ctx, session.StagePlanning)
	}

	pending, err := r.c.registry.PendingDecisions(ctx, r.s.ID)
	if err != nil {
		return flowStop, err
	}
	if len(pending) == 0 {
		if err := r.unblockSteps(ctx); err != nil {
			return flowStop, err
		}
	}

	plan, err := r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	testsRequired := plan.TestRequirement == nil || plan.TestRequirement.Required
	if implementationDone(plan, testsRequired) {
		return flowContinue, r.transition(ctx, session.StageDelivery)
	}

	step := plan.NextStep()
	if step == nil {
		return flowStop, r.block(ctx, "", "No plan step can be started. Every remaining step is blocked or skipped.")
	}
	if step.Status != session.StepInProgress {
		if plan, err = r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
			if st := p.Step(step.ID); st != nil {
				st.Status = session.StepInProgress
			}
			return false, nil
		}); err != nil {
			return flowStop, err
		}
		step = plan.Step(step.ID)
	}
	r.publish(events.MessageTypeStepStarted, events.StepStarted{StepID: step.ID, Title: step.Title})

	prompt, err := r.implementingPrompt(ctx, plan, step, testsRequired)
	if err != nil {
		return flowStop, err
	}
	res, err := r.invoke(ctx, "implementing", prompt)
	if err != nil {
		return flowStop, err
	}
	if ok, err := r.checkResult(ctx, res); !ok || err != nil {
		return flowStop, err
	}
	out := res.Outcome

	for _, st := range out.ImplementationStatuses {
		r.publish(events.MessageTypeExecutionStatus, events.ExecutionStatus{
			Status:   events.StatusRunning,
			Action:   st.Status,
			Message:  st.Message,
			StepID:   st.StepID,
			Progress: st.Progress,
		})
	}

	progress, blocked, err := r.applyCompletions(ctx, out.StepCompletions, testsRequired)
	if err != nil {
		return flowStop, err
	}
	if len(blocked) > 0 {
		st := blocked[0]
		return flowStop, r.block(ctx, st.ID, fmt.Sprintf(
			"Tests for step %s (%s) are still failing after %d fix attempts.", st.ID, st.Title, st.RetryCount-1))
	}
	if out.HasDecisions() {
		return flowStop, r.raise(ctx, out.Decisions, step.ID)
	}

	plan, err = r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	if implementationDone(plan, testsRequired) {
		return flowContinue, r.transition(ctx, session.StageDelivery)
	}

	if progress {
		if r.s.ValidationAttempts > 0 {
			s, err := r.c.registry.Update(ctx, r.s.ID, func(s *session.Session) { s.ValidationAttempts = 0 })
			if err != nil {
				return flowStop, err
			}
			r.s = s
		}
		return flowContinue, nil
	}
	_, allowed, err := r.validationAttempt(ctx)
	if err != nil {
		return flowStop, err
	}
	if allowed {
		return flowContinue, nil
	}
	r.exhausted("no step was completed")
	return flowStop, r.block(ctx, step.ID, fmt.Sprintf(
		"Step %s (%s) made no progress after %d attempts.", step.ID, step.Title, r.s.ValidationAttempts))
}

func implementationDone(p *session.Plan, testsRequired bool) bool {
	return p.AllCompleted() && (!testsRequired || p.AllTestsPassing())
}

// implementingPrompt picks the opening prompt, a test fix prompt for a step
// with failing tests, or a continuation prompt.
func (r *stageRun) implementingPrompt(ctx context.Context, plan *session.Plan, step *session.Step, testsRequired bool) (string, error) {
	answers, err := r.answers(ctx)
	if err != nil {
		return "", err
	}
	if r.s.ContinuationHandle == "" {
		return r.render(promptImplementing, PromptData{
			Plan:          plan,
			Step:          step,
			Answers:       answers,
			TestsRequired: testsRequired,
		})
	}
	if testsRequired && step.RetryCount > 0 {
		return r.render(promptTestFix, PromptData{
			Step:        step,
			Answers:     answers,
			Attempt:     step.RetryCount,
			MaxAttempts: r.c.limits.MaxTestFixAttempts,
		})
	}
	var remaining []session.Step
	for _, s := range plan.Steps {
		if s.Status != session.StepCompleted && s.Status != session.StepSkipped {
			remaining = append(remaining, s)
		}
	}
	var reason string
	if r.s.ValidationAttempts > 0 {
		reason = fmt.Sprintf("Your last response did not complete any step (attempt %d of %d).",
			r.s.ValidationAttempts, r.c.limits.MaxValidationAttempts)
	}
	return r.render(promptImplementingNext, PromptData{
		Step:    step,
		Steps:   remaining,
		Answers: answers,
		Reason:  reason,
	})
}

// applyCompletions folds step completions into the plan. With tests
// required, a completion reporting failing tests bumps the step's retry
// count instead; the step blocks once MaxTestFixAttempts fix attempts have
// also failed.
func (r *stageRun) applyCompletions(ctx context.Context, completions []marker.StepCompletion, testsRequired bool) (progress bool, blocked []session.Step, err error) {
	if len(completions) == 0 {
		return false, nil, nil
	}
	var completed []marker.StepCompletion
	_, err = r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
		for _, c := range completions {
			st := p.Step(c.StepID)
			if st == nil {
				r.logger.Warn("completion for unknown step", "step_id", c.StepID, "source", c.Source)
				continue
			}
			if testsRequired && !c.TestsPassing {
				st.RetryCount++
				progress = true
				if st.RetryCount > r.c.limits.MaxTestFixAttempts {
					st.Status = session.StepBlocked
					blocked = append(blocked, *st)
				} else {
					st.Status = session.StepInProgress
				}
				continue
			}
			if p.CompleteStep(c.StepID, c.Summary, c.TestsAdded, c.TestsPassing) {
				progress = true
				completed = append(completed, c)
			}
		}
		return false, nil
	})
	if err != nil {
		return false, nil, err
	}
	for _, c := range completed {
		r.publish(events.MessageTypeStepCompleted, events.StepCompleted{
			StepID:       c.StepID,
			Summary:      c.Summary,
			TestsAdded:   c.TestsAdded,
			TestsPassing: c.TestsPassing,
		})
	}
	return progress, blocked, nil
}

// unblockSteps resets blocked steps once their blocker has been answered.
func (r *stageRun) unblockSteps(ctx context.Context) error {
	plan, err := r.plan(ctx)
	if err != nil {
		return err
	}
	var ids []string
	for _, s := range plan.Steps {
		if s.Status == session.StepBlocked {
			ids = append(ids, s.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
		for _, id := range ids {
			if st := p.Step(id); st != nil {
				st.Status = session.StepPending
				st.RetryCount = 0
			}
		}
		return false, nil
	})
	if err == nil {
		r.logger.Info("unblocked steps", "steps", strings.Join(ids, ","))
	}
	return err
}

// block raises a blocker decision for a step and parks the session.
func (r *stageRun) block(ctx context.Context, stepID, question string) error {
	r.status(events.StatusError, ActionStepBlocked, question, stepID)
	return r.raise(ctx, []marker.Decision{blockerDecision(question)}, stepID)
}
