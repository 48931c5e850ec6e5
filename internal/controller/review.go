package controller

import (
	"context"
	"fmt"

	"github.com/thruflo/foreman/internal/delivery"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// delivery asks the agent to open a pull request and confirms it against
// the hosting service before moving to review.
func (r *stageRun) delivery(ctx context.Context) (flow, error) {
	answers, err := r.answers(ctx)
	if err != nil {
		return flowStop, err
	}
	prompt, err := r.render(promptDelivery, PromptData{Answers: answers})
	if err != nil {
		return flowStop, err
	}
	res, err := r.invoke(ctx, "delivery", prompt)
	if err != nil {
		return flowStop, err
	}
	if ok, err := r.checkResult(ctx, res); !ok || err != nil {
		return flowStop, err
	}
	out := res.Outcome
	if out.HasDecisions() {
		return flowStop, r.raise(ctx, out.Decisions, "")
	}

	if r.c.verifier == nil {
		return flowStop, r.fail(ctx, ActionPRNotFound, "no pull request verifier is configured")
	}
	branch := r.s.Branch
	if branch == "" {
		branch = delivery.DetectBranch(r.s.WorkDir)
	}
	pr, err := r.c.verifier.Verify(ctx, delivery.Claim{WorkDir: r.s.WorkDir, Branch: branch, PR: out.PRCreated})
	if err != nil {
		if ctx.Err() != nil {
			return flowStop, ctx.Err()
		}
		return flowStop, r.fail(ctx, ActionPRNotFound, err.Error())
	}

	s, err := r.c.registry.Update(ctx, r.s.ID, func(s *session.Session) {
		s.PRNumber = pr.Number
		s.PRURL = pr.URL
		if s.Branch == "" {
			s.Branch = pr.Branch
		}
	})
	if err != nil {
		return flowStop, err
	}
	r.s = s
	r.logger.Info("pull request confirmed", "number", pr.Number, "url", pr.URL)
	return flowContinue, r.transition(ctx, session.StageReview)
}

// review asks the agent for a verdict on the pull request. A failing CI or
// an explicit request sends the session back to planning.
func (r *stageRun) review(ctx context.Context) (flow, error) {
	if d, err := r.resolution(ctx, CategoryReview); err != nil {
		return flowStop, err
	} else if d != nil {
		switch *d.Answer {
		case OptionApprovePR:
			return flowContinue, r.transition(ctx, session.StageFinalApproval)
		case OptionReturnToPlanning:
			return r.returnToPlanning(ctx, "Review requested changes to the plan.")
		}
	}

	plan, err := r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	answers, err := r.answers(ctx)
	if err != nil {
		return flowStop, err
	}
	prompt, err := r.render(promptReview, PromptData{Plan: plan, Answers: answers, Reason: r.reason})
	if err != nil {
		return flowStop, err
	}
	res, err := r.invoke(ctx, "review", prompt)
	if err != nil {
		return flowStop, err
	}
	if ok, err := r.checkResult(ctx, res); !ok || err != nil {
		return flowStop, err
	}
	out := res.Outcome

	switch {
	case out.ReturnToPlanning != nil:
		return r.returnToPlanning(ctx, out.ReturnToPlanning.Reason)
	case ciFailing(out):
		return r.returnToPlanning(ctx, ciReason(out))
	case out.PRApproved:
		return flowContinue, r.transition(ctx, session.StageFinalApproval)
	case out.HasDecisions():
		return flowStop, r.raise(ctx, out.Decisions, "")
	}
	return flowStop, r.raise(ctx, []marker.Decision{
		reviewDecision(fmt.Sprintf("The review of %s ended without a verdict. How should it continue?", r.s.PRURL)),
	}, "")
}

// finalApproval confirms the reviewed pull request is ready and completes
// the session.
func (r *stageRun) finalApproval(ctx context.Context) (flow, error) {
	if d, err := r.resolution(ctx, CategoryApproval); err != nil {
		return flowStop, err
	} else if d != nil {
		switch *d.Answer {
		case OptionApproveComplete:
			return flowStop, r.transition(ctx, session.StageCompleted)
		case OptionReturnToReview:
			return flowContinue, r.transition(ctx, session.StageReview)
		case OptionReturnToPlanning:
			return r.returnToPlanning(ctx, "Final approval requested changes to the plan.")
		}
	}

	answers, err := r.answers(ctx)
	if err != nil {
		return flowStop, err
	}
	prompt, err := r.render(promptFinalApproval, PromptData{Answers: answers})
	if err != nil {
		return flowStop, err
	}
	res, err := r.invoke(ctx, "final_approval", prompt)
	if err != nil {
		return flowStop, err
	}
	if ok, err := r.checkResult(ctx, res); !ok || err != nil {
		return flowStop, err
	}
	out := res.Outcome

	switch {
	case out.ReturnToPlanning != nil:
		return r.returnToPlanning(ctx, out.ReturnToPlanning.Reason)
	case ciFailing(out):
		r.carry = ciReason(out)
		return flowContinue, r.transition(ctx, session.StageReview)
	case out.PRApproved:
		return flowStop, r.transition(ctx, session.StageCompleted)
	case out.HasDecisions():
		return flowStop, r.raise(ctx, out.Decisions, "")
	}
	return flowStop, r.raise(ctx, []marker.Decision{
		approvalDecision(fmt.Sprintf("Is %s ready to be completed?", r.s.PRURL)),
	}, "")
}

// returnToPlanning marks the steps affected by reason for another pass and
// moves back to planning, unless the plan has used up its review cycles.
func (r *stageRun) returnToPlanning(ctx context.Context, reason string) (flow, error) {
	plan, err := r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	if plan.ReviewCount >= r.c.limits.MaxReviewIterations {
		return flowStop, r.fail(ctx, ActionReviewLimit,
			fmt.Sprintf("plan returned to planning %d times", plan.ReviewCount))
	}
	if reason == "" {
		reason = "Review asked for the plan to be revised."
	}

	affected := r.c.classifier.ClassifyAffectedSteps(ctx, r.s.WorkDir, reason, summaries(plan.Steps))
	if len(affected) == 0 {
		affected = SafeClassifier{}.ClassifyAffectedSteps(ctx, r.s.WorkDir, reason, summaries(plan.Steps))
	}
	if _, err := r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
		for _, id := range affected {
			st := p.Step(id)
			if st == nil {
				continue
			}
			if st.Status == session.StepCompleted {
				st.Status = session.StepNeedsReview
			} else {
				st.Status = session.StepPending
			}
		}
		return true, nil
	}); err != nil {
		return flowStop, err
	}
	r.logger.Info("returning to planning", "reason", reason, "affected_steps", len(affected))
	r.carry = reason
	return flowContinue, r.transition(ctx, session.StagePlanning)
}

func ciFailing(out marker.Outcome) bool {
	return out.CIFailed || (out.CIStatus != nil && out.CIStatus.Status == marker.CIFailing)
}

func ciReason(out marker.Outcome) string {
	if out.CIStatus != nil && out.CIStatus.Details != "" {
		return "CI is failing: " + out.CIStatus.Details
	}
	return "CI is failing."
}
