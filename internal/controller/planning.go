package controller

import (
	"context"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// ShouldContinuePlanReview reports whether the planning loop re-invokes the
// agent: only while the plan is approved, questions are still being raised
// and the iteration cap has not been reached.
func ShouldContinuePlanReview(reviewCount int, hasDecisions, approved bool) bool {
	return shouldContinuePlanReview(reviewCount, hasDecisions, approved, config.DefaultMaxReviewIterations)
}

func shouldContinuePlanReview(reviewCount int, hasDecisions, approved bool, max int) bool {
	return approved && hasDecisions && reviewCount < max
}

// planning iterates with the agent until the plan is approved. Questions
// raised alongside an approval are answered with the recommended option and
// fed back; questions without an approval park the session.
func (r *stageRun) planning(ctx context.Context) (flow, error) {
	plan, err := r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	answers, err := r.answers(ctx)
	if err != nil {
		return flowStop, err
	}
	maxIterations := r.c.limits.MaxReviewIterations
	iteration := plan.ReviewCount

	var prompt string
	if r.s.ValidationAttempts > 0 {
		prompt, err = r.render(promptPlanningValidation, PromptData{
			Attempt:     r.s.ValidationAttempts,
			MaxAttempts: r.c.limits.MaxValidationAttempts,
		})
	} else {
		prompt, err = r.render(promptPlanning, PromptData{Plan: plan, Reason: r.reason, Answers: answers})
	}
	if err != nil {
		return flowStop, err
	}

	for {
		res, err := r.invoke(ctx, "planning", prompt)
		if err != nil {
			return flowStop, err
		}
		if ok, err := r.checkResult(ctx, res); !ok || err != nil {
			return flowStop, err
		}
		out := res.Outcome
		iteration++

		if len(out.PlanSteps) > 0 || out.PlanFilePath != "" {
			if plan, err = r.applyPlan(ctx, out); err != nil {
				return flowStop, err
			}
		}
		decisions := r.relevantDecisions(ctx, out.Decisions)
		approved := out.PlanApproved && len(plan.Steps) > 0

		if approved && len(decisions) > 0 {
			resolved, err := r.autoAnswer(ctx, decisions)
			if err != nil {
				return flowStop, err
			}
			if shouldContinuePlanReview(iteration, true, true, maxIterations) {
				prompt, err = r.render(promptPlanningContinue, PromptData{
					Answers:          resolved,
					Iteration:        iteration,
					MaxIterations:    maxIterations,
					PendingDecisions: len(decisions),
				})
				if err != nil {
					return flowStop, err
				}
				continue
			}
			r.logger.Info("plan review iterations exhausted, keeping approved plan", "iterations", iteration)
		}
		if approved {
			return r.approvePlan(ctx)
		}
		if len(decisions) > 0 {
			return flowStop, r.raise(ctx, decisions, "")
		}

		reason := "The plan was not approved."
		if out.PlanApproved {
			reason = "The plan was approved but contains no steps."
		}
		_, allowed, err := r.validationAttempt(ctx)
		if err != nil {
			return flowStop, err
		}
		if allowed {
			prompt, err = r.render(promptPlanningValidation, PromptData{
				Reason:      reason,
				Attempt:     r.s.ValidationAttempts,
				MaxAttempts: r.c.limits.MaxValidationAttempts,
			})
			if err != nil {
				return flowStop, err
			}
			continue
		}
		r.exhausted(reason)
		if len(plan.Steps) > 0 {
			return r.approvePlan(ctx)
		}
		return flowStop, r.fail(ctx, ActionValidationExhausted, "planning produced no steps")
	}
}

// relevantDecisions drops the questions the classifier judges irrelevant to
// the feature.
func (r *stageRun) relevantDecisions(ctx context.Context, ds []marker.Decision) []marker.Decision {
	var out []marker.Decision
	for _, d := range ds {
		if r.c.classifier.IsDecisionRelevant(ctx, r.s.WorkDir, feature(r.s), d) {
			out = append(out, d)
			continue
		}
		r.logger.Debug("dropping irrelevant decision", "question", d.Question)
	}
	return out
}

// autoAnswer records decisions and resolves each with its recommended
// option, or the first option when none is recommended.
func (r *stageRun) autoAnswer(ctx context.Context, ds []marker.Decision) ([]Answer, error) {
	records := make([]session.Decision, len(ds))
	for i, d := range ds {
		records[i] = session.Decision{
			Stage:    r.s.Stage,
			Priority: d.Priority,
			Category: d.Category,
			Question: d.Question,
			Options:  d.Options,
			File:     d.File,
			Line:     d.Line,
		}
	}
	added, err := r.c.registry.AddDecisions(ctx, r.s.ID, records)
	if err != nil {
		return nil, err
	}
	out := make([]Answer, 0, len(added))
	for i, d := range added {
		answer := recommendedAnswer(ds[i])
		if _, _, err := r.c.registry.AnswerDecision(ctx, r.s.ID, d.ID, answer); err != nil {
			return nil, err
		}
		out = append(out, Answer{Question: d.Question, Answer: answer})
	}
	return out, nil
}

func recommendedAnswer(d marker.Decision) string {
	if opt := d.RecommendedOption(); opt != nil {
		return opt.Label
	}
	if len(d.Options) > 0 {
		return d.Options[0].Label
	}
	return "Proceed with your best judgement."
}

// approvePlan assesses whether the plan needs tests, marks it approved and
// moves to implementing.
func (r *stageRun) approvePlan(ctx context.Context) (flow, error) {
	plan, err := r.plan(ctx)
	if err != nil {
		return flowStop, err
	}
	assessment := r.c.classifier.AssessTestRequirement(ctx, r.s.WorkDir, feature(r.s), summaries(plan.Steps))
	if _, err := r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
		p.Approved = true
		p.TestRequirement = &session.TestRequirement{Required: assessment.Required, Reason: assessment.Reason}
		return false, nil
	}); err != nil {
		return flowStop, err
	}
	r.logger.Info("plan approved", "steps", len(plan.Steps), "tests_required", assessment.Required)
	return flowContinue, r.transition(ctx, session.StageImplementing)
}
