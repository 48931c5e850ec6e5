package controller

import (
	"context"

	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// discovery asks the agent to explore the repository and report a plan
// file. Decisions park the session; a missing plan file is retried within
// the validation budget and then planning starts anyway.
func (r *stageRun) discovery(ctx context.Context) (flow, error) {
	answers, err := r.answers(ctx)
	if err != nil {
		return flowStop, err
	}
	name := promptDiscovery
	data := PromptData{Answers: answers}
	if r.s.ValidationAttempts > 0 {
		name = promptDiscoveryRetry
		data.Attempt = r.s.ValidationAttempts
		data.MaxAttempts = r.c.limits.MaxValidationAttempts
	}
	prompt, err := r.render(name, data)
	if err != nil {
		return flowStop, err
	}

	res, err := r.invoke(ctx, "discovery", prompt)
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
	if out.PlanFilePath != "" || len(out.PlanSteps) > 0 {
		if _, err := r.applyPlan(ctx, out); err != nil {
			return flowStop, err
		}
		return flowContinue, r.transition(ctx, session.StagePlanning)
	}

	_, allowed, err := r.validationAttempt(ctx)
	if err != nil {
		return flowStop, err
	}
	if allowed {
		return flowContinue, nil
	}
	r.exhausted("no plan file was reported")
	return flowContinue, r.transition(ctx, session.StagePlanning)
}

// applyPlan stores the plan file path and proposed steps of an outcome.
// Steps without a complexity get an estimate from the classifier.
func (r *stageRun) applyPlan(ctx context.Context, out marker.Outcome) (*session.Plan, error) {
	current, err := r.plan(ctx)
	if err != nil {
		return nil, err
	}
	steps := append([]marker.PlanStep(nil), out.PlanSteps...)
	for i := range steps {
		if steps[i].Complexity != "" {
			continue
		}
		if old := current.Step(steps[i].ID); old != nil && old.Complexity != "" {
			continue
		}
		steps[i].Complexity = r.c.classifier.EstimateComplexity(ctx, r.s.WorkDir, summaryOf(steps[i]))
	}

	return r.c.registry.UpdatePlan(ctx, r.s.ID, func(p *session.Plan) (bool, error) {
		if out.PlanFilePath != "" {
			p.FilePath = out.PlanFilePath
		}
		if len(steps) == 0 {
			return false, nil
		}
		p.ReplaceSteps(steps)
		return true, nil
	})
}
