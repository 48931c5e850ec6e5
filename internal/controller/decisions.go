package controller

import (
	"context"
	"fmt"

	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// Categories of the decisions the pipeline raises on its own behalf. Their
// answers select what happens when the session resumes.
const (
	CategoryBlocker  = "blocker"
	CategoryReview   = "review"
	CategoryApproval = "approval"
)

// Options offered on pipeline decisions.
const (
	OptionRetryStep        = "Retry the step"
	OptionReturnToPlanning = "Return to planning"
	OptionReviewAgain      = "Review again"
	OptionApprovePR        = "Approve the pull request"
	OptionApproveComplete  = "Approve and complete"
	OptionReturnToReview   = "Return to review"
)

func blockerDecision(question string) marker.Decision {
	return marker.Decision{
		Priority: 1,
		Category: CategoryBlocker,
		Question: question,
		Options: []marker.Option{
			{Label: OptionRetryStep, Description: "Reset the step and let the agent try again", Recommended: true},
			{Label: OptionReturnToPlanning, Description: "Revise the plan before continuing"},
		},
	}
}

func reviewDecision(question string) marker.Decision {
	return marker.Decision{
		Priority: 2,
		Category: CategoryReview,
		Question: question,
		Options: []marker.Option{
			{Label: OptionReviewAgain, Description: "Run the review again", Recommended: true},
			{Label: OptionApprovePR, Description: "Treat the pull request as approved"},
			{Label: OptionReturnToPlanning, Description: "Revise the plan"},
		},
	}
}

func approvalDecision(question string) marker.Decision {
	return marker.Decision{
		Priority: 2,
		Category: CategoryApproval,
		Question: question,
		Options: []marker.Option{
			{Label: OptionApproveComplete, Description: "Mark the session completed", Recommended: true},
			{Label: OptionReturnToReview, Description: "Send the pull request back to review"},
			{Label: OptionReturnToPlanning, Description: "Revise the plan"},
		},
	}
}

// AnswerDecision records an answer. When it was the last pending decision of
// a session awaiting input, the session resumes its stage and a run is
// launched.
func (c *Controller) AnswerDecision(ctx context.Context, sessionID, decisionID, answer string) (*session.Decision, error) {
	d, remaining, err := c.registry.AnswerDecision(ctx, sessionID, decisionID, answer)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return d, nil
	}
	s, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusAwaitingInput {
		return d, nil
	}
	if _, err := c.registry.ResumeFromInput(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", sessionID, err)
	}
	c.logger.Info("all decisions answered, resuming", "session_id", sessionID, "stage", s.Stage)
	if launch := c.launcher(); launch != nil {
		launch(sessionID)
	}
	return d, nil
}
