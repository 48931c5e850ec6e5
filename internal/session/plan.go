package session

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/store"
)

func (r *Registry) loadPlanLocked(ctx context.Context, s *Session) (*Plan, error) {
	var p Plan
	found, err := store.GetJSON(ctx, r.store, path.Join(sessionDir(s), planDocName), &p)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan for %s: %w", s.ID, err)
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (r *Registry) savePlanLocked(ctx context.Context, s *Session, p *Plan, structural bool) error {
	if structural {
		p.Version++
	}
	p.SessionID = s.ID
	p.UpdatedAt = r.now()
	if err := store.PutJSON(ctx, r.store, path.Join(sessionDir(s), planDocName), p); err != nil {
		return fmt.Errorf("failed to persist plan for %s: %w", s.ID, err)
	}
	r.publish(events.MessageTypePlanUpdated, s, events.PlanUpdated{
		Version:     p.Version,
		Approved:    p.Approved,
		ReviewCount: p.ReviewCount,
		Steps:       len(p.Steps),
		Completed:   p.CompletedCount(),
	})
	return nil
}

// GetPlan returns a copy of the session's plan, or nil if none exists yet.
func (r *Registry) GetPlan(ctx context.Context, id string) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return r.loadPlanLocked(ctx, s)
}

// UpdatePlan applies fn to the session's plan (a fresh plan if none exists)
// and persists the result. fn reports whether it changed the plan's
// structure; structural changes bump the plan version. An error from fn
// aborts without saving.
func (r *Registry) UpdatePlan(ctx context.Context, id string, fn func(p *Plan) (structural bool, err error)) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	p, err := r.loadPlanLocked(ctx, s)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Plan{SessionID: id}
	}
	structural, err := fn(p)
	if err != nil {
		return nil, err
	}
	if p.ReviewCount > r.maxReviewCount {
		p.ReviewCount = r.maxReviewCount
	}
	if err := r.savePlanLocked(ctx, s, p, structural); err != nil {
		return nil, err
	}
	s.LastActionAt = r.now()
	if err := r.saveLocked(ctx, s); err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (r *Registry) loadDecisionsLocked(ctx context.Context, s *Session) ([]*Decision, error) {
	var ds []*Decision
	if _, err := store.GetJSON(ctx, r.store, path.Join(sessionDir(s), decisionDocName), &ds); err != nil {
		return nil, fmt.Errorf("failed to load decisions for %s: %w", s.ID, err)
	}
	return ds, nil
}

func (r *Registry) saveDecisionsLocked(ctx context.Context, s *Session, ds []*Decision) error {
	if ds == nil {
		ds = []*Decision{}
	}
	if err := store.PutJSON(ctx, r.store, path.Join(sessionDir(s), decisionDocName), ds); err != nil {
		return fmt.Errorf("failed to persist decisions for %s: %w", s.ID, err)
	}
	return nil
}

// Decisions returns all decisions recorded for a session, oldest first.
func (r *Registry) Decisions(ctx context.Context, id string) ([]*Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return r.loadDecisionsLocked(ctx, s)
}

// PendingDecisions returns the unanswered decisions of a session.
func (r *Registry) PendingDecisions(ctx context.Context, id string) ([]*Decision, error) {
	all, err := r.Decisions(ctx, id)
	if err != nil {
		return nil, err
	}
	var pending []*Decision
	for _, d := range all {
		if d.Pending() {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// AddDecisions assigns ids to ds, persists them and announces each one.
func (r *Registry) AddDecisions(ctx context.Context, id string, ds []Decision) ([]*Decision, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	existing, err := r.loadDecisionsLocked(ctx, s)
	if err != nil {
		return nil, err
	}
	now := r.now()
	added := make([]*Decision, 0, len(ds))
	for i := range ds {
		d := ds[i]
		d.ID = uuid.NewString()
		d.SessionID = id
		d.CreatedAt = now
		d.Answer = nil
		d.AnsweredAt = nil
		added = append(added, &d)
	}
	if err := r.saveDecisionsLocked(ctx, s, append(existing, added...)); err != nil {
		return nil, err
	}
	r.metrics.ObserveDecisions(s.Stage.String(), len(added))

	for _, d := range added {
		opts := make([]events.DecisionOption, len(d.Options))
		for i, o := range d.Options {
			opts[i] = events.DecisionOption{Label: o.Label, Description: o.Description, Recommended: o.Recommended}
		}
		r.publish(events.MessageTypeDecisionRaised, s, events.DecisionRaised{
			DecisionID: d.ID,
			Priority:   d.Priority,
			Category:   d.Category,
			Question:   d.Question,
			Options:    opts,
			StepID:     d.StepID,
		})
	}
	return added, nil
}

// AnswerDecision records an answer and returns the decision along with the
// number of decisions still pending for the session.
func (r *Registry) AnswerDecision(ctx context.Context, id, decisionID, answer string) (*Decision, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, 0, err
	}
	ds, err := r.loadDecisionsLocked(ctx, s)
	if err != nil {
		return nil, 0, err
	}

	var target *Decision
	pending := 0
	for _, d := range ds {
		if d.ID == decisionID {
			target = d
			continue
		}
		if d.Pending() {
			pending++
		}
	}
	if target == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrDecisionNotFound, decisionID)
	}
	if !target.Pending() {
		return nil, pending, fmt.Errorf("decision %s is already answered", decisionID)
	}

	now := r.now()
	target.Answer = &answer
	target.AnsweredAt = &now
	if err := r.saveDecisionsLocked(ctx, s, ds); err != nil {
		return nil, 0, err
	}
	s.LastActionAt = now
	if err := r.saveLocked(ctx, s); err != nil {
		return nil, 0, err
	}
	r.publish(events.MessageTypeDecisionAnswered, s, events.DecisionAnswered{DecisionID: decisionID, Answer: answer})
	return target, pending, nil
}
