package session

import (
	"context"
	"fmt"

	"github.com/thruflo/foreman/internal/events"
)

// TransitionStage moves an active session along the stage graph. Illegal
// edges are rejected with a *TransitionError naming the valid targets.
// Planning→Implementing additionally requires an approved plan. Moving to a
// lower stage increments the plan's review count, capped at the registry
// maximum. Moving to StageQueued pauses the session to the end of the queue
// and moving to StageCompleted completes it; both promote the next queued
// session.
func (r *Registry) TransitionStage(ctx context.Context, id string, to Stage) (*Session, error) {
	var promoted *Session
	s, err := func() (*Session, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		s, err := r.getLocked(id)
		if err != nil {
			return nil, err
		}
		if !s.Status.IsActive() {
			return nil, &TransitionError{SessionID: id, From: s.Stage, To: to, Reason: fmt.Errorf("session is %s", s.Status)}
		}
		if !CanTransition(s.Stage, to) {
			return nil, &TransitionError{SessionID: id, From: s.Stage, To: to, Valid: ValidTargets(s.Stage)}
		}

		switch to {
		case StageQueued:
			promoted, err = r.pauseLocked(ctx, s, true, InsertPolicy{Mode: InsertEnd})
			return s, err
		case StageCompleted:
			promoted, err = r.finishLocked(ctx, s, StatusCompleted, "")
			return s, err
		}

		if s.Stage == StagePlanning && to == StageImplementing {
			plan, err := r.loadPlanLocked(ctx, s)
			if err != nil {
				return nil, err
			}
			if plan == nil || !plan.Approved {
				return nil, &TransitionError{SessionID: id, From: s.Stage, To: to, Valid: ValidTargets(s.Stage), Reason: ErrPlanNotApproved}
			}
		}
		if to < s.Stage {
			if err := r.bumpReviewCountLocked(ctx, s); err != nil {
				return nil, err
			}
		}

		if err := r.commitStageLocked(ctx, s, to, StatusForStage(to)); err != nil {
			return nil, err
		}
		return s, nil
	}()
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		r.notifyPromoted([]*Session{promoted})
	}
	return s.Clone(), nil
}

// commitStageLocked persists the new stage and status and announces it.
func (r *Registry) commitStageLocked(ctx context.Context, s *Session, to Stage, status Status) error {
	from := s.Stage
	prevStage, prevStatus := s.Stage, s.Status
	s.Stage = to
	s.Status = status
	s.LastActionAt = r.now()
	if err := r.saveLocked(ctx, s); err != nil {
		s.Stage, s.Status = prevStage, prevStatus
		return err
	}
	r.metrics.ObserveTransition(from.String(), to.String())
	r.publish(events.MessageTypeStageChanged, s, events.StageChanged{From: int(from), To: int(to), Status: string(status)})
	r.logger.Info("stage changed", "session", s.ID, "from", from, "to", to)
	return nil
}

func (r *Registry) bumpReviewCountLocked(ctx context.Context, s *Session) error {
	plan, err := r.loadPlanLocked(ctx, s)
	if err != nil {
		return err
	}
	if plan == nil {
		return nil
	}
	if plan.ReviewCount < r.maxReviewCount {
		plan.ReviewCount++
	}
	plan.Approved = false
	return r.savePlanLocked(ctx, s, plan, false)
}

// Pause backs out an active session. With toQueue the session joins the
// queue (stage 0) according to policy; otherwise it becomes paused and keeps
// its stage. The next queued session of the project is promoted. A session
// whose agent invocation is still live cannot be paused.
func (r *Registry) Pause(ctx context.Context, id string, toQueue bool, policy InsertPolicy) (*Session, error) {
	var promoted *Session
	s, err := func() (*Session, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, err := r.getLocked(id)
		if err != nil {
			return nil, err
		}
		if !s.Status.IsActive() {
			return nil, fmt.Errorf("cannot pause session %s: status is %s", id, s.Status)
		}
		if invID, ok := r.live[id]; ok {
			return nil, fmt.Errorf("%w: session %s, invocation %s", ErrInvocationInFlight, id, invID)
		}
		promoted, err = r.pauseLocked(ctx, s, toQueue, policy)
		return s, err
	}()
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		r.notifyPromoted([]*Session{promoted})
	}
	return s.Clone(), nil
}

// pauseLocked promotes before queueing s so a paused session does not jump
// ahead of sessions that were already waiting. A session alone in its
// project stays queued.
func (r *Registry) pauseLocked(ctx context.Context, s *Session, toQueue bool, policy InsertPolicy) (*Session, error) {
	from := s.Stage
	s.ResumeStage = s.Stage
	if toQueue {
		s.Stage = StageQueued
		s.Status = StatusQueued
		s.QueuePosition = nil
	} else {
		s.Status = StatusPaused
	}
	s.LastActionAt = r.now()

	promoted, err := r.promoteLocked(ctx, s.ProjectID, s.ID)
	if err != nil {
		return nil, err
	}
	if toQueue {
		if err := r.insertLocked(ctx, s, policy); err != nil {
			return nil, err
		}
	} else if err := r.saveLocked(ctx, s); err != nil {
		return nil, err
	}
	r.metrics.ObserveTransition(from.String(), s.Stage.String())
	r.publish(events.MessageTypeStageChanged, s, events.StageChanged{From: int(from), To: int(s.Stage), Status: string(s.Status)})
	return promoted, nil
}

// Fail marks an active session failed with reason and promotes the next
// queued session. The stage is kept so Resume can continue from it.
func (r *Registry) Fail(ctx context.Context, id, reason string) (*Session, error) {
	return r.finish(ctx, id, StatusFailed, reason)
}

// Complete marks a session completed. Only FinalApproval may complete.
func (r *Registry) Complete(ctx context.Context, id string) (*Session, error) {
	return r.TransitionStage(ctx, id, StageCompleted)
}

func (r *Registry) finish(ctx context.Context, id string, status Status, reason string) (*Session, error) {
	var promoted *Session
	s, err := func() (*Session, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		s, err := r.getLocked(id)
		if err != nil {
			return nil, err
		}
		if !s.Status.IsActive() {
			return nil, fmt.Errorf("cannot mark session %s %s: status is %s", id, status, s.Status)
		}
		promoted, err = r.finishLocked(ctx, s, status, reason)
		return s, err
	}()
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		r.notifyPromoted([]*Session{promoted})
	}
	return s.Clone(), nil
}

func (r *Registry) finishLocked(ctx context.Context, s *Session, status Status, reason string) (*Session, error) {
	to := s.Stage
	if status == StatusCompleted {
		to = StageCompleted
	}
	s.LastError = reason
	if err := r.commitStageLocked(ctx, s, to, status); err != nil {
		return nil, err
	}
	return r.promoteLocked(ctx, s.ProjectID, s.ID)
}

// AwaitInput parks an active session until its pending decisions are
// answered. The session keeps the project's active slot.
func (r *Registry) AwaitInput(ctx context.Context, id string) (*Session, error) {
	return r.setStatus(ctx, id, StatusAwaitingInput)
}

// ResumeFromInput returns a session awaiting input to its stage status.
func (r *Registry) ResumeFromInput(ctx context.Context, id string) (*Session, error) {
	return r.updateStatus(ctx, id, func(s *Session) Status { return StatusForStage(s.Stage) })
}

func (r *Registry) setStatus(ctx context.Context, id string, status Status) (*Session, error) {
	return r.updateStatus(ctx, id, func(*Session) Status { return status })
}

// updateStatus derives the new status from the session under the same lock
// that writes it.
func (r *Registry) updateStatus(ctx context.Context, id string, next func(*Session) Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsActive() {
		return nil, fmt.Errorf("session %s is not active: %s", id, s.Status)
	}
	status := next(s)
	if s.Status == status {
		return s.Clone(), nil
	}
	prev := s.Status
	s.Status = status
	s.LastActionAt = r.now()
	if err := r.saveLocked(ctx, s); err != nil {
		s.Status = prev
		return nil, err
	}
	r.publish(events.MessageTypeStageChanged, s, events.StageChanged{From: int(s.Stage), To: int(s.Stage), Status: string(status)})
	return s.Clone(), nil
}
