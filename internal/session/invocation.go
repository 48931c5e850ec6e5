package session

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/thruflo/foreman/internal/store"
)

func invocationPath(s *Session, invID string) string {
	return path.Join(sessionDir(s), invocationsDir, invID+".json")
}

// BeginInvocation persists a "started" record and points the session at it.
// It must be called, and succeed, before the agent is spawned. Only the
// project's active session may start an invocation, and only one at a time.
func (r *Registry) BeginInvocation(ctx context.Context, id, kind string) (*InvocationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, s.Status)
	}
	if invID, ok := r.live[id]; ok {
		return nil, fmt.Errorf("%w: session %s, invocation %s", ErrInvocationInFlight, id, invID)
	}
	now := r.now()
	rec := &InvocationRecord{
		ID:                 uuid.NewString(),
		SessionID:          id,
		Stage:              s.Stage,
		Kind:               kind,
		Status:             InvocationStarted,
		ContinuationHandle: s.ContinuationHandle,
		StartedAt:          now,
	}
	if err := store.PutJSON(ctx, r.store, invocationPath(s, rec.ID), rec); err != nil {
		return nil, fmt.Errorf("failed to persist invocation record: %w", err)
	}
	s.LastInvocationID = rec.ID
	s.InvocationCount++
	s.LastActionAt = now
	if err := r.saveLocked(ctx, s); err != nil {
		return nil, err
	}
	r.live[id] = rec.ID
	return rec, nil
}

// ReleaseInvocation forgets an in-flight invocation without closing its
// record, e.g. when the run is cancelled and the record is left started for
// recovery.
func (r *Registry) ReleaseInvocation(rec *InvocationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(rec.SessionID, rec.ID)
}

func (r *Registry) releaseLocked(sessionID, invID string) {
	if r.live[sessionID] == invID {
		delete(r.live, sessionID)
	}
}

// InvocationResult is what FinishInvocation records.
type InvocationResult struct {
	Status             InvocationStatus
	Action             string
	Error              string
	CostUSD            float64
	ContinuationHandle string
}

// FinishInvocation closes a record and folds the result into the session:
// a new continuation handle replaces the old one and cost accumulates.
func (r *Registry) FinishInvocation(ctx context.Context, rec *InvocationRecord, res InvocationResult) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(rec.SessionID)
	if err != nil {
		return nil, err
	}
	r.releaseLocked(rec.SessionID, rec.ID)
	now := r.now()
	rec.Status = res.Status
	rec.Action = res.Action
	rec.Error = res.Error
	rec.CostUSD = res.CostUSD
	rec.FinishedAt = &now
	if res.ContinuationHandle != "" {
		rec.ContinuationHandle = res.ContinuationHandle
	}
	if err := store.PutJSON(ctx, r.store, invocationPath(s, rec.ID), rec); err != nil {
		return nil, fmt.Errorf("failed to persist invocation record: %w", err)
	}

	if res.ContinuationHandle != "" {
		s.ContinuationHandle = res.ContinuationHandle
	}
	s.TotalCostUSD += res.CostUSD
	s.LastActionAt = now
	if res.Action != "" {
		s.LastAction = res.Action
	}
	if err := r.saveLocked(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// LastInvocation returns the session's most recent invocation record, or nil.
func (r *Registry) LastInvocation(ctx context.Context, id string) (*InvocationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return r.lastInvocationLocked(ctx, s)
}

func (r *Registry) lastInvocationLocked(ctx context.Context, s *Session) (*InvocationRecord, error) {
	if s.LastInvocationID == "" {
		return nil, nil
	}
	var rec InvocationRecord
	found, err := store.GetJSON(ctx, r.store, invocationPath(s, s.LastInvocationID), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// InterruptInvocation marks the session's dangling "started" record as
// interrupted. It reports false if the last record was not left started.
func (r *Registry) InterruptInvocation(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return false, err
	}
	rec, err := r.lastInvocationLocked(ctx, s)
	if err != nil || rec == nil || rec.Status != InvocationStarted {
		return false, err
	}
	r.releaseLocked(id, rec.ID)
	now := r.now()
	rec.Status = InvocationInterrupted
	rec.FinishedAt = &now
	rec.Error = "process exited before the invocation completed"
	if err := store.PutJSON(ctx, r.store, invocationPath(s, rec.ID), rec); err != nil {
		return false, fmt.Errorf("failed to persist invocation record: %w", err)
	}
	s.LastActionAt = now
	if err := r.saveLocked(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}
