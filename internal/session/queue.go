package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/thruflo/foreman/internal/events"
)

// InsertMode selects where a session joins a project queue.
type InsertMode string

const (
	InsertEnd      InsertMode = "end"
	InsertFront    InsertMode = "front"
	InsertPosition InsertMode = "position"
)

// InsertPolicy positions a session in a queue. Position is 1-based and only
// used with InsertPosition; it is clamped to [1, len(queue)+1].
type InsertPolicy struct {
	Mode     InsertMode `json:"mode"`
	Position int        `json:"position,omitempty"`
}

// Queue returns copies of a project's queued sessions ordered by position.
func (r *Registry) Queue(projectID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queueLocked(projectID)
	out := make([]*Session, len(q))
	for i, s := range q {
		out[i] = s.Clone()
	}
	return out
}

// queueLocked returns the project's queued sessions sorted by position.
func (r *Registry) queueLocked(projectID string) []*Session {
	var q []*Session
	for _, s := range r.sessions {
		if s.ProjectID == projectID && s.Status == StatusQueued {
			q = append(q, s)
		}
	}
	sort.SliceStable(q, func(i, j int) bool {
		pi, pj := queuePos(q[i]), queuePos(q[j])
		if pi != pj {
			return pi < pj
		}
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	})
	return q
}

func queuePos(s *Session) int {
	if s.QueuePosition == nil {
		return int(^uint(0) >> 1)
	}
	return *s.QueuePosition
}

// insertLocked places s, already marked queued and present in r.sessions,
// into its project's queue and renumbers.
func (r *Registry) insertLocked(ctx context.Context, s *Session, policy InsertPolicy) error {
	var rest []*Session
	for _, q := range r.queueLocked(s.ProjectID) {
		if q.ID != s.ID {
			rest = append(rest, q)
		}
	}

	idx := len(rest)
	switch policy.Mode {
	case InsertFront:
		idx = 0
	case InsertPosition:
		pos := policy.Position
		if pos < 1 {
			pos = 1
		}
		if pos > len(rest)+1 {
			pos = len(rest) + 1
		}
		idx = pos - 1
	case InsertEnd, "":
	default:
		return fmt.Errorf("unknown insert mode: %q", policy.Mode)
	}

	ordered := make([]*Session, 0, len(rest)+1)
	ordered = append(ordered, rest[:idx]...)
	ordered = append(ordered, s)
	ordered = append(ordered, rest[idx:]...)
	return r.renumberLocked(ctx, s.ProjectID, ordered)
}

// renumberLocked assigns positions 1..N in the given order and persists the
// sessions whose position changed.
func (r *Registry) renumberLocked(ctx context.Context, projectID string, ordered []*Session) error {
	entries := make([]events.QueueEntry, len(ordered))
	for i, s := range ordered {
		pos := i + 1
		entries[i] = events.QueueEntry{SessionID: s.ID, Position: pos}
		if s.QueuePosition != nil && *s.QueuePosition == pos {
			continue
		}
		s.QueuePosition = &pos
		if err := r.saveLocked(ctx, s); err != nil {
			return err
		}
	}
	r.metrics.SetQueueDepth(projectID, len(ordered))

	update := events.QueueUpdated{Queue: entries}
	if active := r.activeLocked(projectID); active != nil {
		update.ActiveSessionID = active.ID
	}
	e, err := events.NewEvent(events.MessageTypeQueueUpdated, projectID, "", update)
	if err == nil {
		r.sink.Publish(e)
	}
	return nil
}

// removeFromQueueLocked clears s's position and renumbers the rest.
func (r *Registry) removeFromQueueLocked(ctx context.Context, s *Session) error {
	s.QueuePosition = nil
	var rest []*Session
	for _, q := range r.queueLocked(s.ProjectID) {
		if q.ID != s.ID {
			rest = append(rest, q)
		}
	}
	return r.renumberLocked(ctx, s.ProjectID, rest)
}

// activateLocked moves a non-active session into the active slot at its
// resume stage.
func (r *Registry) activateLocked(ctx context.Context, s *Session) error {
	wasQueued := s.Status == StatusQueued
	from := s.Stage
	stage := s.ResumeStage
	if !stage.IsActive() {
		stage = StageDiscovery
	}
	s.Stage = stage
	s.Status = StatusForStage(stage)
	s.ResumeStage = StageQueued
	s.LastActionAt = r.now()
	if wasQueued {
		if err := r.removeFromQueueLocked(ctx, s); err != nil {
			return err
		}
	}
	if err := r.saveLocked(ctx, s); err != nil {
		return err
	}
	r.metrics.ObserveTransition(from.String(), stage.String())
	r.publish(events.MessageTypeStageChanged, s, events.StageChanged{From: int(from), To: int(stage), Status: string(s.Status)})
	return nil
}

// promoteLocked activates the lowest-position queued session of a project,
// if the project has no active session. The session named by skip is never
// promoted; it is the one leaving the active slot.
func (r *Registry) promoteLocked(ctx context.Context, projectID, skip string) (*Session, error) {
	if r.activeLocked(projectID) != nil {
		return nil, nil
	}
	var next *Session
	for _, q := range r.queueLocked(projectID) {
		if q.ID != skip {
			next = q
			break
		}
	}
	if next == nil {
		return nil, nil
	}
	if err := r.activateLocked(ctx, next); err != nil {
		return nil, err
	}
	r.logger.Info("session promoted", "session", next.ID, "project", projectID, "stage", next.Stage)
	return next.Clone(), nil
}

// Enqueue places a paused, failed or already queued session into the queue
// at the given position. Active and completed sessions cannot be enqueued;
// use Pause to back out an active session.
func (r *Registry) Enqueue(ctx context.Context, id string, policy InsertPolicy) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	case s.Status.IsActive():
		return nil, fmt.Errorf("session %s is active; pause it first", id)
	}
	if s.Status != StatusQueued {
		if s.Stage.IsActive() {
			s.ResumeStage = s.Stage
		}
		s.Stage = StageQueued
		s.Status = StatusQueued
	}
	if err := r.insertLocked(ctx, s, policy); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Resume reactivates a paused, failed or queued session. If another session
// of the project is active, a paused or failed session is queued with
// policy instead, and a queued session yields ErrConcurrencyConflict.
func (r *Registry) Resume(ctx context.Context, id string, policy InsertPolicy) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusCompleted:
		return nil, fmt.Errorf("%w: %s", ErrTerminal, id)
	case s.Status.IsActive():
		return s.Clone(), nil
	}

	if active := r.activeLocked(s.ProjectID); active != nil {
		if s.Status == StatusQueued {
			return nil, fmt.Errorf("%w: %s is active", ErrConcurrencyConflict, active.ID)
		}
		if s.Stage.IsActive() {
			s.ResumeStage = s.Stage
		}
		s.Stage = StageQueued
		s.Status = StatusQueued
		if err := r.insertLocked(ctx, s, policy); err != nil {
			return nil, err
		}
		return s.Clone(), nil
	}

	if s.Status != StatusQueued && s.Stage.IsActive() {
		s.ResumeStage = s.Stage
	}
	s.LastError = ""
	if err := r.activateLocked(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Activate makes a queued session active. It fails with
// ErrConcurrencyConflict if the project already has an active session.
func (r *Registry) Activate(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusQueued {
		return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if active := r.activeLocked(s.ProjectID); active != nil {
		return nil, fmt.Errorf("%w: %s is active", ErrConcurrencyConflict, active.ID)
	}
	if err := r.activateLocked(ctx, s); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Reorder applies a stable partial reorder to a project's queue: the given
// ids (deduplicated) come first in the given order, followed by the other
// queued sessions in their previous relative order. Every id must be queued
// in the project.
func (r *Registry) Reorder(ctx context.Context, projectID string, ids []string) ([]*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue := r.queueLocked(projectID)
	queued := make(map[string]*Session, len(queue))
	for _, s := range queue {
		queued[s.ID] = s
	}

	seen := make(map[string]bool, len(ids))
	ordered := make([]*Session, 0, len(queue))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		s, ok := queued[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotQueued, id)
		}
		ordered = append(ordered, s)
	}
	for _, s := range queue {
		if !seen[s.ID] {
			ordered = append(ordered, s)
		}
	}

	if err := r.renumberLocked(ctx, projectID, ordered); err != nil {
		return nil, err
	}
	out := make([]*Session, len(ordered))
	for i, s := range ordered {
		out[i] = s.Clone()
	}
	return out, nil
}
