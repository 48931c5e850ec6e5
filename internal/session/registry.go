package session

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/metrics"
	"github.com/thruflo/foreman/internal/store"
)

const (
	sessionsPrefix  = "sessions/"
	sessionDocName  = "session.json"
	planDocName     = "plan.json"
	decisionDocName = "decisions.json"
	invocationsDir  = "invocations"
)

// DefaultMaxReviewCount caps Plan.ReviewCount.
const DefaultMaxReviewCount = 10

// PromoteFunc is called, outside the registry lock, for every session that
// is promoted from the queue to active.
type PromoteFunc func(s *Session)

// Options configures a Registry.
type Options struct {
	Sink           events.Sink
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	MaxReviewCount int
	Now            func() time.Time
}

// Registry owns every Session, Plan, Decision and InvocationRecord. All
// mutations, including queue bookkeeping, happen under one mutex so
// concurrent requests cannot break the one-active-per-project rule or leave
// gaps in queue positions.
type Registry struct {
	mu       sync.Mutex
	store    store.DocumentStore
	sessions map[string]*Session
	// live maps a session to its in-flight invocation. It is not persisted:
	// records left started by a dead process are handled by recovery.
	live map[string]string

	sink           events.Sink
	logger         *logging.Logger
	metrics        *metrics.Metrics
	maxReviewCount int
	now            func() time.Time

	promoteMu sync.Mutex
	onPromote PromoteFunc
}

// NewRegistry loads all persisted sessions from st.
func NewRegistry(ctx context.Context, st store.DocumentStore, opts Options) (*Registry, error) {
	r := &Registry{
		store:          st,
		sessions:       make(map[string]*Session),
		live:           make(map[string]string),
		sink:           opts.Sink,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		maxReviewCount: opts.MaxReviewCount,
		now:            opts.Now,
	}
	if r.sink == nil {
		r.sink = events.Discard
	}
	if r.logger == nil {
		r.logger = logging.Default()
	}
	if r.maxReviewCount <= 0 {
		r.maxReviewCount = DefaultMaxReviewCount
	}
	if r.now == nil {
		r.now = time.Now
	}

	paths, err := st.List(ctx, sessionsPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, p := range paths {
		if path.Base(p) != sessionDocName {
			continue
		}
		var s Session
		found, err := store.GetJSON(ctx, st, p, &s)
		if err != nil {
			r.logger.Warn("skipping unreadable session", "path", p, "error", err)
			continue
		}
		if found && s.ID != "" {
			r.sessions[s.ID] = &s
		}
	}
	for _, project := range r.projects() {
		r.metrics.SetQueueDepth(project, len(r.queueLocked(project)))
	}
	return r, nil
}

// OnPromote registers the callback invoked for promoted sessions.
func (r *Registry) OnPromote(fn PromoteFunc) {
	r.promoteMu.Lock()
	defer r.promoteMu.Unlock()
	r.onPromote = fn
}

func (r *Registry) notifyPromoted(promoted []*Session) {
	r.promoteMu.Lock()
	fn := r.onPromote
	r.promoteMu.Unlock()
	if fn == nil {
		return
	}
	for _, s := range promoted {
		fn(s)
	}
}

func sessionDir(s *Session) string {
	return path.Join("sessions", s.ProjectID, s.ID)
}

func (r *Registry) saveLocked(ctx context.Context, s *Session) error {
	s.UpdatedAt = r.now()
	if err := store.PutJSON(ctx, r.store, path.Join(sessionDir(s), sessionDocName), s); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", s.ID, err)
	}
	return nil
}

func (r *Registry) getLocked(id string) (*Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (r *Registry) publish(msgType events.MessageType, s *Session, data any) {
	e, err := events.NewEvent(msgType, s.ProjectID, s.ID, data)
	if err != nil {
		r.logger.Warn("failed to build event", "type", msgType, "error", err)
		return
	}
	r.sink.Publish(e)
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ProjectID   string
	FeatureID   string
	Title       string
	Description string
	WorkDir     string
	Branch      string
	// Insert positions the session when the project already has an active
	// session. The zero value appends.
	Insert InsertPolicy
}

// Create registers a new session. If the project has no active session the
// new one starts in Discovery; otherwise it is queued according to
// req.Insert. The check and the insert happen in one critical section.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if strings.ContainsAny(req.ProjectID, "/\\") || strings.HasPrefix(req.ProjectID, ".") {
		return nil, fmt.Errorf("invalid project id: %q", req.ProjectID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		ProjectID:    req.ProjectID,
		FeatureID:    req.FeatureID,
		Title:        req.Title,
		Description:  req.Description,
		WorkDir:      req.WorkDir,
		Branch:       req.Branch,
		CreatedAt:    now,
		LastActionAt: now,
	}
	if s.FeatureID == "" {
		s.FeatureID = s.ID
	}

	if active := r.activeLocked(req.ProjectID); active != nil {
		s.Stage = StageQueued
		s.Status = StatusQueued
		s.ResumeStage = StageDiscovery
		r.sessions[s.ID] = s
		if err := r.insertLocked(ctx, s, req.Insert); err != nil {
			delete(r.sessions, s.ID)
			return nil, err
		}
		r.logger.Info("session queued", "session", s.ID, "project", s.ProjectID, "position", *s.QueuePosition)
		return s.Clone(), nil
	}

	s.Stage = StageDiscovery
	s.Status = StatusDiscovery
	r.sessions[s.ID] = s
	if err := r.saveLocked(ctx, s); err != nil {
		delete(r.sessions, s.ID)
		return nil, err
	}
	r.publish(events.MessageTypeStageChanged, s, events.StageChanged{From: int(StageQueued), To: int(StageDiscovery), Status: string(s.Status)})
	r.logger.Info("session created", "session", s.ID, "project", s.ProjectID)
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// List returns copies of all sessions ordered by project, then active
// first, then queue position, then creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sortSessions(out)
	return out
}

// ListByProject returns copies of a project's sessions in List order.
func (r *Registry) ListByProject(projectID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			out = append(out, s.Clone())
		}
	}
	sortSessions(out)
	return out
}

// Active returns the project's active session, or nil.
func (r *Registry) Active(projectID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.activeLocked(projectID); s != nil {
		return s.Clone()
	}
	return nil
}

func sortSessions(ss []*Session) {
	rank := func(s *Session) int {
		switch {
		case s.Status.IsActive():
			return 0
		case s.Status == StatusQueued:
			return 1
		}
		return 2
	}
	sort.SliceStable(ss, func(i, j int) bool {
		a, b := ss[i], ss[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if a.QueuePosition != nil && b.QueuePosition != nil && *a.QueuePosition != *b.QueuePosition {
			return *a.QueuePosition < *b.QueuePosition
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// Update applies fn to the session and persists it. Stage, status and queue
// position are owned by the transition operations and are restored if fn
// changes them.
func (r *Registry) Update(ctx context.Context, id string, fn func(s *Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.getLocked(id)
	if err != nil {
		return nil, err
	}
	next := s.Clone()
	fn(next)
	next.ID, next.ProjectID = s.ID, s.ProjectID
	next.Stage, next.Status, next.QueuePosition = s.Stage, s.Status, s.QueuePosition
	next.LastActionAt = r.now()
	if err := r.saveLocked(ctx, next); err != nil {
		return nil, err
	}
	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *Registry) activeLocked(projectID string) *Session {
	for _, s := range r.sessions {
		if s.ProjectID == projectID && s.Status.IsActive() {
			return s
		}
	}
	return nil
}

func (r *Registry) projects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.sessions {
		if !seen[s.ProjectID] {
			seen[s.ProjectID] = true
			out = append(out, s.ProjectID)
		}
	}
	sort.Strings(out)
	return out
}
