// Package recovery finds sessions whose agent invocation was cut short by a
// crash and hands them back to the controller.
package recovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/metrics"
	"github.com/thruflo/foreman/internal/session"
)

// DefaultThreshold is how long an active session may go without activity
// before a dangling invocation is considered crashed.
const DefaultThreshold = 5 * time.Minute

// Launcher re-enters the controller for a session.
type Launcher interface {
	Launch(sessionID string)
	Running(sessionID string) bool
}

// Candidate is a session found with a dangling invocation.
type Candidate struct {
	SessionID    string
	ProjectID    string
	Stage        session.Stage
	InvocationID string
	LastActionAt time.Time
	// Skipped is set when the session is left for a manual restart.
	Skipped bool
	Reason  string
}

// Options configures a Scanner.
type Options struct {
	Registry  *session.Registry
	Launcher  Launcher
	Threshold time.Duration
	// IncludeDiscovery also resumes sessions stuck in discovery.
	IncludeDiscovery bool
	Metrics          *metrics.Metrics
	Logger           *logging.Logger
	Now              func() time.Time
}

// Scanner detects and resumes stuck sessions.
type Scanner struct {
	registry         *session.Registry
	launcher         Launcher
	threshold        time.Duration
	includeDiscovery bool
	metrics          *metrics.Metrics
	logger           *logging.Logger
	now              func() time.Time
}

// NewScanner creates a Scanner.
func NewScanner(opts Options) *Scanner {
	s := &Scanner{
		registry:         opts.Registry,
		launcher:         opts.Launcher,
		threshold:        opts.Threshold,
		includeDiscovery: opts.IncludeDiscovery,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		now:              opts.Now,
	}
	if s.threshold <= 0 {
		s.threshold = DefaultThreshold
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// IsStuck reports whether a session's last invocation was left started by
// a process that is gone: the session is active in a stage, nothing has
// happened for longer than threshold, and the record never finished.
func IsStuck(s *session.Session, last *session.InvocationRecord, now time.Time, threshold time.Duration) bool {
	if s == nil || last == nil {
		return false
	}
	if !s.Status.IsActive() || !s.Stage.IsActive() {
		return false
	}
	if last.Status != session.InvocationStarted {
		return false
	}
	return now.Sub(s.LastActionAt) > threshold
}

// Scan returns every stuck session, ordered by project and last activity.
// Sessions with a run in progress in this process are never stuck.
func (sc *Scanner) Scan(ctx context.Context) ([]Candidate, error) {
	now := sc.now()
	var out []Candidate
	for _, s := range sc.registry.List() {
		if sc.launcher != nil && sc.launcher.Running(s.ID) {
			continue
		}
		last, err := sc.registry.LastInvocation(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		if !IsStuck(s, last, now, sc.threshold) {
			continue
		}
		c := Candidate{
			SessionID:    s.ID,
			ProjectID:    s.ProjectID,
			Stage:        s.Stage,
			InvocationID: last.ID,
			LastActionAt: s.LastActionAt,
		}
		if s.Stage == session.StageDiscovery && !sc.includeDiscovery {
			c.Skipped = true
			c.Reason = "stuck in discovery; restart manually"
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].LastActionAt.Before(out[j].LastActionAt)
	})
	return out, nil
}

// Recover scans, marks each dangling invocation interrupted and re-enters
// the controller for the session's current stage. Skipped candidates are
// reported but left untouched.
func (sc *Scanner) Recover(ctx context.Context) ([]Candidate, error) {
	candidates, err := sc.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		recovered []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		c := &candidates[i]
		if c.Skipped {
			sc.logger.Warn("session stuck, not resuming", "session_id", c.SessionID, "stage", c.Stage, "reason", c.Reason)
			continue
		}
		g.Go(func() error {
			ok, err := sc.registry.InterruptInvocation(gctx, c.SessionID)
			if err != nil {
				return err
			}
			if !ok {
				c.Skipped = true
				c.Reason = "invocation already finished"
				return nil
			}
			sc.metrics.ObserveRecovery()
			sc.logger.Info("recovering session", "session_id", c.SessionID, "stage", c.Stage, "idle", sc.now().Sub(c.LastActionAt).Round(time.Second))
			mu.Lock()
			recovered = append(recovered, c.SessionID)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidates, err
	}

	if sc.launcher != nil {
		for _, id := range recovered {
			sc.launcher.Launch(id)
		}
	}
	return candidates, nil
}

// ResumeIdle launches every session that is active in a stage and not
// waiting on anyone but has no run in progress, such as sessions left
// between invocations when the previous process stopped. Sessions with a
// started invocation are left to Recover. A discovery session that has
// already invoked the agent is only resumed with IncludeDiscovery.
func (sc *Scanner) ResumeIdle(ctx context.Context) ([]string, error) {
	var resumed []string
	for _, s := range sc.registry.List() {
		if !s.Stage.IsActive() || s.Status != session.StatusForStage(s.Stage) {
			continue
		}
		if sc.launcher != nil && sc.launcher.Running(s.ID) {
			continue
		}
		last, err := sc.registry.LastInvocation(ctx, s.ID)
		if err != nil {
			return resumed, err
		}
		if last != nil && last.Status == session.InvocationStarted {
			continue
		}
		if last != nil && s.Stage == session.StageDiscovery && !sc.includeDiscovery {
			sc.logger.Warn("session idle in discovery, not resuming", "session_id", s.ID)
			continue
		}
		sc.logger.Info("resuming idle session", "session_id", s.ID, "stage", s.Stage)
		resumed = append(resumed, s.ID)
	}
	if sc.launcher != nil {
		for _, id := range resumed {
			sc.launcher.Launch(id)
		}
	}
	return resumed, nil
}

// Run recovers once and then again every interval until ctx is done. A
// zero interval recovers once.
func (sc *Scanner) Run(ctx context.Context, interval time.Duration) error {
	if _, err := sc.Recover(ctx); err != nil {
		return err
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sc.Recover(ctx); err != nil {
				sc.logger.Error("recovery scan failed", "error", err)
			}
		}
	}
}
