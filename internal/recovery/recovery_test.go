package recovery

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/session"
	"github.com/thruflo/foreman/internal/testutil"
)

type launcher struct {
	mu       sync.Mutex
	launched []string
	running  map[string]bool
}

func (l *launcher) Launch(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, id)
}

func (l *launcher) Running(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running[id]
}

type fixture struct {
	reg      *session.Registry
	clock    *testutil.Clock
	launcher *launcher
	scanner  *Scanner
}

func newFixture(t *testing.T, includeDiscovery bool) *fixture {
	t.Helper()
	env := testutil.NewRegistry(t)
	f := &fixture{
		reg:      env.Registry,
		clock:    env.Clock,
		launcher: &launcher{running: map[string]bool{}},
	}
	f.scanner = NewScanner(Options{
		Registry:         f.reg,
		Launcher:         f.launcher,
		IncludeDiscovery: includeDiscovery,
		Now:              f.clock.Now,
	})
	return f
}

// started creates an active session in stage with a dangling invocation.
func (f *fixture) started(t *testing.T, project string, stage session.Stage) *session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := f.reg.Create(ctx, session.CreateRequest{ProjectID: project, Title: "feature", WorkDir: "/tmp/" + project})
	require.NoError(t, err)
	if stage >= session.StagePlanning {
		_, err = f.reg.TransitionStage(ctx, s.ID, session.StagePlanning)
		require.NoError(t, err)
	}
	_, err = f.reg.BeginInvocation(ctx, s.ID, "planning")
	require.NoError(t, err)
	return s
}

func TestIsStuck(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	active := &session.Session{Stage: session.StagePlanning, Status: session.StatusPlanning, LastActionAt: now.Add(-6 * time.Minute)}
	started := &session.InvocationRecord{Status: session.InvocationStarted}

	assert.True(t, IsStuck(active, started, now, DefaultThreshold))
	assert.False(t, IsStuck(active, started, now, 10*time.Minute))
	assert.False(t, IsStuck(active, &session.InvocationRecord{Status: session.InvocationCompleted}, now, DefaultThreshold))
	assert.False(t, IsStuck(active, nil, now, DefaultThreshold))

	fresh := *active
	fresh.LastActionAt = now.Add(-time.Minute)
	assert.False(t, IsStuck(&fresh, started, now, DefaultThreshold))

	failed := *active
	failed.Status = session.StatusFailed
	assert.False(t, IsStuck(&failed, started, now, DefaultThreshold))

	queued := &session.Session{Stage: session.StageQueued, Status: session.StatusQueued, LastActionAt: active.LastActionAt}
	assert.False(t, IsStuck(queued, started, now, DefaultThreshold))
}

func TestScan_SelectsStaleSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	stale := f.started(t, "alpha", session.StagePlanning)
	discovery := f.started(t, "beta", session.StageDiscovery)
	f.clock.Advance(6 * time.Minute)
	recent := f.started(t, "gamma", session.StagePlanning)

	candidates, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, stale.ID, candidates[0].SessionID)
	assert.False(t, candidates[0].Skipped)
	assert.Equal(t, discovery.ID, candidates[1].SessionID)
	assert.True(t, candidates[1].Skipped)
	for _, c := range candidates {
		assert.NotEqual(t, recent.ID, c.SessionID)
	}
}

func TestScan_IgnoresRunningSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	s := f.started(t, "alpha", session.StagePlanning)
	f.clock.Advance(time.Hour)
	f.launcher.running[s.ID] = true

	candidates, err := f.scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRecover_InterruptsAndLaunches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	stale := f.started(t, "alpha", session.StagePlanning)
	discovery := f.started(t, "beta", session.StageDiscovery)
	f.clock.Advance(10 * time.Minute)

	candidates, err := f.scanner.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, []string{stale.ID}, f.launcher.launched)

	rec, err := f.reg.LastInvocation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, session.InvocationInterrupted, rec.Status)

	rec, err = f.reg.LastInvocation(ctx, discovery.ID)
	require.NoError(t, err)
	assert.Equal(t, session.InvocationStarted, rec.Status)

	// The interrupted record is no longer stuck.
	f.clock.Advance(10 * time.Minute)
	candidates, err = f.scanner.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, discovery.ID, candidates[0].SessionID)
}

func TestRecover_IncludeDiscovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true)

	s := f.started(t, "alpha", session.StageDiscovery)
	f.clock.Advance(10 * time.Minute)

	_, err := f.scanner.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, f.launcher.launched)
}

func TestRun_StopsWithContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)

	require.NoError(t, f.scanner.Run(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.scanner.Run(ctx, time.Hour), context.Canceled)
}

func TestResumeIdle_LaunchesSessionsBetweenInvocations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false)
	ctx := context.Background()

	// Finished its last invocation but never started the next one.
	idle := f.started(t, "alpha", session.StagePlanning)
	rec, err := f.reg.LastInvocation(ctx, idle.ID)
	require.NoError(t, err)
	_, err = f.reg.FinishInvocation(ctx, rec, session.InvocationResult{Status: session.InvocationCompleted})
	require.NoError(t, err)

	// Created but never run.
	fresh, err := f.reg.Create(ctx, session.CreateRequest{ProjectID: "beta", Title: "feature", WorkDir: "/tmp/beta"})
	require.NoError(t, err)

	// Left to Recover.
	stuck := f.started(t, "gamma", session.StagePlanning)

	// Already running here.
	running := f.started(t, "delta", session.StagePlanning)
	rec, err = f.reg.LastInvocation(ctx, running.ID)
	require.NoError(t, err)
	_, err = f.reg.FinishInvocation(ctx, rec, session.InvocationResult{Status: session.InvocationCompleted})
	require.NoError(t, err)
	f.launcher.running[running.ID] = true

	// Waiting on an answer.
	waiting := f.started(t, "epsilon", session.StagePlanning)
	rec, err = f.reg.LastInvocation(ctx, waiting.ID)
	require.NoError(t, err)
	_, err = f.reg.FinishInvocation(ctx, rec, session.InvocationResult{Status: session.InvocationCompleted})
	require.NoError(t, err)
	_, err = f.reg.AwaitInput(ctx, waiting.ID)
	require.NoError(t, err)

	// Queued behind idle.
	queued, err := f.reg.Create(ctx, session.CreateRequest{ProjectID: "alpha", Title: "later", WorkDir: "/tmp/alpha"})
	require.NoError(t, err)
	testutil.AssertStatus(t, queued, session.StatusQueued)

	resumed, err := f.scanner.ResumeIdle(ctx)
	require.NoError(t, err)

	want := []string{idle.ID, fresh.ID}
	sort.Strings(want)
	sort.Strings(resumed)
	assert.Equal(t, want, resumed)

	launched := append([]string(nil), f.launcher.launched...)
	sort.Strings(launched)
	assert.Equal(t, want, launched)
	assert.NotContains(t, resumed, stuck.ID)
}

func TestResumeIdle_DiscoveryExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, include := range []bool{false, true} {
		f := newFixture(t, include)
		s := f.started(t, "alpha", session.StageDiscovery)
		rec, err := f.reg.LastInvocation(ctx, s.ID)
		require.NoError(t, err)
		_, err = f.reg.FinishInvocation(ctx, rec, session.InvocationResult{Status: session.InvocationCompleted})
		require.NoError(t, err)

		resumed, err := f.scanner.ResumeIdle(ctx)
		require.NoError(t, err)
		if include {
			assert.Equal(t, []string{s.ID}, resumed)
		} else {
			assert.Empty(t, resumed)
		}
	}
}
