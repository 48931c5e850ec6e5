package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/store"
)

type fixture struct {
	reg    *Registry
	store  *store.MemoryStore
	events *events.Recorder
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		events: &events.Recorder{},
		clock:  &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	opts.Sink = f.events
	opts.Now = f.clock.Now
	reg, err := NewRegistry(context.Background(), f.store, opts)
	require.NoError(t, err)
	f.reg = reg
	return f
}

func (f *fixture) create(t *testing.T, project, title string) *Session {
	t.Helper()
	s, err := f.reg.Create(context.Background(), CreateRequest{ProjectID: project, Title: title, WorkDir: "/tmp/" + project})
	require.NoError(t, err)
	return s
}

func positions(ss []*Session) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		if s.QueuePosition != nil {
			out[i] = *s.QueuePosition
		}
	}
	return out
}

func ids(ss []*Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}

func TestCreate_FirstSessionIsActive(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "first")
	assert.Equal(t, StageDiscovery, s.Stage)
	assert.Equal(t, StatusDiscovery, s.Status)
	assert.Nil(t, s.QueuePosition)
	assert.Equal(t, s.ID, s.FeatureID)

	other := f.create(t, "other", "independent project")
	assert.Equal(t, StatusDiscovery, other.Status)
}

func TestCreate_QueuesInCreationOrderAndPromotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	var promoted []string
	f.reg.OnPromote(func(s *Session) { promoted = append(promoted, s.ID) })

	active := f.create(t, "proj", "active")
	a := f.create(t, "proj", "a")
	b := f.create(t, "proj", "b")
	c := f.create(t, "proj", "c")

	q := f.reg.Queue("proj")
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(q))
	assert.Equal(t, []int{1, 2, 3}, positions(q))
	for _, s := range q {
		assert.Equal(t, StageQueued, s.Stage)
		assert.Equal(t, StatusQueued, s.Status)
	}

	_, err := f.reg.Fail(ctx, active.ID, "agent crashed")
	require.NoError(t, err)

	now := f.reg.Active("proj")
	require.NotNil(t, now)
	assert.Equal(t, a.ID, now.ID)
	assert.Equal(t, StageDiscovery, now.Stage)
	assert.Nil(t, now.QueuePosition)
	assert.Equal(t, []string{a.ID}, promoted)

	q = f.reg.Queue("proj")
	assert.Equal(t, []string{b.ID, c.ID}, ids(q))
	assert.Equal(t, []int{1, 2}, positions(q))

	failed, err := f.reg.Get(active.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "agent crashed", failed.LastError)
}

func TestCreate_InsertPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	f.create(t, "proj", "active")
	a := f.create(t, "proj", "a")
	b := f.create(t, "proj", "b")

	front, err := f.reg.Create(ctx, CreateRequest{ProjectID: "proj", Title: "front", Insert: InsertPolicy{Mode: InsertFront}})
	require.NoError(t, err)
	assert.Equal(t, 1, *front.QueuePosition)

	mid, err := f.reg.Create(ctx, CreateRequest{ProjectID: "proj", Title: "mid", Insert: InsertPolicy{Mode: InsertPosition, Position: 2}})
	require.NoError(t, err)

	far, err := f.reg.Create(ctx, CreateRequest{ProjectID: "proj", Title: "far", Insert: InsertPolicy{Mode: InsertPosition, Position: 99}})
	require.NoError(t, err)

	low, err := f.reg.Create(ctx, CreateRequest{ProjectID: "proj", Title: "low", Insert: InsertPolicy{Mode: InsertPosition, Position: -5}})
	require.NoError(t, err)

	q := f.reg.Queue("proj")
	assert.Equal(t, []string{low.ID, front.ID, mid.ID, a.ID, b.ID, far.ID}, ids(q))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, positions(q))

	_, err = f.reg.Create(ctx, CreateRequest{ProjectID: "proj", Insert: InsertPolicy{Mode: "sideways"}})
	assert.Error(t, err)
	assert.Len(t, f.reg.Queue("proj"), 6)
}

func TestCreate_RejectsBadProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	for _, p := range []string{"", "  ", "a/b", "..", ".hidden"} {
		_, err := f.reg.Create(context.Background(), CreateRequest{ProjectID: p})
		assert.Error(t, err, p)
	}
}

func TestCreate_ConcurrentAdmission(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.reg.Create(context.Background(), CreateRequest{ProjectID: "proj", Title: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	active := 0
	for _, s := range f.reg.ListByProject("proj") {
		if s.Status.IsActive() {
			active++
		}
	}
	assert.Equal(t, 1, active)

	q := f.reg.Queue("proj")
	require.Len(t, q, n-1)
	for i, s := range q {
		assert.Equal(t, i+1, *s.QueuePosition)
	}
}

func TestReorder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	f.create(t, "proj", "active")
	a := f.create(t, "proj", "a")
	b := f.create(t, "proj", "b")
	c := f.create(t, "proj", "c")
	d := f.create(t, "proj", "d")

	out, err := f.reg.Reorder(ctx, "proj", []string{c.ID, a.ID, c.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID, d.ID}, ids(out))
	assert.Equal(t, []int{1, 2, 3, 4}, positions(f.reg.Queue("proj")))
	assert.Equal(t, ids(out), ids(f.reg.Queue("proj")))

	_, err = f.reg.Reorder(ctx, "proj", []string{b.ID, "missing"})
	assert.ErrorIs(t, err, ErrNotQueued)
	assert.Equal(t, []string{c.ID, a.ID, b.ID, d.ID}, ids(f.reg.Queue("proj")))

	updates := f.events.OfType(events.MessageTypeQueueUpdated)
	require.NotEmpty(t, updates)
	var last events.QueueUpdated
	require.NoError(t, updates[len(updates)-1].Decode(&last))
	assert.Len(t, last.Queue, 4)
	assert.Equal(t, c.ID, last.Queue[0].SessionID)
}

func TestTransitionStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")

	_, err := f.reg.TransitionStage(ctx, s.ID, StageImplementing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StageDiscovery, te.From)
	assert.Equal(t, StageImplementing, te.To)
	assert.Equal(t, []Stage{StagePlanning, StageQueued}, te.Valid)
	assert.Contains(t, err.Error(), "valid: planning, queued")

	s, err = f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.NoError(t, err)
	assert.Equal(t, StatusPlanning, s.Status)

	_, err = f.reg.TransitionStage(ctx, s.ID, StageImplementing)
	assert.ErrorIs(t, err, ErrPlanNotApproved)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) {
		p.Approved = true
		p.ReplaceSteps([]marker.PlanStep{{ID: "step-1", Status: marker.StepStatusPending, Title: "one"}})
		return true, nil
	})
	require.NoError(t, err)

	s, err = f.reg.TransitionStage(ctx, s.ID, StageImplementing)
	require.NoError(t, err)
	assert.Equal(t, StageImplementing, s.Stage)

	changes := f.events.OfType(events.MessageTypeStageChanged)
	require.NotEmpty(t, changes)
	data, err := changes[len(changes)-1].StageChangedData()
	require.NoError(t, err)
	assert.Equal(t, int(StagePlanning), data.From)
	assert.Equal(t, int(StageImplementing), data.To)
}

func TestTransitionStage_ReviewCountCapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{MaxReviewCount: 2})

	s := f.create(t, "proj", "feature")
	_, err := f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.NoError(t, err)

	approve := func() {
		_, err := f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) {
			p.Approved = true
			return false, nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		approve()
		_, err = f.reg.TransitionStage(ctx, s.ID, StageImplementing)
		require.NoError(t, err)
		_, err = f.reg.TransitionStage(ctx, s.ID, StagePlanning)
		require.NoError(t, err)
	}

	plan, err := f.reg.GetPlan(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.ReviewCount)
	assert.False(t, plan.Approved)

	// Forward moves never increment.
	approve()
	_, err = f.reg.TransitionStage(ctx, s.ID, StageImplementing)
	require.NoError(t, err)
	plan, err = f.reg.GetPlan(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.ReviewCount)
}

func TestTransitionStage_Complete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	next := f.create(t, "proj", "next")

	// Walk the happy path.
	_, err := f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.NoError(t, err)
	_, err = f.reg.UpdatePlan(ctx, s.ID, func(p *Plan) (bool, error) { p.Approved = true; return true, nil })
	require.NoError(t, err)
	for _, to := range []Stage{StageImplementing, StageDelivery, StageReview, StageFinalApproval} {
		_, err = f.reg.TransitionStage(ctx, s.ID, to)
		require.NoError(t, err, to.String())
	}

	done, err := f.reg.Complete(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, done.Stage)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	active := f.reg.Active("proj")
	require.NotNil(t, active)
	assert.Equal(t, next.ID, active.ID)

	_, err = f.reg.Resume(ctx, s.ID, InsertPolicy{})
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestPause(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	_, err := f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.NoError(t, err)
	waiting := f.create(t, "proj", "waiting")

	paused, err := f.reg.Pause(ctx, s.ID, true, InsertPolicy{})
	require.NoError(t, err)
	assert.Equal(t, StageQueued, paused.Stage)
	assert.Equal(t, StagePlanning, paused.ResumeStage)
	assert.Equal(t, 1, *paused.QueuePosition)

	active := f.reg.Active("proj")
	require.NotNil(t, active)
	assert.Equal(t, waiting.ID, active.ID)

	// Resuming while another session is active is a conflict for a queued
	// session.
	_, err = f.reg.Resume(ctx, s.ID, InsertPolicy{})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	_, err = f.reg.Activate(ctx, s.ID)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	_, err = f.reg.Pause(ctx, waiting.ID, false, InsertPolicy{})
	require.NoError(t, err)

	// Pausing without queueing promotes the queued session, which resumes at
	// its previous stage.
	active = f.reg.Active("proj")
	require.NotNil(t, active)
	assert.Equal(t, s.ID, active.ID)
	assert.Equal(t, StagePlanning, active.Stage)
	assert.Empty(t, f.reg.Queue("proj"))

	// A paused session resumed while another is active joins the queue.
	resumed, err := f.reg.Resume(ctx, waiting.ID, InsertPolicy{Mode: InsertFront})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, resumed.Status)
	assert.Equal(t, StageDiscovery, resumed.ResumeStage)

	_, err = f.reg.Pause(ctx, waiting.ID, false, InsertPolicy{})
	assert.Error(t, err)
}

func TestPause_LoneSessionStaysQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	var promoted []string
	f.reg.OnPromote(func(s *Session) { promoted = append(promoted, s.ID) })

	s := f.create(t, "proj", "alone")
	paused, err := f.reg.Pause(ctx, s.ID, true, InsertPolicy{})
	require.NoError(t, err)
	assert.Equal(t, StageQueued, paused.Stage)
	assert.Equal(t, StatusQueued, paused.Status)
	require.NotNil(t, paused.QueuePosition)
	assert.Equal(t, 1, *paused.QueuePosition)

	assert.Nil(t, f.reg.Active("proj"))
	assert.Equal(t, []string{s.ID}, ids(f.reg.Queue("proj")))
	assert.Empty(t, promoted)

	// The same holds for a controller-driven move to the queue.
	other := f.create(t, "solo", "alone too")
	moved, err := f.reg.TransitionStage(ctx, other.ID, StageQueued)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, moved.Status)
	assert.Nil(t, f.reg.Active("solo"))
}

func TestPause_RejectedWhileInvocationInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	running := f.create(t, "proj", "running")
	waiting := f.create(t, "proj", "waiting")

	rec, err := f.reg.BeginInvocation(ctx, running.ID, "discovery")
	require.NoError(t, err)

	_, err = f.reg.Pause(ctx, running.ID, true, InsertPolicy{})
	require.ErrorIs(t, err, ErrInvocationInFlight)
	active := f.reg.Active("proj")
	require.NotNil(t, active)
	assert.Equal(t, running.ID, active.ID)
	assert.Equal(t, []string{waiting.ID}, ids(f.reg.Queue("proj")))

	_, err = f.reg.BeginInvocation(ctx, running.ID, "discovery")
	assert.ErrorIs(t, err, ErrInvocationInFlight)

	_, err = f.reg.FinishInvocation(ctx, rec, InvocationResult{Status: InvocationCompleted})
	require.NoError(t, err)

	_, err = f.reg.Pause(ctx, running.ID, true, InsertPolicy{})
	require.NoError(t, err)
	active = f.reg.Active("proj")
	require.NotNil(t, active)
	assert.Equal(t, waiting.ID, active.ID)

	// A queued session cannot start an invocation.
	_, err = f.reg.BeginInvocation(ctx, running.ID, "discovery")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestReleaseInvocation_AllowsPause(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	rec, err := f.reg.BeginInvocation(ctx, s.ID, "discovery")
	require.NoError(t, err)
	f.reg.ReleaseInvocation(rec)

	_, err = f.reg.Pause(ctx, s.ID, false, InsertPolicy{})
	require.NoError(t, err)

	// The record itself is left started for recovery.
	last, err := f.reg.LastInvocation(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, InvocationStarted, last.Status)
}

func TestEnqueueAndActivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	_, err := f.reg.Enqueue(ctx, s.ID, InsertPolicy{})
	assert.Error(t, err)

	_, err = f.reg.Fail(ctx, s.ID, "boom")
	require.NoError(t, err)

	q, err := f.reg.Enqueue(ctx, s.ID, InsertPolicy{})
	require.NoError(t, err)
	assert.Equal(t, 1, *q.QueuePosition)
	assert.Equal(t, StageDiscovery, q.ResumeStage)

	_, err = f.reg.Activate(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	a, err := f.reg.Activate(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscovery, a.Status)
	assert.Empty(t, f.reg.Queue("proj"))

	_, err = f.reg.Activate(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestAwaitInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	w, err := f.reg.AwaitInput(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingInput, w.Status)

	// Still holds the active slot.
	queued := f.create(t, "proj", "queued")
	assert.Equal(t, StatusQueued, queued.Status)

	r, err := f.reg.ResumeFromInput(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscovery, r.Status)
}

func TestResumeFromInput_ConcurrentWithTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	_, err := f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = f.reg.TransitionStage(ctx, s.ID, StageDiscovery)
			_, _ = f.reg.TransitionStage(ctx, s.ID, StagePlanning)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = f.reg.AwaitInput(ctx, s.ID)
			got, err := f.reg.ResumeFromInput(ctx, s.ID)
			if err == nil {
				assert.Equal(t, StatusForStage(got.Stage), got.Status)
			}
		}
	}()
	wg.Wait()

	got, err := f.reg.Get(s.ID)
	require.NoError(t, err)
	if got.Status != StatusAwaitingInput {
		assert.Equal(t, StatusForStage(got.Stage), got.Status)
	}
}

func TestUpdate_ProtectsLifecycleFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	u, err := f.reg.Update(ctx, s.ID, func(s *Session) {
		s.Branch = "feature/export"
		s.Stage = StageCompleted
		s.Status = StatusCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, "feature/export", u.Branch)
	assert.Equal(t, StageDiscovery, u.Stage)
	assert.Equal(t, StatusDiscovery, u.Status)

	_, err = f.reg.Update(ctx, "nope", func(*Session) {})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ReloadsFromStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	active := f.create(t, "proj", "active")
	queued := f.create(t, "proj", "queued")

	reg, err := NewRegistry(ctx, f.store, Options{})
	require.NoError(t, err)

	got, err := reg.Get(active.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDiscovery, got.Status)
	q := reg.Queue("proj")
	require.Len(t, q, 1)
	assert.Equal(t, queued.ID, q[0].ID)
	assert.Len(t, reg.List(), 2)
}

func TestRegistry_PersistFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Options{})

	s := f.create(t, "proj", "feature")
	f.store.PutErr = errors.New("disk full")

	_, err := f.reg.TransitionStage(ctx, s.ID, StagePlanning)
	require.Error(t, err)

	got, err := f.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StageDiscovery, got.Stage)
}
