package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/foreman/internal/auth"
	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/server"
	"github.com/thruflo/foreman/internal/session"
	"github.com/thruflo/foreman/internal/store"
	"github.com/thruflo/foreman/internal/testutil"
)

// resetFlags restores every package-level flag variable. Commands share
// rootCmd, so tests in this file do not run in parallel.
func resetFlags() {
	configPath = config.DefaultFileName
	clientServer, clientToken = "", ""
	initForce, initNoToken, initPrompt = false, false, false
	statusProject = ""
	statusReader = nil
	parseNoSelfClosing, parseNoHeadings = false, false
	submitProject, submitTitle, submitDescription = "", "", ""
	submitWorkDir, submitBranch, submitFeature = "", "", ""
	submitFront, submitPosition = false, 0
	pauseQueue, pauseFront, pausePosition, resumeFront = false, false, 0, false
	serveAddr, serveWebDir = "", ""
	serveNoRecovery, serveRecoverDiscovery, serveNoDashboard = false, false, false
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	input := `Done with the first step.
[STEP_COMPLETE id="1"]
Added the handler.
Tests passing: yes
[/STEP_COMPLETE]
[PLAN_APPROVED]`

	out, err := execute(t, input, "parse")
	require.NoError(t, err)

	var outcome marker.Outcome
	testutil.MustUnmarshalJSON(t, []byte(out), &outcome)
	require.Len(t, outcome.StepCompletions, 1)
	assert.Equal(t, "1", outcome.StepCompletions[0].StepID)
	assert.True(t, outcome.PlanApproved)
}

func TestParseCommand_File(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteTestFile(t, dir, "logs/out.txt", []byte("nothing structured here"))

	out, err := execute(t, "", "parse", filepath.Join(dir, "logs", "out.txt"))
	require.NoError(t, err)
	var outcome marker.Outcome
	testutil.MustUnmarshalJSON(t, []byte(out), &outcome)
	assert.Empty(t, outcome.Decisions)
	assert.False(t, outcome.PlanApproved)

	_, err = execute(t, "", "parse", filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")

	out, err := execute(t, "", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "API token (shown once): ")

	token := strings.TrimSpace(out[strings.Index(out, "shown once): ")+len("shown once): "):])
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Server.TokenHash)
	assert.Equal(t, config.DefaultLimits().MaxReviewIterations, cfg.Limits.MaxReviewIterations)

	ok, err := auth.Verify(token, cfg.Server.TokenHash)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, "", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "", "init", "--config", path, "--force", "--no-token")
	require.NoError(t, err)
	assert.Contains(t, out, "authentication disabled")
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.TokenHash)
}

// fixtureReader is a registry over an in-memory store with two sessions.
func fixtureReader(t *testing.T) (*session.Registry, *session.Session) {
	t.Helper()
	ctx := context.Background()
	reg := testutil.NewRegistry(t).Registry

	active, err := reg.Create(ctx, session.CreateRequest{ProjectID: "alpha", Title: "Add login", WorkDir: "/tmp/alpha"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, session.CreateRequest{ProjectID: "alpha", Title: "Add logout", WorkDir: "/tmp/alpha"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, session.CreateRequest{ProjectID: "beta", Title: "Fix typo", WorkDir: "/tmp/beta"})
	require.NoError(t, err)

	_, err = reg.UpdatePlan(ctx, active.ID, func(p *session.Plan) (bool, error) {
		p.ReplaceSteps([]marker.PlanStep{{ID: "1", Title: "Handler"}, {ID: "2", Title: "Tests"}})
		p.CompleteStep("1", "done", nil, true)
		return true, nil
	})
	require.NoError(t, err)
	_, err = reg.AddDecisions(ctx, active.ID, []session.Decision{{
		Question: "Which session store?",
		Options:  []marker.Option{{Label: "cookie", Recommended: true}, {Label: "redis"}},
	}})
	require.NoError(t, err)
	return reg, active
}

func TestStatusCommand_List(t *testing.T) {
	reg, _ := fixtureReader(t)

	var out bytes.Buffer
	require.NoError(t, listSessions(context.Background(), &out, reg, ""))
	text := out.String()
	assert.Contains(t, text, "Add login")
	assert.Contains(t, text, "Fix typo")
	assert.Contains(t, text, "1/2")
	assert.Contains(t, text, "queued")

	out.Reset()
	require.NoError(t, listSessions(context.Background(), &out, reg, "beta"))
	assert.NotContains(t, out.String(), "Add login")

	out.Reset()
	require.NoError(t, listSessions(context.Background(), &out, reg, "gamma"))
	assert.Equal(t, "No sessions found.\n", out.String())
}

func TestStatusCommand_Show(t *testing.T) {
	reg, active := fixtureReader(t)

	var out bytes.Buffer
	require.NoError(t, showSession(context.Background(), &out, reg, active.ID[:6]))
	text := out.String()
	assert.Contains(t, text, "Project:  alpha")
	assert.Contains(t, text, "[x] 1")
	assert.Contains(t, text, "[ ] 2")
	assert.Contains(t, text, "Which session store?")
	assert.Contains(t, text, "* cookie")

	err := showSession(context.Background(), &out, reg, "zzzz")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStatusCommand_ReadsConfiguredStore(t *testing.T) {
	dir, path := testutil.SetupTestDir(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	st, err := store.Open(cfg.Store)
	require.NoError(t, err)
	reg, err := session.NewRegistry(context.Background(), st, session.Options{})
	require.NoError(t, err)
	created, err := reg.Create(context.Background(), session.CreateRequest{ProjectID: "alpha", Title: "Add login", WorkDir: dir})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, err := execute(t, "", "status", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Add login")
	assert.Contains(t, out, "discovery")

	out, err = execute(t, "", "status", "--config", path, created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Project:  alpha")
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "-", formatAge(time.Time{}))
	assert.Equal(t, "just now", formatAge(time.Now()))
	assert.Equal(t, "5m ago", formatAge(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", formatAge(time.Now().Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", formatAge(time.Now().Add(-49*time.Hour)))
}

type recordingLauncher struct{ launched []string }

func (l *recordingLauncher) Launch(id string)    { l.launched = append(l.launched, id) }
func (l *recordingLauncher) Running(string) bool { return false }

type directAnswerer struct{ reg *session.Registry }

func (a directAnswerer) AnswerDecision(ctx context.Context, sid, did, answer string) (*session.Decision, error) {
	d, _, err := a.reg.AnswerDecision(ctx, sid, did, answer)
	return d, err
}

func newAPIServer(t *testing.T) (*session.Registry, *httptest.Server) {
	t.Helper()
	reg := testutil.NewRegistry(t).Registry
	srv, err := server.New(server.Options{
		Config:   config.ServerConfig{RateLimit: 1000, RateBurst: 1000},
		Registry: reg,
		Answerer: directAnswerer{reg},
		Launcher: &recordingLauncher{},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return reg, ts
}

func TestClientCommands(t *testing.T) {
	reg, ts := newAPIServer(t)
	dir := t.TempDir()

	out, err := execute(t, "", "submit", "--server", ts.URL, "-p", "alpha", "-t", "First", "-w", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Started session")

	out, err = execute(t, "", "submit", "--server", ts.URL, "-p", "alpha", "-t", "Second", "-w", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "at position 1")

	out, err = execute(t, "", "submit", "--server", ts.URL, "-p", "alpha", "-t", "Third", "-w", dir, "--front")
	require.NoError(t, err)
	assert.Contains(t, out, "at position 1")

	queue := reg.Queue("alpha")
	require.Len(t, queue, 2)
	assert.Equal(t, "Third", queue[0].Title)

	_, err = execute(t, "", "queue", "reorder", queue[1].ID, "--server", ts.URL)
	require.Error(t, err, "reorder needs a project and at least one id")

	out, err = execute(t, "", "queue", "reorder", "alpha", queue[1].ID, "--server", ts.URL)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Second")

	out, err = execute(t, "", "queue", "list", "beta", "--server", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "Queue is empty.\n", out)

	active := reg.Active("alpha")
	require.NotNil(t, active)
	added, err := reg.AddDecisions(context.Background(), active.ID, []session.Decision{{Question: "Proceed?"}})
	require.NoError(t, err)

	out, err = execute(t, "", "answer", active.ID, added[0].ID, "yes", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `Answered "Proceed?"`)

	out, err = execute(t, "", "pause", active.ID, "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "is paused")

	out, err = execute(t, "", "resume", active.ID, "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "is queued")

	_, err = execute(t, "", "answer", "missing", "d", "x", "--server", ts.URL)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}
