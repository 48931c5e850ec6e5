// Package controller drives sessions through the stage pipeline. For each
// active session it renders the stage prompt, invokes the agent, folds the
// parsed outcome into the registry and decides what happens next: another
// invocation, an automatic transition, a wait for human input or a failure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/thruflo/foreman/internal/agent"
	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/delivery"
	"github.com/thruflo/foreman/internal/events"
	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/marker"
	"github.com/thruflo/foreman/internal/session"
)

// Action codes reported in execution_status events.
const (
	ActionSpawnFailed         = "spawn_failed"
	ActionTimeout             = "timeout"
	ActionAgentError          = "agent_error"
	ActionParseFailed         = "parse_failed"
	ActionPRNotFound          = "pr_not_found"
	ActionStepBlocked         = "step_blocked"
	ActionValidationExhausted = "validation_exhausted"
	ActionReviewLimit         = "review_limit"
	ActionAwaitingInput       = "awaiting_input"
)

// ErrAlreadyRunning is returned by Run when the session already has a run
// in progress. Invocations for one session are strictly sequential.
var ErrAlreadyRunning = errors.New("session is already running")

// ValidationExhausted records that a stage kept producing unusable output.
// It is logged and the pipeline proceeds with the best-effort state.
type ValidationExhausted struct {
	SessionID string
	Stage     session.Stage
	Attempts  int
	Reason    string
}

func (e *ValidationExhausted) Error() string {
	return fmt.Sprintf("validation exhausted for session %s in %s after %d attempts: %s",
		e.SessionID, e.Stage, e.Attempts, e.Reason)
}

// Agent runs one agent invocation.
type Agent interface {
	Invoke(ctx context.Context, req agent.Request, observe agent.Observer) *agent.Result
}

// Classifier answers the small questions the pipeline asks along the way.
// Implementations must return the safer default when they cannot answer.
type Classifier interface {
	IsDecisionRelevant(ctx context.Context, workDir, feature string, d marker.Decision) bool
	AssessTestRequirement(ctx context.Context, workDir, feature string, steps []agent.StepSummary) agent.TestAssessment
	EstimateComplexity(ctx context.Context, workDir string, step agent.StepSummary) string
	ClassifyAffectedSteps(ctx context.Context, workDir, reason string, steps []agent.StepSummary) []string
}

// Options configures a Controller.
type Options struct {
	Registry   *session.Registry
	Agent      Agent
	Classifier Classifier
	Verifier   delivery.Verifier
	Stages     StageTable
	Prompts    *Prompts
	Limits     config.Limits
	Sink       events.Sink
	Logger     *logging.Logger
}

// Controller is the stage state machine.
type Controller struct {
	registry   *session.Registry
	agent      Agent
	classifier Classifier
	verifier   delivery.Verifier
	stages     StageTable
	prompts    *Prompts
	limits     config.Limits
	sink       events.Sink
	logger     *logging.Logger

	mu      sync.Mutex
	running map[string]bool
	launch  func(sessionID string)
}

// New creates a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Registry == nil {
		return nil, errors.New("controller requires a registry")
	}
	if opts.Agent == nil {
		return nil, errors.New("controller requires an agent")
	}
	c := &Controller{
		registry:   opts.Registry,
		agent:      opts.Agent,
		classifier: opts.Classifier,
		verifier:   opts.Verifier,
		stages:     opts.Stages,
		prompts:    opts.Prompts,
		limits:     opts.Limits,
		sink:       opts.Sink,
		logger:     opts.Logger,
		running:    make(map[string]bool),
	}
	if c.classifier == nil {
		c.classifier = SafeClassifier{}
	}
	if c.prompts == nil {
		p, err := NewPrompts()
		if err != nil {
			return nil, err
		}
		c.prompts = p
	}
	for _, name := range c.stages.Templates() {
		if !c.prompts.HasAgent(name) {
			return nil, fmt.Errorf("unknown sub-agent template %q", name)
		}
	}
	if c.sink == nil {
		c.sink = events.Discard
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	defaults := config.DefaultLimits()
	if c.limits.MaxReviewIterations <= 0 {
		c.limits.MaxReviewIterations = defaults.MaxReviewIterations
	}
	if c.limits.MaxValidationAttempts <= 0 {
		c.limits.MaxValidationAttempts = defaults.MaxValidationAttempts
	}
	if c.limits.MaxTestFixAttempts <= 0 {
		c.limits.MaxTestFixAttempts = defaults.MaxTestFixAttempts
	}
	return c, nil
}

// SetLauncher installs the function used to start background runs, e.g.
// after a decision is answered. Supervisor installs itself.
func (c *Controller) SetLauncher(fn func(sessionID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launch = fn
}

func (c *Controller) launcher() func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launch
}

func (c *Controller) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] {
		return false
	}
	c.running[id] = true
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

// Running reports whether a run is in progress for the session.
func (c *Controller) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[id]
}

// flow tells Run whether to keep driving the session.
type flow int

const (
	flowStop flow = iota
	flowContinue
)

// Run drives the session until it waits for input, fails, is paused or
// queued, or completes. Integrity errors (store failures, illegal
// transitions) are returned; agent failures are recorded on the session.
func (c *Controller) Run(ctx context.Context, id string) error {
	if !c.acquire(id) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	defer c.release(id)

	var reason string
	interrupted := false
	if rec, err := c.registry.LastInvocation(ctx, id); err != nil {
		return err
	} else if rec != nil && rec.Status == session.InvocationInterrupted {
		interrupted = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := c.registry.Get(id)
		if err != nil {
			return err
		}
		if !s.Stage.IsActive() || s.Status != session.StatusForStage(s.Stage) {
			return nil
		}

		r := &stageRun{
			c:           c,
			s:           s,
			interrupted: interrupted,
			reason:      reason,
			logger: c.logger.WithFields(map[string]interface{}{
				"session_id": s.ID,
				"project_id": s.ProjectID,
				"stage":      s.Stage.String(),
			}),
		}
		interrupted = false

		next, err := r.run(ctx)
		reason = r.carry
		if errors.Is(err, errPausedMidStage) {
			r.logger.Info("session left the active slot between invocations")
			return nil
		}
		if err != nil {
			return err
		}
		if next == flowStop {
			return nil
		}
	}
}

// errPausedMidStage stops a run whose session was paused or queued between
// two invocations of the same stage.
var errPausedMidStage = errors.New("session is no longer active")

// stageRun carries the state of one pass through a stage handler.
type stageRun struct {
	c           *Controller
	s           *session.Session
	logger      *logging.Logger
	interrupted bool
	// reason is handed over by the previous stage, e.g. why review sent
	// the session back to planning. carry is set for the next stage.
	reason string
	carry  string
}

func (r *stageRun) run(ctx context.Context) (flow, error) {
	switch r.s.Stage {
	case session.StageDiscovery:
		return r.discovery(ctx)
	case session.StagePlanning:
		return r.planning(ctx)
	case session.StageImplementing:
		return r.implementing(ctx)
	case session.StageDelivery:
		return r.delivery(ctx)
	case session.StageReview:
		return r.review(ctx)
	case session.StageFinalApproval:
		return r.finalApproval(ctx)
	}
	return flowStop, nil
}

func (r *stageRun) publish(msgType events.MessageType, data any) {
	e, err := events.NewEvent(msgType, r.s.ProjectID, r.s.ID, data)
	if err != nil {
		r.logger.Warn("failed to build event", "type", msgType, "error", err)
		return
	}
	r.c.sink.Publish(e)
}

func (r *stageRun) status(status, action, message, stepID string) {
	r.publish(events.MessageTypeExecutionStatus, events.ExecutionStatus{
		Status:  status,
		Action:  action,
		Message: message,
		StepID:  stepID,
	})
}

// render renders a prompt with the session filled in.
func (r *stageRun) render(name string, data PromptData) (string, error) {
	data.Session = r.s
	data.Interrupted = r.interrupted
	return r.c.prompts.Render(name, data)
}

// invoke persists a started invocation record, runs the agent and folds the
// result into the session. The session's continuation handle is resumed so
// every invocation within a stage shares one conversation. A cancelled
// context leaves the record started for recovery and is returned as an
// error.
func (r *stageRun) invoke(ctx context.Context, kind, prompt string) (*agent.Result, error) {
	spec := r.c.stages.Lookup(r.s.Stage)
	system, err := r.c.prompts.Agent(spec.Template)
	if err != nil {
		return nil, err
	}

	rec, err := r.c.registry.BeginInvocation(ctx, r.s.ID, kind)
	if errors.Is(err, session.ErrNotActive) {
		return nil, errPausedMidStage
	}
	if err != nil {
		return nil, err
	}
	r.status(events.StatusRunning, "", "invoking agent: "+kind, "")

	observe := func(k agent.OutputKind, text string) {
		r.publish(events.MessageTypeAgentOutput, events.AgentOutput{InvocationID: rec.ID, Kind: string(k), Text: text})
	}
	res := r.c.agent.Invoke(ctx, agent.Request{
		Kind:               kind,
		Prompt:             prompt,
		WorkDir:            r.s.WorkDir,
		ContinuationHandle: r.s.ContinuationHandle,
		Tools:              spec.Tools,
		SystemPrompt:       system,
	}, observe)

	if res.Failure == agent.FailureCanceled {
		r.c.registry.ReleaseInvocation(rec)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, res.Err
	}

	result := session.InvocationResult{
		Status:             session.InvocationCompleted,
		Action:             kind,
		CostUSD:            res.CostUSD,
		ContinuationHandle: res.ContinuationHandle,
	}
	if res.Failed() {
		result.Status = session.InvocationFailed
		result.Action = string(res.Failure)
		if res.Err != nil {
			result.Error = res.Err.Error()
		}
	}
	updated, err := r.c.registry.FinishInvocation(ctx, rec, result)
	if err != nil {
		return nil, err
	}
	r.s = updated
	r.interrupted = false
	return res, nil
}

// checkResult applies the failure policy. A protocol parse failure is a
// warning and the best-effort outcome is used; any other failure fails the
// session and stops.
func (r *stageRun) checkResult(ctx context.Context, res *agent.Result) (ok bool, err error) {
	if !res.Failed() {
		return true, nil
	}
	msg := string(res.Failure)
	if res.Err != nil {
		msg = res.Err.Error()
	}
	if res.Failure == agent.FailureProtocolParse {
		r.logger.Warn("agent output could not be decoded, parsing raw text", "error", res.Err, "raw_bytes", len(res.Raw))
		r.status(events.StatusWarning, ActionParseFailed, msg, "")
		return true, nil
	}
	return false, r.fail(ctx, actionFor(res.Failure), msg)
}

func actionFor(f agent.FailureKind) string {
	switch f {
	case agent.FailureSpawn:
		return ActionSpawnFailed
	case agent.FailureTimeout:
		return ActionTimeout
	case agent.FailureProtocolParse:
		return ActionParseFailed
	}
	return ActionAgentError
}

// fail reports an error status and marks the session failed.
func (r *stageRun) fail(ctx context.Context, action, message string) error {
	r.logger.Warn("stage failed", "action", action, "message", message)
	r.status(events.StatusError, action, message, "")
	s, err := r.c.registry.Fail(ctx, r.s.ID, action+": "+message)
	if err != nil {
		return err
	}
	r.s = s
	return nil
}

// transition moves the session to another stage. Every stage starts a new
// agent conversation and a fresh validation budget.
func (r *stageRun) transition(ctx context.Context, to session.Stage) error {
	s, err := r.c.registry.TransitionStage(ctx, r.s.ID, to)
	if err != nil {
		return err
	}
	r.s = s
	if !to.IsActive() {
		return nil
	}
	s, err = r.c.registry.Update(ctx, r.s.ID, func(s *session.Session) {
		s.ContinuationHandle = ""
		s.ValidationAttempts = 0
	})
	if err != nil {
		return err
	}
	r.s = s
	return nil
}

// raise persists decisions and parks the session until they are answered.
func (r *stageRun) raise(ctx context.Context, ds []marker.Decision, stepID string) error {
	records := make([]session.Decision, len(ds))
	for i, d := range ds {
		records[i] = session.Decision{
			Stage:    r.s.Stage,
			StepID:   stepID,
			Priority: d.Priority,
			Category: d.Category,
			Question: d.Question,
			Options:  d.Options,
			File:     d.File,
			Line:     d.Line,
		}
	}
	if _, err := r.c.registry.AddDecisions(ctx, r.s.ID, records); err != nil {
		return err
	}
	s, err := r.c.registry.AwaitInput(ctx, r.s.ID)
	if err != nil {
		return err
	}
	r.s = s
	r.status(events.StatusWaiting, ActionAwaitingInput, fmt.Sprintf("%d decision(s) awaiting an answer", len(ds)), stepID)
	return nil
}

// answered returns the decisions answered since the last invocation started.
func (r *stageRun) answered(ctx context.Context) ([]*session.Decision, error) {
	decisions, err := r.c.registry.Decisions(ctx, r.s.ID)
	if err != nil {
		return nil, err
	}
	rec, err := r.c.registry.LastInvocation(ctx, r.s.ID)
	if err != nil {
		return nil, err
	}
	var out []*session.Decision
	for _, d := range decisions {
		if d.Pending() || d.AnsweredAt == nil {
			continue
		}
		if rec != nil && !d.AnsweredAt.After(rec.StartedAt) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// answers returns the answered decisions in prompt form.
func (r *stageRun) answers(ctx context.Context) ([]Answer, error) {
	ds, err := r.answered(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Answer, 0, len(ds))
	for _, d := range ds {
		out = append(out, Answer{Question: d.Question, Answer: *d.Answer})
	}
	return out, nil
}

// resolution returns the most recent answer to a decision of category that
// the pipeline raised itself, or nil.
func (r *stageRun) resolution(ctx context.Context, category string) (*session.Decision, error) {
	ds, err := r.answered(ctx)
	if err != nil {
		return nil, err
	}
	var last *session.Decision
	for _, d := range ds {
		if d.Category == category {
			last = d
		}
	}
	return last, nil
}

// plan loads the session plan, returning an empty plan when none exists.
func (r *stageRun) plan(ctx context.Context) (*session.Plan, error) {
	p, err := r.c.registry.GetPlan(ctx, r.s.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &session.Plan{SessionID: r.s.ID}
	}
	return p, nil
}

// validationAttempt increments the session's validation counter and reports
// whether another attempt is allowed.
func (r *stageRun) validationAttempt(ctx context.Context) (attempt int, allowed bool, err error) {
	s, err := r.c.registry.Update(ctx, r.s.ID, func(s *session.Session) {
		s.ValidationAttempts++
	})
	if err != nil {
		return 0, false, err
	}
	r.s = s
	return s.ValidationAttempts, s.ValidationAttempts <= r.c.limits.MaxValidationAttempts, nil
}

func (r *stageRun) exhausted(reason string) {
	err := &ValidationExhausted{SessionID: r.s.ID, Stage: r.s.Stage, Attempts: r.s.ValidationAttempts, Reason: reason}
	r.logger.Warn("validation exhausted, proceeding with best-effort state", "error", err)
	r.status(events.StatusWarning, ActionValidationExhausted, err.Error(), "")
}

func summaries(steps []session.Step) []agent.StepSummary {
	out := make([]agent.StepSummary, len(steps))
	for i, s := range steps {
		out[i] = agent.StepSummary{ID: s.ID, Title: s.Title, Description: s.Description}
	}
	return out
}

func summaryOf(ps marker.PlanStep) agent.StepSummary {
	return agent.StepSummary{ID: ps.ID, Title: ps.Title, Description: ps.Description}
}

func feature(s *session.Session) string {
	if s.Description == "" {
		return s.Title
	}
	return s.Title + ": " + s.Description
}

// SafeClassifier answers every question with the safer default.
type SafeClassifier struct{}

// IsDecisionRelevant keeps every decision.
func (SafeClassifier) IsDecisionRelevant(context.Context, string, string, marker.Decision) bool {
	return true
}

// AssessTestRequirement requires tests.
func (SafeClassifier) AssessTestRequirement(context.Context, string, string, []agent.StepSummary) agent.TestAssessment {
	return agent.TestAssessment{Required: true, Reason: "no classifier configured"}
}

// EstimateComplexity returns medium.
func (SafeClassifier) EstimateComplexity(context.Context, string, agent.StepSummary) string {
	return marker.ComplexityMedium
}

// ClassifyAffectedSteps marks every step affected.
func (SafeClassifier) ClassifyAffectedSteps(_ context.Context, _ string, _ string, steps []agent.StepSummary) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}
