package session

import (
	"fmt"
	"time"

	"github.com/thruflo/foreman/internal/marker"
)

// Stage is one phase of the pipeline.
type Stage int

const (
	StageQueued Stage = iota
	StageDiscovery
	StagePlanning
	StageImplementing
	StageDelivery
	StageReview
	StageFinalApproval
	StageCompleted
)

var stageNames = map[Stage]string{
	StageQueued:        "queued",
	StageDiscovery:     "discovery",
	StagePlanning:      "planning",
	StageImplementing:  "implementing",
	StageDelivery:      "delivery",
	StageReview:        "review",
	StageFinalApproval: "final_approval",
	StageCompleted:     "completed",
}

// String returns the snake_case stage name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage accepts a stage name or number.
func ParseStage(v string) (Stage, error) {
	for s, name := range stageNames {
		if name == v || fmt.Sprint(int(s)) == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage: %q", v)
}

// IsActive reports whether a session in this stage may invoke the agent.
func (s Stage) IsActive() bool {
	return s >= StageDiscovery && s <= StageFinalApproval
}

// Status is the session's lifecycle status. Active statuses mirror the stage.
type Status string

const (
	StatusQueued        Status = "queued"
	StatusDiscovery     Status = "discovery"
	StatusPlanning      Status = "planning"
	StatusImplementing  Status = "implementing"
	StatusDelivery      Status = "delivery"
	StatusReview        Status = "review"
	StatusFinalApproval Status = "final_approval"
	// StatusAwaitingInput holds the project's active slot while a decision
	// waits for an answer. It has no timeout.
	StatusAwaitingInput Status = "awaiting_input"
	StatusPaused        Status = "paused"
	StatusFailed        Status = "failed"
	StatusCompleted     Status = "completed"
)

// StatusForStage returns the active status mirroring stage.
func StatusForStage(stage Stage) Status {
	switch stage {
	case StageDiscovery:
		return StatusDiscovery
	case StagePlanning:
		return StatusPlanning
	case StageImplementing:
		return StatusImplementing
	case StageDelivery:
		return StatusDelivery
	case StageReview:
		return StatusReview
	case StageFinalApproval:
		return StatusFinalApproval
	case StageCompleted:
		return StatusCompleted
	}
	return StatusQueued
}

// IsActive reports whether the status occupies the project's active slot.
func (s Status) IsActive() bool {
	switch s {
	case StatusDiscovery, StatusPlanning, StatusImplementing, StatusDelivery,
		StatusReview, StatusFinalApproval, StatusAwaitingInput:
		return true
	}
	return false
}

// Session is one feature request's run through the pipeline.
type Session struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	FeatureID   string `json:"feature_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	WorkDir     string `json:"work_dir"`
	Branch      string `json:"branch,omitempty"`

	Stage         Stage  `json:"stage"`
	Status        Status `json:"status"`
	QueuePosition *int   `json:"queue_position,omitempty"`
	// ResumeStage is where a queued or paused session continues from.
	ResumeStage Stage `json:"resume_stage,omitempty"`

	// ContinuationHandle is owned by the agent; foreman threads it through
	// invocations without inspecting it.
	ContinuationHandle string `json:"continuation_handle,omitempty"`
	LastInvocationID   string `json:"last_invocation_id,omitempty"`

	ValidationAttempts int     `json:"validation_attempts"`
	InvocationCount    int     `json:"invocation_count"`
	TotalCostUSD       float64 `json:"total_cost_usd"`

	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`

	LastAction string `json:"last_action,omitempty"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActionAt time.Time `json:"last_action_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.QueuePosition != nil {
		pos := *s.QueuePosition
		c.QueuePosition = &pos
	}
	return &c
}

// StepStatus mirrors the marker step status values.
type StepStatus string

const (
	StepPending     StepStatus = marker.StepStatusPending
	StepInProgress  StepStatus = marker.StepStatusInProgress
	StepCompleted   StepStatus = marker.StepStatusCompleted
	StepBlocked     StepStatus = marker.StepStatusBlocked
	StepSkipped     StepStatus = marker.StepStatusSkipped
	StepNeedsReview StepStatus = marker.StepStatusNeedsReview
)

// Step is one unit of planned work.
type Step struct {
	ID             string     `json:"id"`
	ParentID       string     `json:"parent_id,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Status         StepStatus `json:"status"`
	Complexity     string     `json:"complexity"`
	AcceptanceRefs []string   `json:"acceptance_refs,omitempty"`
	FileEstimates  []string   `json:"file_estimates,omitempty"`
	RetryCount     int        `json:"retry_count"`
	// CompletedInVersion is the plan version in which the step was marked
	// completed, zero if it never was.
	CompletedInVersion int      `json:"completed_in_version,omitempty"`
	Summary            string   `json:"summary,omitempty"`
	TestsAdded         []string `json:"tests_added,omitempty"`
	TestsPassing       bool     `json:"tests_passing"`
}

// TestRequirement records whether the plan's changes need tests.
type TestRequirement struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason,omitempty"`
}

// Plan is the session's implementation plan.
type Plan struct {
	SessionID       string           `json:"session_id"`
	Version         int              `json:"version"`
	Approved        bool             `json:"approved"`
	ReviewCount     int              `json:"review_count"`
	FilePath        string           `json:"file_path,omitempty"`
	Steps           []Step           `json:"steps"`
	TestRequirement *TestRequirement `json:"test_requirement,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.AcceptanceRefs = append([]string(nil), s.AcceptanceRefs...)
		s.FileEstimates = append([]string(nil), s.FileEstimates...)
		s.TestsAdded = append([]string(nil), s.TestsAdded...)
		c.Steps[i] = s
	}
	if p.TestRequirement != nil {
		tr := *p.TestRequirement
		c.TestRequirement = &tr
	}
	return &c
}

// Step returns a pointer to the step with id, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// AllCompleted reports whether every step is completed. An empty plan is
// never complete.
func (p *Plan) AllCompleted() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if s.Status != StepCompleted {
			return false
		}
	}
	return true
}

// AllTestsPassing reports whether every completed step reported passing tests.
func (p *Plan) AllTestsPassing() bool {
	for _, s := range p.Steps {
		if s.Status == StepCompleted && !s.TestsPassing {
			return false
		}
	}
	return true
}

// CompletedCount returns the number of completed steps.
func (p *Plan) CompletedCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// NextStep returns the first pending or in-progress step whose parent is
// completed or absent.
func (p *Plan) NextStep() *Step {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != StepPending && s.Status != StepInProgress && s.Status != StepNeedsReview {
			continue
		}
		if s.ParentID == "" {
			return s
		}
		if parent := p.Step(s.ParentID); parent == nil || parent.Status == StepCompleted || parent.Status == StepSkipped {
			return s
		}
	}
	return nil
}

// Decision is a persisted question awaiting, or holding, an answer.
type Decision struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Stage     Stage           `json:"stage"`
	StepID    string          `json:"step_id,omitempty"`
	Priority  int             `json:"priority"`
	Category  string          `json:"category"`
	Question  string          `json:"question"`
	Options   []marker.Option `json:"options"`
	File      string          `json:"file,omitempty"`
	Line      int             `json:"line,omitempty"`
	// Answer is nil until the decision is resolved.
	Answer     *string    `json:"answer,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Pending reports whether the decision still needs an answer.
func (d *Decision) Pending() bool {
	return d.Answer == nil
}

// InvocationStatus tracks an agent invocation across a crash.
type InvocationStatus string

const (
	InvocationStarted     InvocationStatus = "started"
	InvocationCompleted   InvocationStatus = "completed"
	InvocationFailed      InvocationStatus = "failed"
	InvocationInterrupted InvocationStatus = "interrupted"
)

// InvocationRecord is written with status "started" before the agent is
// spawned and updated once it finishes. A record left "started" marks a crash.
type InvocationRecord struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"session_id"`
	Stage              Stage            `json:"stage"`
	Kind               string           `json:"kind"`
	Status             InvocationStatus `json:"status"`
	ContinuationHandle string           `json:"continuation_handle,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	FinishedAt         *time.Time       `json:"finished_at,omitempty"`
	Action             string           `json:"action,omitempty"`
	Error              string           `json:"error,omitempty"`
	CostUSD            float64          `json:"cost_usd,omitempty"`
}

// CompleteStep marks a step completed for the current plan version. It
// reports false if the step is unknown or was already completed in this
// version.
func (p *Plan) CompleteStep(id, summary string, testsAdded []string, testsPassing bool) bool {
	s := p.Step(id)
	if s == nil || (s.Status == StepCompleted && s.CompletedInVersion == p.Version) {
		return false
	}
	s.Status = StepCompleted
	s.CompletedInVersion = p.Version
	s.Summary = summary
	s.TestsAdded = append([]string(nil), testsAdded...)
	s.TestsPassing = testsPassing
	return true
}

// ReplaceSteps installs the steps proposed by the agent. Steps only become
// completed through CompleteStep; a step that was already completed stays
// completed when the agent re-proposes it as pending or completed.
func (p *Plan) ReplaceSteps(proposed []marker.PlanStep) {
	prev := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		prev[s.ID] = s
	}
	steps := make([]Step, 0, len(proposed))
	for _, ps := range proposed {
		s := Step{
			ID:             ps.ID,
			ParentID:       ps.ParentID,
			Title:          ps.Title,
			Description:    ps.Description,
			Status:         StepStatus(ps.Status),
			Complexity:     ps.Complexity,
			AcceptanceRefs: append([]string(nil), ps.AcceptanceRefs...),
			FileEstimates:  append([]string(nil), ps.FileEstimates...),
		}
		if s.Status == StepCompleted {
			s.Status = StepPending
		}
		if old, ok := prev[ps.ID]; ok {
			s.RetryCount = old.RetryCount
			if s.Complexity == "" {
				s.Complexity = old.Complexity
			}
			if old.Status == StepCompleted && s.Status == StepPending {
				s.Status = StepCompleted
				s.CompletedInVersion = old.CompletedInVersion
				s.Summary = old.Summary
				s.TestsAdded = old.TestsAdded
				s.TestsPassing = old.TestsPassing
			}
		}
		steps = append(steps, s)
	}
	p.Steps = steps
}
