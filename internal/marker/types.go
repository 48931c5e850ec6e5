package marker

// Step status values accepted in PLAN_STEP markers.
const (
	StepStatusPending     = "pending"
	StepStatusInProgress  = "in_progress"
	StepStatusCompleted   = "completed"
	StepStatusBlocked     = "blocked"
	StepStatusSkipped     = "skipped"
	StepStatusNeedsReview = "needs_review"
)

// Complexity values accepted in PLAN_STEP markers.
const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// CI status values accepted in CI_STATUS markers.
const (
	CIPassing = "passing"
	CIFailing = "failing"
	CIPending = "pending"
)

// Decision defaults.
const (
	DefaultPriority = 3
	DefaultCategory = "general"
)

// CompletionSource records which extraction tier produced a StepCompletion.
type CompletionSource string

const (
	// SourceMarker is a closed [STEP_COMPLETE]...[/STEP_COMPLETE] block.
	SourceMarker CompletionSource = "marker"
	// SourceSelfClosing is an opening tag with no closing tag.
	SourceSelfClosing CompletionSource = "self_closing"
	// SourceHeading is a plain "Step N Complete" heading.
	SourceHeading CompletionSource = "heading"
)

// Option is one answer offered for a Decision.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Recommended bool   `json:"recommended"`
}

// Decision is a question raised by the agent that needs an external answer.
type Decision struct {
	Priority int      `json:"priority"`
	Category string   `json:"category"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// RecommendedOption returns the recommended option, or nil.
func (d Decision) RecommendedOption() *Option {
	for i := range d.Options {
		if d.Options[i].Recommended {
			return &d.Options[i]
		}
	}
	return nil
}

// PlanStep is one unit of work proposed by the agent.
type PlanStep struct {
	ID             string   `json:"id"`
	ParentID       string   `json:"parent_id,omitempty"`
	Status         string   `json:"status"`
	Complexity     string   `json:"complexity,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	AcceptanceRefs []string `json:"acceptance_refs,omitempty"`
	FileEstimates  []string `json:"file_estimates,omitempty"`
}

// StepCompletion reports that the agent finished a plan step.
type StepCompletion struct {
	StepID       string           `json:"step_id"`
	Summary      string           `json:"summary,omitempty"`
	TestsAdded   []string         `json:"tests_added,omitempty"`
	TestsPassing bool             `json:"tests_passing"`
	Source       CompletionSource `json:"source"`
}

// ImplementationStatus is a progress report emitted mid-implementation.
type ImplementationStatus struct {
	StepID        string   `json:"step_id,omitempty"`
	Status        string   `json:"status,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`
	TestsStatus   string   `json:"tests_status,omitempty"`
	WorkType      string   `json:"work_type,omitempty"`
	Progress      string   `json:"progress,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// ImplementationComplete is the agent's claim that every step is done.
type ImplementationComplete struct {
	Summary         string   `json:"summary,omitempty"`
	AllTestsPassing bool     `json:"all_tests_passing"`
	TestsAdded      []string `json:"tests_added,omitempty"`
}

// CIStatus reports the state of continuous integration for the deliverable.
type CIStatus struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// PRCreated is the agent's claim that it opened a pull request. The claim is
// not trusted on its own; delivery confirms it against the real system.
type PRCreated struct {
	URL    string `json:"url,omitempty"`
	Number int    `json:"number,omitempty"`
	Title  string `json:"title,omitempty"`
}

// ReturnToPlanning asks the pipeline to go back to the planning stage.
type ReturnToPlanning struct {
	Reason string `json:"reason,omitempty"`
}

// Outcome is everything extracted from one invocation's final text.
type Outcome struct {
	Decisions              []Decision              `json:"decisions"`
	PlanSteps              []PlanStep              `json:"plan_steps"`
	StepCompletions        []StepCompletion        `json:"step_completions"`
	ImplementationStatuses []ImplementationStatus  `json:"implementation_statuses,omitempty"`
	ImplementationComplete *ImplementationComplete `json:"implementation_complete,omitempty"`
	PlanFilePath           string                  `json:"plan_file_path,omitempty"`
	PlanApproved           bool                    `json:"plan_approved"`
	CIStatus               *CIStatus               `json:"ci_status,omitempty"`
	CIFailed               bool                    `json:"ci_failed"`
	PRApproved             bool                    `json:"pr_approved"`
	PRCreated              *PRCreated              `json:"pr_created,omitempty"`
	ReturnToPlanning       *ReturnToPlanning       `json:"return_to_planning,omitempty"`
}

// HasDecisions reports whether any decision was raised.
func (o *Outcome) HasDecisions() bool {
	return len(o.Decisions) > 0
}

// CIFailing reports whether CI was reported as failing by either marker.
func (o *Outcome) CIFailing() bool {
	return o.CIFailed || (o.CIStatus != nil && o.CIStatus.Status == CIFailing)
}

// Completed returns the completion for a step id, if any.
func (o *Outcome) Completed(stepID string) (StepCompletion, bool) {
	for _, c := range o.StepCompletions {
		if c.StepID == stepID {
			return c, true
		}
	}
	return StepCompletion{}, false
}
