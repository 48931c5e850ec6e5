// Package events defines the typed notifications foreman emits while driving
// sessions, and the sinks that deliver them. Publishing is fire-and-forget:
// the engine never waits on a consumer.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of an event.
type MessageType string

const (
	// MessageTypeStageChanged reports a committed stage transition.
	MessageTypeStageChanged MessageType = "stage_changed"
	// MessageTypeDecisionRaised reports a new pending decision.
	MessageTypeDecisionRaised MessageType = "decision_raised"
	// MessageTypeDecisionAnswered reports an answered decision.
	MessageTypeDecisionAnswered MessageType = "decision_answered"
	// MessageTypePlanUpdated reports a new plan version.
	MessageTypePlanUpdated MessageType = "plan_updated"
	// MessageTypeExecutionStatus reports progress or a stage failure.
	MessageTypeExecutionStatus MessageType = "execution_status"
	// MessageTypeStepStarted reports the step the agent is expected to work on next.
	MessageTypeStepStarted MessageType = "step_started"
	// MessageTypeStepCompleted reports a step marked completed.
	MessageTypeStepCompleted MessageType = "step_completed"
	// MessageTypeAgentOutput relays one streamed line of agent output.
	MessageTypeAgentOutput MessageType = "agent_output"
	// MessageTypeQueueUpdated reports new queue positions for a project.
	MessageTypeQueueUpdated MessageType = "queue_updated"
)

// Event is one notification.
type Event struct {
	// Seq is assigned by the Hub. Zero for events not yet broadcast.
	Seq       uint64          `json:"seq,omitempty"`
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	ProjectID string          `json:"project_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent creates an Event with the given type and payload.
func NewEvent(msgType MessageType, projectID, sessionID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return &Event{
		Type:      msgType,
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}, nil
}

// MustNewEvent creates a new Event, panicking on error.
// Use only when the data is known to be serializable.
func MustNewEvent(msgType MessageType, projectID, sessionID string, data any) *Event {
	e, err := NewEvent(msgType, projectID, sessionID, data)
	if err != nil {
		panic(err)
	}
	return e
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s data: %w", e.Type, err)
	}
	return nil
}

// StageChangedData returns the payload of a stage_changed event.
func (e *Event) StageChangedData() (*StageChanged, error) {
	if e.Type != MessageTypeStageChanged {
		return nil, fmt.Errorf("event is not a stage_changed event: %s", e.Type)
	}
	var data StageChanged
	if err := e.Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ExecutionStatusData returns the payload of an execution_status event.
func (e *Event) ExecutionStatusData() (*ExecutionStatus, error) {
	if e.Type != MessageTypeExecutionStatus {
		return nil, fmt.Errorf("event is not an execution_status event: %s", e.Type)
	}
	var data ExecutionStatus
	if err := e.Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// StageChanged is the payload of MessageTypeStageChanged.
type StageChanged struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Status string `json:"status"`
}

// DecisionOption mirrors one option of a raised decision.
type DecisionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Recommended bool   `json:"recommended"`
}

// DecisionRaised is the payload of MessageTypeDecisionRaised.
type DecisionRaised struct {
	DecisionID string           `json:"decision_id"`
	Priority   int              `json:"priority"`
	Category   string           `json:"category"`
	Question   string           `json:"question"`
	Options    []DecisionOption `json:"options"`
	StepID     string           `json:"step_id,omitempty"`
}

// DecisionAnswered is the payload of MessageTypeDecisionAnswered.
type DecisionAnswered struct {
	DecisionID string `json:"decision_id"`
	Answer     string `json:"answer"`
}

// PlanUpdated is the payload of MessageTypePlanUpdated.
type PlanUpdated struct {
	Version     int  `json:"version"`
	Approved    bool `json:"approved"`
	ReviewCount int  `json:"review_count"`
	Steps       int  `json:"steps"`
	Completed   int  `json:"completed"`
}

// Execution status values.
const (
	StatusRunning = "running"
	StatusWaiting = "waiting"
	StatusError   = "error"
	StatusWarning = "warning"
)

// ExecutionStatus is the payload of MessageTypeExecutionStatus. Action is a
// short machine-readable code when Status is "error" or "warning".
type ExecutionStatus struct {
	Status   string `json:"status"`
	Action   string `json:"action,omitempty"`
	Message  string `json:"message,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Progress string `json:"progress,omitempty"`
}

// StepStarted is the payload of MessageTypeStepStarted.
type StepStarted struct {
	StepID string `json:"step_id"`
	Title  string `json:"title"`
}

// StepCompleted is the payload of MessageTypeStepCompleted.
type StepCompleted struct {
	StepID       string   `json:"step_id"`
	Summary      string   `json:"summary,omitempty"`
	TestsAdded   []string `json:"tests_added,omitempty"`
	TestsPassing bool     `json:"tests_passing"`
}

// AgentOutput is the payload of MessageTypeAgentOutput.
type AgentOutput struct {
	InvocationID string `json:"invocation_id"`
	Kind         string `json:"kind"`
	Text         string `json:"text"`
}

// QueueEntry is one session's place in a project queue.
type QueueEntry struct {
	SessionID string `json:"session_id"`
	Position  int    `json:"position"`
}

// QueueUpdated is the payload of MessageTypeQueueUpdated.
type QueueUpdated struct {
	ActiveSessionID string       `json:"active_session_id,omitempty"`
	Queue           []QueueEntry `json:"queue"`
}
