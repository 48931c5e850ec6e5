package controller

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/thruflo/foreman/internal/session"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Prompt template names.
const (
	promptDiscovery          = "discovery.tmpl"
	promptDiscoveryRetry     = "discovery_retry.tmpl"
	promptPlanning           = "planning.tmpl"
	promptPlanningContinue   = "planning_continue.tmpl"
	promptPlanningValidation = "planning_validation.tmpl"
	promptImplementing       = "implementing.tmpl"
	promptImplementingNext   = "implementing_continue.tmpl"
	promptTestFix            = "test_fix.tmpl"
	promptDelivery           = "delivery.tmpl"
	promptReview             = "review.tmpl"
	promptFinalApproval      = "final_approval.tmpl"
)

// agentTemplatePrefix names the system prompt templates that give each
// stage's sub-agent its role.
const agentTemplatePrefix = "agent_"

// Answer pairs a decision with its answer for prompts.
type Answer struct {
	Question string
	Answer   string
}

// PromptData is the input to every prompt template.
type PromptData struct {
	Session          *session.Session
	Plan             *session.Plan
	Step             *session.Step
	Steps            []session.Step
	Answers          []Answer
	Reason           string
	Interrupted      bool
	TestsRequired    bool
	Iteration        int
	MaxIterations    int
	PendingDecisions int
	Attempt          int
	MaxAttempts      int
}

// Prompts renders prompt templates.
type Prompts struct {
	tmpl *template.Template
}

// NewPrompts parses the embedded templates.
func NewPrompts() (*Prompts, error) {
	tmpl, err := template.New("prompts").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt templates: %w", err)
	}
	return &Prompts{tmpl: tmpl}, nil
}

// Render executes the named prompt template.
func (p *Prompts) Render(name string, data PromptData) (string, error) {
	var buf bytes.Buffer
	if err := p.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// HasAgent reports whether a sub-agent template exists.
func (p *Prompts) HasAgent(name string) bool {
	return p.tmpl.Lookup(agentTemplatePrefix+name+".tmpl") != nil
}

// Agent renders the system prompt of a sub-agent template. An empty name
// renders nothing.
func (p *Prompts) Agent(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	return p.Render(agentTemplatePrefix+name+".tmpl", PromptData{})
}
