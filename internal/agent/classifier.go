package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/thruflo/foreman/internal/logging"
	"github.com/thruflo/foreman/internal/marker"
)

// TestAssessment is the answer to "does this plan need tests?".
type TestAssessment struct {
	Required bool   `json:"required"`
	Reason   string `json:"reason"`
}

// StepSummary describes a plan step to the classifier.
type StepSummary struct {
	ID          string
	Title       string
	Description string
}

// Classifier answers small questions through the lightweight invocation
// path. Every method returns the safer default when the agent times out,
// fails or answers in an unexpected shape.
type Classifier struct {
	invoker *Invoker
	tools   []string
	logger  *logging.Logger
}

// NewClassifier creates a Classifier. tools is usually empty or read-only.
func NewClassifier(invoker *Invoker, tools []string, logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Classifier{invoker: invoker, tools: tools, logger: logger}
}

// ask runs one light invocation and decodes the JSON object in its answer
// into v. It reports false on any failure.
func (c *Classifier) ask(ctx context.Context, kind, workDir, prompt string, v any) bool {
	res := c.invoker.Invoke(ctx, Request{
		Kind:    kind,
		Prompt:  prompt,
		WorkDir: workDir,
		Tools:   c.tools,
		Light:   true,
	}, nil)
	if res.Failed() {
		c.logger.Warn("classification failed, using safe default", "kind", kind, "failure", res.Failure, "error", res.Err)
		return false
	}
	obj := extractJSONObject(res.Text)
	if obj == "" {
		c.logger.Warn("classification answer has no JSON object, using safe default", "kind", kind)
		return false
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		c.logger.Warn("classification answer is malformed, using safe default", "kind", kind, "error", err)
		return false
	}
	return true
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// IsDecisionRelevant reports whether a planning decision genuinely needs a
// human answer. It defaults to true so no question is silently dropped.
func (c *Classifier) IsDecisionRelevant(ctx context.Context, workDir, feature string, d marker.Decision) bool {
	var opts []string
	for _, o := range d.Options {
		opts = append(opts, "- "+o.Label)
	}
	prompt := fmt.Sprintf(`You are filtering questions raised while planning a feature.

Feature: %s

Question (%s, priority %d):
%s
%s

Is this a real decision that a human must make before implementation can
proceed, as opposed to something the implementer can reasonably decide alone?
Reply with only a JSON object: {"relevant": true} or {"relevant": false}.`,
		feature, d.Category, d.Priority, d.Question, strings.Join(opts, "\n"))

	var answer struct {
		Relevant *bool `json:"relevant"`
	}
	if !c.ask(ctx, "classify_decision", workDir, prompt, &answer) || answer.Relevant == nil {
		return true
	}
	return *answer.Relevant
}

// AssessTestRequirement decides whether the plan's changes need tests. It
// defaults to required.
func (c *Classifier) AssessTestRequirement(ctx context.Context, workDir, feature string, steps []StepSummary) TestAssessment {
	prompt := fmt.Sprintf(`You are reviewing an implementation plan.

Feature: %s

Steps:
%s

Do these changes require automated tests (new behaviour, bug fixes, logic
changes) or not (documentation, configuration, pure renames)?
Reply with only a JSON object: {"required": true|false, "reason": "<one sentence>"}.`,
		feature, formatSteps(steps))

	var answer struct {
		Required *bool  `json:"required"`
		Reason   string `json:"reason"`
	}
	if !c.ask(ctx, "assess_tests", workDir, prompt, &answer) || answer.Required == nil {
		return TestAssessment{Required: true, Reason: "assessment unavailable; tests required by default"}
	}
	return TestAssessment{Required: *answer.Required, Reason: answer.Reason}
}

// EstimateComplexity returns low, medium or high for a step. It defaults to
// medium.
func (c *Classifier) EstimateComplexity(ctx context.Context, workDir string, step StepSummary) string {
	prompt := fmt.Sprintf(`Estimate the implementation complexity of this step.

%s

Reply with only a JSON object: {"complexity": "low"|"medium"|"high"}.`, formatSteps([]StepSummary{step}))

	var answer struct {
		Complexity string `json:"complexity"`
	}
	if !c.ask(ctx, "estimate_complexity", workDir, prompt, &answer) {
		return marker.ComplexityMedium
	}
	switch v := strings.ToLower(strings.TrimSpace(answer.Complexity)); v {
	case marker.ComplexityLow, marker.ComplexityMedium, marker.ComplexityHigh:
		return v
	}
	return marker.ComplexityMedium
}

// ClassifyAffectedSteps returns the ids of the steps affected by a review
// failure. Unknown ids in the answer are ignored; when the agent names no
// known step, or cannot answer, every step is considered affected.
func (c *Classifier) ClassifyAffectedSteps(ctx context.Context, workDir, reason string, steps []StepSummary) []string {
	all := make([]string, len(steps))
	known := make(map[string]bool, len(steps))
	for i, s := range steps {
		all[i] = s.ID
		known[s.ID] = true
	}
	if len(steps) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(`A review of the implementation failed.

Reason:
%s

Plan steps:
%s

Which steps must be revisited to address the failure? Include only steps
whose code is actually affected.
Reply with only a JSON object: {"affected": ["<step id>", ...]}.`, reason, formatSteps(steps))

	var answer struct {
		Affected []string `json:"affected"`
	}
	if !c.ask(ctx, "classify_affected_steps", workDir, prompt, &answer) {
		return all
	}
	seen := make(map[string]bool)
	var out []string
	for _, id := range answer.Affected {
		id = strings.TrimSpace(id)
		if known[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

func formatSteps(steps []StepSummary) string {
	var sb strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&sb, "- [%s] %s", s.ID, s.Title)
		if s.Description != "" {
			fmt.Fprintf(&sb, ": %s", strings.ReplaceAll(s.Description, "\n", " "))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
