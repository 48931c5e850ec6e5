package marker

import "strings"

func parsePlanSteps(text string) []PlanStep {
	var out []PlanStep
	index := make(map[string]int)
	for _, b := range scanBlocks(text, tagPlanStep) {
		step, ok := parsePlanStep(b)
		if !ok {
			continue
		}
		// A repeated id replaces the earlier step in place.
		if i, seen := index[step.ID]; seen {
			out[i] = step
			continue
		}
		index[step.ID] = len(out)
		out = append(out, step)
	}
	return out
}

func parsePlanStep(b block) (PlanStep, bool) {
	if !b.closed {
		return PlanStep{}, false
	}
	id := b.attrs["id"]
	if id == "" {
		return PlanStep{}, false
	}

	step := PlanStep{
		ID:         id,
		ParentID:   normalizeParent(b.attrs["parent"]),
		Status:     normalizeStepStatus(b.attrs["status"]),
		Complexity: normalizeComplexity(b.attrs["complexity"]),
	}
	step.AcceptanceRefs = splitList(firstAttr(b.attrs, "acceptance", "acceptance_criteria", "acceptance_refs"))
	step.FileEstimates = splitList(firstAttr(b.attrs, "files", "file_estimates", "estimated_files"))

	body := strings.TrimSpace(b.body)
	if body != "" {
		lines := strings.SplitN(body, "\n", 2)
		step.Title = strings.TrimSpace(strings.TrimLeft(lines[0], "# "))
		if len(lines) > 1 {
			step.Description = strings.TrimSpace(lines[1])
		}
	}
	return step, true
}

func firstAttr(attrs map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := attrs[k]; v != "" {
			return v
		}
	}
	return ""
}

// normalizeParent maps the literal "null" (and friends) to no parent.
func normalizeParent(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "nil", "-":
		return ""
	}
	return strings.TrimSpace(s)
}

func normalizeStepStatus(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted,
		StepStatusBlocked, StepStatusSkipped, StepStatusNeedsReview:
		return v
	case "in-progress":
		return StepStatusInProgress
	case "needs-review":
		return StepStatusNeedsReview
	}
	return StepStatusPending
}

// normalizeComplexity returns "" for missing or unknown values so callers can
// tell an absent estimate from an explicit one.
func normalizeComplexity(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return v
	}
	return ""
}
