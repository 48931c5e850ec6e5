package marker

import "strings"

// Options tunes which fallback extractors run. The zero value enables all of
// them.
type Options struct {
	// DisableSelfClosingFallback ignores [STEP_COMPLETE] tags that have no
	// closing tag.
	DisableSelfClosingFallback bool
	// DisableHeadingFallback ignores plain "Step N Complete" headings.
	DisableHeadingFallback bool
}

// Parser extracts Outcomes from agent text. It holds no mutable state and is
// safe for concurrent use.
type Parser struct {
	opts Options
}

// NewParser creates a Parser with the given options.
func NewParser(opts Options) *Parser {
	return &Parser{opts: opts}
}

var defaultParser = NewParser(Options{})

// Parse extracts an Outcome using the default options.
func Parse(text string) Outcome {
	return defaultParser.Parse(text)
}

// Parse extracts an Outcome from text. It never fails: malformed or
// unmatched markers are simply absent from the result.
func (p *Parser) Parse(text string) Outcome {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	out := Outcome{
		Decisions:       parseDecisions(text),
		PlanSteps:       parsePlanSteps(text),
		StepCompletions: p.parseCompletions(text),
		PlanApproved:    hasTag(text, tagPlanApproved),
		CIFailed:        hasTag(text, tagCIFailed),
		PRApproved:      hasTag(text, tagPRApproved),
	}
	out.ImplementationStatuses = parseImplementationStatuses(text)
	out.ImplementationComplete = parseImplementationComplete(text)
	out.PlanFilePath = parsePlanFile(text)
	out.CIStatus = parseCIStatus(text)
	out.PRCreated = parsePRCreated(text)
	out.ReturnToPlanning = parseReturnToPlanning(text)

	if out.Decisions == nil {
		out.Decisions = []Decision{}
	}
	if out.PlanSteps == nil {
		out.PlanSteps = []PlanStep{}
	}
	if out.StepCompletions == nil {
		out.StepCompletions = []StepCompletion{}
	}
	return out
}

// scavenge returns the text following an unclosed marker, up to the next
// marker or blank line.
func scavenge(text string, from int) string {
	rest := text[from:]
	if loc := anyMarkerRe.FindStringIndex(rest); loc != nil {
		rest = rest[:loc[0]]
	}
	if idx := blankLineIndex(rest); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}

// blankLineIndex returns the offset of the first blank line after some
// content, or -1.
func blankLineIndex(s string) int {
	seenContent := false
	offset := 0
	for _, line := range strings.SplitAfter(s, "\n") {
		if strings.TrimSpace(line) == "" {
			if seenContent {
				return offset
			}
		} else {
			seenContent = true
		}
		offset += len(line)
	}
	return -1
}
