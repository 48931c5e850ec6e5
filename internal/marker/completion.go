package marker

import (
	"regexp"
	"strings"
)

// headingRe matches plain-text completion headings such as
// "## Step 3 Complete" or "**Step step-2 completed**".
var headingRe = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*|__)?[ \t]*(?:✅[ \t]*)?step[ \t]+([A-Za-z0-9][A-Za-z0-9_.-]*)[ \t]*(?:[:\-–—][ \t]*)?(?:is[ \t]+)?(?:complete|completed|done)\b`)

// parseCompletions resolves step completions through three tiers in priority
// order: closed markers, self-closing markers, then plain-text headings. An id
// reported by a higher tier is never re-reported by a lower one.
func (p *Parser) parseCompletions(text string) []StepCompletion {
	var out []StepCompletion
	seen := make(map[string]bool)
	add := func(c StepCompletion) {
		if c.StepID == "" || seen[c.StepID] {
			return
		}
		seen[c.StepID] = true
		out = append(out, c)
	}

	blocks := scanBlocks(text, tagStepComplete)
	for _, b := range blocks {
		if b.closed {
			add(completionFromBody(b.attrs["id"], b.body, SourceMarker))
		}
	}

	if !p.opts.DisableSelfClosingFallback {
		for _, b := range blocks {
			if !b.closed {
				add(completionFromBody(b.attrs["id"], scavenge(text, b.tagEnd), SourceSelfClosing))
			}
		}
	}

	if !p.opts.DisableHeadingFallback {
		for _, c := range parseHeadingCompletions(text) {
			add(c)
		}
	}
	return out
}

// completionFromBody reads "Tests added:" and "Tests passing:" lines; all
// other lines form the summary. Tests are assumed passing unless the body
// says otherwise.
func completionFromBody(id, body string, source CompletionSource) StepCompletion {
	c := StepCompletion{
		StepID:       strings.TrimSpace(id),
		TestsPassing: true,
		Source:       source,
	}
	var summary []string
	for _, line := range nonEmptyLines(body) {
		if kv, ok := splitKeyValue(line); ok {
			switch kv.key {
			case "tests_added", "tests":
				c.TestsAdded = splitList(kv.value)
				continue
			case "tests_passing", "tests_pass", "all_tests_passing":
				if v, ok := parseYesNo(kv.value); ok {
					c.TestsPassing = v
				}
				continue
			case "summary":
				summary = append(summary, kv.value)
				continue
			}
		}
		summary = append(summary, line)
	}
	c.Summary = strings.Join(summary, "\n")
	return c
}

// parseHeadingCompletions is the lowest-priority extractor, for agents that
// forget the formal marker. Headings carry no test information and are
// treated as passing.
func parseHeadingCompletions(text string) []StepCompletion {
	var out []StepCompletion
	for _, m := range headingRe.FindAllStringSubmatch(text, -1) {
		out = append(out, StepCompletion{
			StepID:       normalizeHeadingID(m[1]),
			TestsPassing: true,
			Source:       SourceHeading,
		})
	}
	return out
}

// normalizeHeadingID turns "3" into "step-3" so headings line up with the
// conventional plan step ids.
func normalizeHeadingID(id string) string {
	id = strings.TrimRight(id, ".-")
	if id == "" {
		return ""
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return id
		}
	}
	return "step-" + id
}
