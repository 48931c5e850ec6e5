package marker

import (
	"regexp"
	"strings"
)

// Marker names recognised by the parser.
const (
	tagDecision         = "DECISION_NEEDED"
	tagPlanStep         = "PLAN_STEP"
	tagStepComplete     = "STEP_COMPLETE"
	tagImplStatus       = "IMPLEMENTATION_STATUS"
	tagImplComplete     = "IMPLEMENTATION_COMPLETE"
	tagPlanFile         = "PLAN_FILE"
	tagPlanApproved     = "PLAN_APPROVED"
	tagCIStatus         = "CI_STATUS"
	tagCIFailed         = "CI_FAILED"
	tagPRApproved       = "PR_APPROVED"
	tagPRCreated        = "PR_CREATED"
	tagReturnToPlanning = "RETURN_TO_STAGE_2"
)

var allTags = []string{
	tagDecision, tagPlanStep, tagStepComplete, tagImplStatus, tagImplComplete,
	tagPlanFile, tagPlanApproved, tagCIStatus, tagCIFailed, tagPRApproved,
	tagPRCreated, tagReturnToPlanning,
}

type tagPattern struct {
	open  *regexp.Regexp
	close *regexp.Regexp
}

var tagPatterns = func() map[string]tagPattern {
	m := make(map[string]tagPattern, len(allTags))
	for _, name := range allTags {
		m[name] = tagPattern{
			open:  regexp.MustCompile(`\[` + name + `(?:[ \t]+([^\]\n]*))?\]`),
			close: regexp.MustCompile(`\[/` + name + `\]`),
		}
	}
	return m
}()

var (
	attrRe = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_-]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s"'\]/]+))`)

	// anyMarkerRe finds the start of the next marker (opening or closing).
	anyMarkerRe = regexp.MustCompile(`\[/?[A-Z][A-Z0-9_]+[\] \t]`)
)

// block is one occurrence of a marker in the text.
type block struct {
	attrs  map[string]string
	body   string
	closed bool
	start  int // offset of the opening '['
	tagEnd int // offset just past the opening tag
	end    int // offset just past the closing tag, or tagEnd when unclosed
}

// scanBlocks returns every occurrence of the named marker in document order.
// An opening tag is paired with the first closing tag that follows it, unless
// another opening tag of the same marker comes first; in that case the block
// is unclosed and has no body.
func scanBlocks(text, name string) []block {
	p := tagPatterns[name]
	opens := p.open.FindAllStringSubmatchIndex(text, -1)
	if len(opens) == 0 {
		return nil
	}
	closes := p.close.FindAllStringIndex(text, -1)

	blocks := make([]block, 0, len(opens))
	ci := 0
	for i, o := range opens {
		b := block{start: o[0], tagEnd: o[1], end: o[1]}
		if o[2] >= 0 {
			b.attrs = parseAttrs(text[o[2]:o[3]])
		} else {
			b.attrs = map[string]string{}
		}

		nextOpen := len(text) + 1
		if i+1 < len(opens) {
			nextOpen = opens[i+1][0]
		}
		for ci < len(closes) && closes[ci][0] < b.tagEnd {
			ci++
		}
		if ci < len(closes) && closes[ci][0] < nextOpen {
			b.closed = true
			b.body = text[b.tagEnd:closes[ci][0]]
			b.end = closes[ci][1]
			ci++
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// hasTag reports whether a bare marker like [PLAN_APPROVED] appears.
func hasTag(text, name string) bool {
	return tagPatterns[name].open.MatchString(text)
}

// parseAttrs parses key="value" pairs. Keys are lowercased and dashes become
// underscores so complexity-estimate and complexity_estimate are equivalent.
func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		key := strings.ReplaceAll(strings.ToLower(m[1]), "-", "_")
		val := m[2]
		if val == "" {
			val = m[3]
		}
		if val == "" {
			val = m[4]
		}
		attrs[key] = strings.TrimSpace(val)
	}
	return attrs
}

// splitList splits a comma-separated list, trimming entries and dropping
// empty ones.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseYesNo interprets common affirmative/negative spellings. ok is false
// when the value is not recognised.
func parseYesNo(s string) (value, ok bool) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(s), ".*")) {
	case "yes", "y", "true", "pass", "passing", "passed", "all passing":
		return true, true
	case "no", "n", "false", "fail", "failing", "failed":
		return false, true
	}
	return false, false
}

// keyValue is one "Key: value" line from a marker body.
type keyValue struct {
	key   string
	value string
}

// splitKeyValue splits a "Key: value" line. Keys are normalised to
// lowercase with spaces and dashes replaced by underscores.
func splitKeyValue(line string) (keyValue, bool) {
	line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*"))
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return keyValue{}, false
	}
	key := strings.ToLower(strings.TrimSpace(line[:idx]))
	key = strings.Trim(key, "*_ ")
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if key == "" || strings.ContainsAny(key, "[]()") {
		return keyValue{}, false
	}
	return keyValue{key: key, value: strings.TrimSpace(line[idx+1:])}, true
}

// nonEmptyLines returns the trimmed, non-blank lines of s.
func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
