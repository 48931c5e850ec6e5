package marker

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	optionLineRe  = regexp.MustCompile(`(?i)^(?:[-*+]|\d+[.)])?\s*(?:\*\*|__)?\s*option\s+([A-Za-z0-9]+)\b\s*(?:\*\*|__)?\s*[:.)\-–—]?\s*(?:\*\*|__)?\s*(.*)$`)
	recommendedRe = regexp.MustCompile(`(?i)\s*[(\[]\s*recommended\s*[)\]]\s*`)
	bulletRe      = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	questionRe    = regexp.MustCompile(`(?i)^(?:\*\*)?question(?:\*\*)?\s*:\s*`)
)

func parseDecisions(text string) []Decision {
	var out []Decision
	for _, b := range scanBlocks(text, tagDecision) {
		if !b.closed {
			continue
		}
		if d, ok := parseDecision(b); ok {
			out = append(out, d)
		}
	}
	return out
}

// parseDecision splits the body into question lines and option lines. Lines
// count as options once an "Option X" line (or a line carrying a
// "(recommended)" marker) has been seen; everything before that is question
// text. A decision without options is dropped.
func parseDecision(b block) (Decision, bool) {
	d := Decision{
		Priority: DefaultPriority,
		Category: DefaultCategory,
		File:     b.attrs["file"],
	}
	if p, err := strconv.Atoi(b.attrs["priority"]); err == nil && p >= 1 && p <= 3 {
		d.Priority = p
	}
	if c := b.attrs["category"]; c != "" {
		d.Category = c
	}
	if l, err := strconv.Atoi(b.attrs["line"]); err == nil && l > 0 {
		d.Line = l
	}

	var question []string
	seenOption := false
	for _, line := range nonEmptyLines(b.body) {
		explicit := optionLineRe.MatchString(line) || recommendedRe.MatchString(line)
		if explicit {
			seenOption = true
		}
		switch {
		case explicit || (seenOption && bulletRe.MatchString(line)):
			d.Options = append(d.Options, parseOption(line))
		case seenOption && len(d.Options) > 0:
			last := &d.Options[len(d.Options)-1]
			if last.Description == "" {
				last.Description = line
			} else {
				last.Description += "\n" + line
			}
		default:
			question = append(question, line)
		}
	}

	// Bullets only become options after an explicit option line; a block
	// with none is not a decision.
	if len(d.Options) == 0 {
		return Decision{}, false
	}
	if len(question) > 0 {
		question[0] = questionRe.ReplaceAllString(question[0], "")
	}
	d.Question = strings.TrimSpace(strings.Join(question, "\n"))

	// Exactly one option ends up recommended: the first one marked, or the
	// first option when none is.
	chosen := 0
	for i, o := range d.Options {
		if o.Recommended {
			chosen = i
			break
		}
	}
	for i := range d.Options {
		d.Options[i].Recommended = i == chosen
	}
	return d, true
}

func parseOption(line string) Option {
	opt := Option{Recommended: recommendedRe.MatchString(line)}
	line = strings.TrimSpace(recommendedRe.ReplaceAllString(line, " "))

	if m := optionLineRe.FindStringSubmatch(line); m != nil {
		opt.Label = cleanLabel(m[2])
		if opt.Label == "" {
			opt.Label = "Option " + m[1]
		}
		return opt
	}
	opt.Label = cleanLabel(bulletRe.ReplaceAllString(line, ""))
	return opt
}

func cleanLabel(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*_"))
}
