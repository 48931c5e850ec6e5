package marker

import (
	"strconv"
	"strings"
)

func parseImplementationStatuses(text string) []ImplementationStatus {
	var out []ImplementationStatus
	for _, b := range scanBlocks(text, tagImplStatus) {
		if !b.closed {
			continue
		}
		var st ImplementationStatus
		for _, line := range nonEmptyLines(b.body) {
			kv, ok := splitKeyValue(line)
			if !ok {
				continue
			}
			switch kv.key {
			case "step_id", "step":
				st.StepID = kv.value
			case "status":
				st.Status = strings.ToLower(kv.value)
			case "files_modified", "files":
				st.FilesModified = splitList(kv.value)
			case "tests_status", "tests":
				st.TestsStatus = kv.value
			case "work_type":
				st.WorkType = kv.value
			case "progress":
				st.Progress = kv.value
			case "message":
				st.Message = kv.value
			}
		}
		out = append(out, st)
	}
	return out
}

// parseImplementationComplete returns the last IMPLEMENTATION_COMPLETE
// marker. An unclosed marker takes its summary from the following text.
func parseImplementationComplete(text string) *ImplementationComplete {
	blocks := scanBlocks(text, tagImplComplete)
	if len(blocks) == 0 {
		return nil
	}
	b := blocks[len(blocks)-1]
	body := b.body
	if !b.closed {
		body = scavenge(text, b.tagEnd)
	}

	ic := &ImplementationComplete{AllTestsPassing: true}
	var summary []string
	for _, line := range nonEmptyLines(body) {
		if kv, ok := splitKeyValue(line); ok {
			switch kv.key {
			case "all_tests_passing", "tests_passing":
				if v, ok := parseYesNo(kv.value); ok {
					ic.AllTestsPassing = v
				}
				continue
			case "tests_added":
				ic.TestsAdded = splitList(kv.value)
				continue
			}
		}
		summary = append(summary, line)
	}
	ic.Summary = strings.Join(summary, "\n")
	return ic
}

// parsePlanFile returns the path of the last PLAN_FILE marker that carries
// one, either as a path attribute or as the body.
func parsePlanFile(text string) string {
	path := ""
	for _, b := range scanBlocks(text, tagPlanFile) {
		if p := b.attrs["path"]; p != "" {
			path = p
		} else if b.closed && strings.TrimSpace(b.body) != "" {
			path = strings.TrimSpace(b.body)
		}
	}
	return path
}

// parseCIStatus returns the last CI_STATUS marker. Unknown status values are
// reported as pending.
func parseCIStatus(text string) *CIStatus {
	blocks := scanBlocks(text, tagCIStatus)
	if len(blocks) == 0 {
		return nil
	}
	b := blocks[len(blocks)-1]
	st := &CIStatus{Status: CIPending}
	switch v := strings.ToLower(b.attrs["status"]); v {
	case CIPassing, CIFailing, CIPending:
		st.Status = v
	case "passed", "success":
		st.Status = CIPassing
	case "failed", "failure":
		st.Status = CIFailing
	}
	if b.closed {
		st.Details = strings.TrimSpace(b.body)
	}
	return st
}

func parsePRCreated(text string) *PRCreated {
	blocks := scanBlocks(text, tagPRCreated)
	if len(blocks) == 0 {
		return nil
	}
	b := blocks[len(blocks)-1]
	pr := &PRCreated{
		URL:   b.attrs["url"],
		Title: b.attrs["title"],
	}
	if n, err := strconv.Atoi(strings.TrimPrefix(b.attrs["number"], "#")); err == nil && n > 0 {
		pr.Number = n
	}
	if b.closed {
		for _, line := range nonEmptyLines(b.body) {
			kv, ok := splitKeyValue(line)
			if !ok {
				continue
			}
			switch kv.key {
			case "url":
				if pr.URL == "" {
					pr.URL = kv.value
				}
			case "title":
				if pr.Title == "" {
					pr.Title = kv.value
				}
			case "number", "pr":
				if n, err := strconv.Atoi(strings.TrimPrefix(kv.value, "#")); err == nil && pr.Number == 0 {
					pr.Number = n
				}
			}
		}
	}
	return pr
}

func parseReturnToPlanning(text string) *ReturnToPlanning {
	blocks := scanBlocks(text, tagReturnToPlanning)
	if len(blocks) == 0 {
		return nil
	}
	b := blocks[0]
	if b.closed {
		return &ReturnToPlanning{Reason: strings.TrimSpace(b.body)}
	}
	return &ReturnToPlanning{Reason: scavenge(text, b.tagEnd)}
}
