// Package marker extracts structured outcomes from the free-text responses of
// the code-generation agent.
//
// The agent is asked to wrap structured data in bracketed markers such as
// [DECISION_NEEDED ...]...[/DECISION_NEEDED] or [PLAN_APPROVED]. Nothing binds
// it to that grammar, so the parser is lenient: every marker type is scanned
// independently, malformed markers are dropped rather than failing the parse,
// and step completions fall back through three extraction tiers (closed
// marker, self-closing marker, plain-text heading).
//
// Parse is pure. Parsing the same text twice yields equal Outcomes, and
// re-parsing a longer transcript re-derives the whole Outcome from scratch.
package marker
