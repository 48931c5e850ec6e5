// Package agent runs the external code-generation agent as a local
// subprocess. An Invoker builds the command line, streams output to an
// observer, enforces a hard timeout and turns the final payload into a
// marker.Outcome. Failures are reported inside the Result, never as Go
// errors, so callers can apply one retry/block policy.
//
// Classifier layers small yes/no style questions on top of the same
// machinery with a shorter timeout and falls back to the safer answer
// whenever the agent cannot give one.
package agent
