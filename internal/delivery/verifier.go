// Package delivery confirms, against the real system of record, that the
// agent actually created the deliverable it claims to have created.
package delivery

import (
	"context"
	"errors"

	"github.com/thruflo/foreman/internal/marker"
)

// ErrNotConfirmed is returned when no matching pull request exists.
var ErrNotConfirmed = errors.New("pull request not found")

// Claim is what the pipeline knows about a deliverable before verification.
type Claim struct {
	WorkDir string
	// Branch is the head branch; when empty it is read from WorkDir.
	Branch string
	// PR is the agent's PR_CREATED marker, if it emitted one.
	PR *marker.PRCreated
}

// PullRequest is a confirmed deliverable.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Branch string `json:"branch"`
	State  string `json:"state"`
}

// Verifier looks up a claimed deliverable.
type Verifier interface {
	Verify(ctx context.Context, claim Claim) (*PullRequest, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, claim Claim) (*PullRequest, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, claim Claim) (*PullRequest, error) {
	return f(ctx, claim)
}
