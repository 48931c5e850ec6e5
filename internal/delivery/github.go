package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/thruflo/foreman/internal/config"
	"github.com/thruflo/foreman/internal/logging"
)

var errWrongBranch = errors.New("pull request head does not match the session branch")

// GitHubVerifier confirms pull requests through the GitHub API.
type GitHubVerifier struct {
	client   *github.Client
	owner    string
	repo     string
	attempts int
	interval time.Duration
	logger   *logging.Logger
}

// NewGitHubVerifier creates a verifier. Without a token requests are
// unauthenticated. Owner and repo fall back to the session's origin remote.
func NewGitHubVerifier(ctx context.Context, cfg config.GitHubConfig, logger *logging.Logger) (*GitHubVerifier, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base_url: %w", err)
		}
		client.BaseURL = u
	}
	if logger == nil {
		logger = logging.Default()
	}
	attempts := cfg.ConfirmAttempts
	if attempts <= 0 {
		attempts = config.DefaultConfirmAttempts
	}
	return &GitHubVerifier{
		client:   client,
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		attempts: attempts,
		interval: 2 * time.Second,
		logger:   logger,
	}, nil
}

// SetRetryInterval changes the initial wait between lookups.
func (v *GitHubVerifier) SetRetryInterval(d time.Duration) {
	v.interval = d
}

func (v *GitHubVerifier) repository(workDir string) (string, string, error) {
	if v.owner != "" && v.repo != "" {
		return v.owner, v.repo, nil
	}
	return DetectRepository(workDir)
}

// Verify looks the claimed pull request up by number, or by head branch
// when no number was claimed. Lookups are retried because a freshly
// created pull request may not be listed yet. It returns ErrNotConfirmed
// when nothing matches after the last attempt.
func (v *GitHubVerifier) Verify(ctx context.Context, claim Claim) (*PullRequest, error) {
	owner, repo, err := v.repository(claim.WorkDir)
	if err != nil {
		return nil, err
	}
	branch := claim.Branch
	if branch == "" {
		branch = DetectBranch(claim.WorkDir)
	}
	number := 0
	if claim.PR != nil {
		number = claim.PR.Number
	}
	if number == 0 && branch == "" {
		return nil, fmt.Errorf("%w: no pull request number and no branch to search", ErrNotConfirmed)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = v.interval
	bo.MaxElapsedTime = 0

	var found *PullRequest
	attempt := 0
	op := func() error {
		attempt++
		pr, err := v.lookup(ctx, owner, repo, number, branch)
		if err != nil {
			if isRetryable(err) {
				v.logger.Debug("pull request lookup failed, retrying", "attempt", attempt, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		if pr == nil {
			return ErrNotConfirmed
		}
		found = pr
		return nil
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(v.attempts-1)), ctx))
	if err != nil {
		if errors.Is(err, ErrNotConfirmed) {
			return nil, fmt.Errorf("%w: %s/%s branch %q number %d", ErrNotConfirmed, owner, repo, branch, number)
		}
		return nil, fmt.Errorf("failed to confirm pull request: %w", err)
	}
	v.logger.Info("pull request confirmed", "number", found.Number, "url", found.URL)
	return found, nil
}

func (v *GitHubVerifier) lookup(ctx context.Context, owner, repo string, number int, branch string) (*PullRequest, error) {
	if number > 0 {
		pr, resp, err := v.client.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil, nil
			}
			return nil, err
		}
		out := convert(pr)
		if branch != "" && out.Branch != branch {
			return nil, fmt.Errorf("%w: #%d is for branch %q, not %q", errWrongBranch, number, out.Branch, branch)
		}
		return out, nil
	}

	prs, _, err := v.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return nil, err
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch {
			return convert(pr), nil
		}
	}
	return nil, nil
}

func convert(pr *github.PullRequest) *PullRequest {
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Title:  pr.GetTitle(),
		Branch: pr.GetHead().GetRef(),
		State:  pr.GetState(),
	}
}

// isRetryable reports whether a GitHub API error is transient.
func isRetryable(err error) bool {
	if errors.Is(err, errWrongBranch) {
		return false
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	// Network errors.
	return true
}
