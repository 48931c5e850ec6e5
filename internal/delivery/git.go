package delivery

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
)

// DetectBranch returns the branch checked out in dir, or "" when dir is not
// a repository or HEAD is detached or unborn.
func DetectBranch(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}

// DetectRepository reads owner and repository name from the origin remote
// of the repository containing dir.
func DetectRepository(dir string) (owner, name string, err error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", "", fmt.Errorf("failed to open repository: %w", err)
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return "", "", fmt.Errorf("failed to read origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", "", fmt.Errorf("origin remote has no url")
	}
	return ParseRemoteURL(urls[0])
}

// ParseRemoteURL extracts owner and repository from a GitHub remote in
// scp-like (git@host:owner/repo.git) or URL form.
func ParseRemoteURL(raw string) (owner, name string, err error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	var p string
	switch {
	case strings.Contains(s, "://"):
		rest := s[strings.Index(s, "://")+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return "", "", fmt.Errorf("unrecognized remote url: %q", raw)
		}
		p = rest[slash+1:]
	case strings.Contains(s, ":"):
		p = s[strings.Index(s, ":")+1:]
	default:
		return "", "", fmt.Errorf("unrecognized remote url: %q", raw)
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] == "" || parts[len(parts)-1] == "" {
		return "", "", fmt.Errorf("unrecognized remote url: %q", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
