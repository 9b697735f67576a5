package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAuth            = errors.New("authentication failed")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrInternal        = errors.New("internal error")
)

// UsageLimitError reports provider quota exhaustion. It is not a job failure:
// handlers requeue the payload for after ResetAt instead of consuming a
// retry attempt.
type UsageLimitError struct {
	Provider string
	ResetAt  time.Time
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit reached for %s, resets at %s", e.Provider, e.ResetAt.UTC().Format(time.RFC3339))
}

// AsUsageLimit unwraps err into a *UsageLimitError when one is present.
func AsUsageLimit(err error) (*UsageLimitError, bool) {
	var ul *UsageLimitError
	if errors.As(err, &ul) {
		return ul, true
	}
	return nil, false
}

// Failure categories recorded in metrics and task state.
const (
	CategoryAuth      = "auth_error"
	CategoryNetwork   = "network_error"
	CategoryGit       = "git_error"
	CategoryGitHubAPI = "github_api_error"
	CategoryTimeout   = "timeout_error"
	CategoryUnknown   = "unknown_error"
)

// categoryRules are evaluated in order; the first substring match wins.
// Git needles name concrete operations so that "github" never matches them.
var categoryRules = []struct {
	category string
	needles  []string
}{
	{CategoryAuth, []string{"authentication", "unauthorized", "bad credentials", "permission denied", "401", "403"}},
	{CategoryNetwork, []string{"econnrefused", "enotfound", "connection refused", "connection reset", "no such host", "network"}},
	{CategoryGit, []string{"worktree", "git clone", "git fetch", "git push", "git commit", "git checkout", "non-fast-forward", "index.lock"}},
	{CategoryGitHubAPI, []string{"github", "api rate limit", "pull request", "422", "unprocessable"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
}

// CategorizeError maps an error to a failure category for reporting. It never
// changes control flow.
func CategorizeError(err error) string {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range categoryRules {
		for _, n := range rule.needles {
			if strings.Contains(msg, n) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// RetryableMessage reports whether an error message describes a transient
// condition worth retrying.
func RetryableMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, n := range []string{"rate limit", "timeout", "temporary", "try again"} {
		if strings.Contains(m, n) {
			return true
		}
	}
	return false
}
