package domain

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/fairyhunter13/gitfix/pkg/textx"
)

// Fixed identity for all worker-authored commits. The agent never authors
// its own commits.
const (
	CommitAuthorName  = "Claude Code"
	CommitAuthorEmail = "claude-code@anthropic.com"
)

// WorkerCommitAuthor returns the fixed commit identity.
func WorkerCommitAuthor() CommitAuthor {
	return CommitAuthor{Name: CommitAuthorName, Email: CommitAuthorEmail}
}

// BranchSlugMaxLen bounds the slugged title segment of a branch name.
const BranchSlugMaxLen = 25

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// BranchNonce returns n random characters from [a-z0-9].
func BranchNonce(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = nonceAlphabet[rand.IntN(len(nonceAlphabet))]
	}
	return string(b)
}

// BranchName builds ai-fix/{issue}-{slug}-{YYYYMMDD-HHMM}[-{model}]-{nonce}.
// Empty slug and model segments are skipped. The timestamp plus nonce make
// names from concurrent jobs disjoint.
func BranchName(issueNumber int, title, model string, at time.Time, nonce string) string {
	parts := []string{fmt.Sprintf("%d", issueNumber)}
	if slug := textx.Slug(title, BranchSlugMaxLen); slug != "" {
		parts = append(parts, slug)
	}
	parts = append(parts, at.UTC().Format("20060102-1504"))
	if model != "" {
		if m := textx.Slug(model, BranchSlugMaxLen); m != "" {
			parts = append(parts, m)
		}
	}
	parts = append(parts, nonce)
	return "ai-fix/" + strings.Join(parts, "-")
}

// TaskID returns the model-qualified task identifier used for all per-task
// keys and channels.
func TaskID(owner, repo string, issueNumber int, model string) string {
	return fmt.Sprintf("%s-%s-%d-%s", owner, repo, issueNumber, model)
}

// CommitMessage builds the default commit message for an issue fix. A
// non-empty suggested message from the agent supersedes it.
func CommitMessage(issueNumber int, title, model string, success bool, suggested string) string {
	if s := strings.TrimSpace(suggested); s != "" {
		return s
	}
	outcome := "Implementation completed successfully."
	if !success {
		outcome = "Implementation attempted, manual review recommended."
	}
	return fmt.Sprintf("fix(ai): Resolve issue #%d - %s\n\nImplemented by Claude Code using %s model.\n%s",
		issueNumber, textx.Truncate(title, 50), model, outcome)
}

// FollowupCommitMessage builds the commit message for follow-up changes
// applied from PR review comments.
func FollowupCommitMessage(prNumber int, comments []FollowupComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "feat(ai): Apply follow-up changes from PR comments for PR #%d\n", prNumber)
	for _, c := range comments {
		fmt.Fprintf(&b, "\nComment ID: %d (by @%s)", c.ID, c.Author)
	}
	return b.String()
}
