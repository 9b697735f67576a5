package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// ReportInput carries everything the completion report renders.
type ReportInput struct {
	Issue   domain.IssueRef
	Status  string
	Success bool
	Model   string
	Result  domain.AgentResult
}

// CompletionReport renders the markdown report attached to every finished
// run, as the pull request body or as an issue comment on fallback paths.
func CompletionReport(in ReportInput) string {
	var b strings.Builder
	b.WriteString("## GitFix Completion Report\n\n")
	if in.Success {
		b.WriteString("**Status:** ✅ Success\n")
	} else {
		b.WriteString("**Status:** ❌ Failed\n")
	}
	fmt.Fprintf(&b, "**Issue:** %s\n", in.Issue.String())
	fmt.Fprintf(&b, "**Model:** `%s`\n", in.Model)
	fmt.Fprintf(&b, "**Execution time:** %s\n", formatSeconds(in.Result.ExecutionTime))
	if in.Result.NumTurns > 0 {
		fmt.Fprintf(&b, "**Turns:** %d\n", in.Result.NumTurns)
	}
	if in.Result.CostUSD > 0 {
		fmt.Fprintf(&b, "**Cost:** $%.4f\n", in.Result.CostUSD)
	}
	if in.Result.SessionID != "" {
		fmt.Fprintf(&b, "**Session:** `%s`\n", in.Result.SessionID)
	}
	if in.Result.ConversationID != "" {
		fmt.Fprintf(&b, "**Conversation:** `%s`\n", in.Result.ConversationID)
	}
	fmt.Fprintf(&b, "**Result:** `%s`\n", in.Status)
	if in.Result.MaxTurnsReached {
		b.WriteString("\n> ⚠️ The agent reached its turn limit; the change may be incomplete.\n")
	}
	if s := strings.TrimSpace(in.Result.Summary); s != "" {
		b.WriteString("\n### Summary\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// PRBody renders the pull request description. The first line carries the
// closing keyword GitHub links the pull request to the issue with.
func PRBody(issue domain.IssueRef, model, branch, commitHash, report string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Closes #%d\n\n", issue.Number)
	fmt.Fprintf(&b, "Automated fix for %s.\n\n", issue.String())
	fmt.Fprintf(&b, "**Model:** `%s`\n", model)
	fmt.Fprintf(&b, "**Branch:** `%s`\n", branch)
	if commitHash != "" {
		fmt.Fprintf(&b, "**Commit:** `%s`\n", shortHash(commitHash))
	}
	b.WriteString("\n---\n\n")
	b.WriteString(report)
	return b.String()
}

// ProcessingStartedComment announces that a run has begun on the issue.
func ProcessingStartedComment(issue domain.IssueRef, model string, ws domain.Workspace) string {
	var b strings.Builder
	b.WriteString("🤖 GitFix started working on this issue.\n\n")
	fmt.Fprintf(&b, "**Model:** `%s`\n", model)
	fmt.Fprintf(&b, "**Branch:** `%s`\n", ws.BranchName)
	fmt.Fprintf(&b, "**Base:** `%s`\n", ws.BaseBranch)
	b.WriteString("\nA report will be posted here when the run finishes.\n")
	return b.String()
}

// NoChangesComment reports a successful run that required no code changes.
func NoChangesComment(model, summary string) string {
	var b strings.Builder
	b.WriteString("🤖 GitFix analyzed this issue and concluded no code changes are necessary.\n\n")
	fmt.Fprintf(&b, "**Model:** `%s`\n", model)
	if s := strings.TrimSpace(summary); s != "" {
		b.WriteString("\n### Analysis\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// UsageLimitComment explains a quota pause and when processing resumes. The
// requeue consumed no retry attempt.
func UsageLimitComment(provider string, resetAt time.Time, delay time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏳ The %s usage limit has been reached.\n\n", provider)
	fmt.Fprintf(&b, "This issue was re-queued automatically and will be retried after %s (in about %s).\n",
		resetAt.UTC().Format("Mon, 02 Jan 2006 15:04 MST"), delay.Round(time.Minute))
	b.WriteString("No retry attempt was consumed.\n")
	return b.String()
}

// FailureComment reports a terminal failure with its category and a
// collapsible error detail block.
func FailureComment(category string, cause error) string {
	var b strings.Builder
	b.WriteString("❌ GitFix could not complete this issue.\n\n")
	fmt.Fprintf(&b, "**Error category:** `%s`\n\n", category)
	if cause != nil {
		b.WriteString("<details>\n<summary>Error detail</summary>\n\n```\n")
		b.WriteString(cause.Error())
		b.WriteString("\n```\n</details>\n")
	}
	return b.String()
}

// FollowupAckComment announces which review comments a follow-up run is
// picking up. The "Processing comment ID" lines double as citation markers
// for deduplication.
func FollowupAckComment(comments []domain.FollowupComment) string {
	var b strings.Builder
	b.WriteString("🤖 GitFix is working on the requested follow-up changes.\n\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- Processing comment ID: %d (by @%s)\n", c.ID, c.Author)
	}
	return b.String()
}

// FollowupConfirmationComment reports applied follow-up changes, citing each
// addressed comment ID.
func FollowupConfirmationComment(comments []domain.FollowupComment, commitHash string, res domain.AgentResult) string {
	var b strings.Builder
	b.WriteString("✅ Applied the requested follow-up changes.\n\n")
	fmt.Fprintf(&b, "**Commit:** `%s`\n", shortHash(commitHash))
	fmt.Fprintf(&b, "**Execution time:** %s\n", formatSeconds(res.ExecutionTime))
	if res.NumTurns > 0 {
		fmt.Fprintf(&b, "**Turns:** %d\n", res.NumTurns)
	}
	if res.CostUSD > 0 {
		fmt.Fprintf(&b, "**Cost:** $%.4f\n", res.CostUSD)
	}
	b.WriteString("\nAddressed comments:\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- Comment ID: %d (by @%s)\n", c.ID, c.Author)
	}
	if s := strings.TrimSpace(res.Summary); s != "" {
		b.WriteString("\n### Summary\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

// FollowupNoChangesComment reports a follow-up run that changed nothing,
// citing the comment IDs so the request is not picked up again.
func FollowupNoChangesComment(comments []domain.FollowupComment, summary string) string {
	var b strings.Builder
	b.WriteString("🤖 GitFix reviewed the follow-up request; no code changes were necessary.\n\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "- Comment ID: %d (by @%s)\n", c.ID, c.Author)
	}
	if s := strings.TrimSpace(summary); s != "" {
		b.WriteString("\n### Analysis\n\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}

func formatSeconds(d time.Duration) string {
	s := int64(d.Round(time.Second) / time.Second)
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%ds", s)
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
