package agent

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// buildPrompt returns the instruction text for one run. An explicit prompt
// on the request wins; the follow-up and emergency PR flows arrive that
// way. Otherwise the prompt is composed from the issue itself.
func buildPrompt(req domain.AgentRequest) string {
	if p := strings.TrimSpace(req.CustomPrompt); p != "" {
		return p
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Fix GitHub issue #%d in %s.\n\n", req.Issue.Number, req.Issue.FullRepo())
	if req.IssueDetails != nil {
		fmt.Fprintf(&b, "Title: %s\n\n", req.IssueDetails.Title)
		if body := strings.TrimSpace(req.IssueDetails.Body); body != "" {
			fmt.Fprintf(&b, "Description:\n%s\n\n", body)
		}
	}
	if len(req.Comments) > 0 {
		b.WriteString("Issue comments:\n")
		for _, c := range req.Comments {
			fmt.Fprintf(&b, "- @%s: %s\n", c.User.Login, strings.TrimSpace(c.Body))
		}
		b.WriteString("\n")
	}
	if req.IsRetry && req.RetryReason != "" {
		fmt.Fprintf(&b, "This is a retry. The previous attempt failed: %s\n\n", req.RetryReason)
	}

	b.WriteString("The repository is mounted at the current working directory")
	if req.BranchName != "" {
		fmt.Fprintf(&b, " with branch %s checked out", req.BranchName)
	}
	b.WriteString(".\n")
	b.WriteString("Implement a complete fix for the issue. Update or add tests where the repository has them. ")
	b.WriteString("Keep the change minimal and focused on the issue. ")
	b.WriteString("Leave your changes in the working tree; the surrounding automation commits and pushes them.\n")
	b.WriteString("Finish with a short summary of what you changed and why.\n")
	return b.String()
}
