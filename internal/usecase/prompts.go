package usecase

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/gitfix/internal/domain"
	"github.com/fairyhunter13/gitfix/pkg/textx"
)

// commentTokenBudget bounds how much issue discussion is forwarded to the
// agent. Newest comments are kept first; the issue body itself is never
// budgeted away.
const commentTokenBudget = 4000

// perCommentOverhead covers the attribution line wrapped around each comment
// body in the prompt.
const perCommentOverhead = 8

// BudgetComments selects the newest comments whose combined token count fits
// the budget, returned in their original chronological order. Selection stops
// at the first comment that does not fit, so the forwarded discussion stays
// contiguous.
func BudgetComments(tc *textx.TokenCounter, comments []domain.Comment, model string, budget int) []domain.Comment {
	if len(comments) == 0 || budget <= 0 {
		return nil
	}
	remaining := budget
	start := len(comments)
	for i := len(comments) - 1; i >= 0; i-- {
		c := comments[i]
		cost := tc.Count(c.Body, model) + tc.Count(c.User.Login, model) + perCommentOverhead
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	if start == len(comments) {
		return nil
	}
	return comments[start:]
}

// FollowupPrompt instructs the agent to apply reviewer-requested changes on
// an existing pull request branch. The agent must leave committing and
// pushing to the surrounding automation.
func FollowupPrompt(owner, repo string, prNumber int, branch string, comments []domain.FollowupComment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on pull request #%d in %s/%s, on its existing branch %s.\n\n", prNumber, owner, repo, branch)
	b.WriteString("Reviewers requested the following changes:\n\n")
	for _, c := range comments {
		fmt.Fprintf(&b, "Comment ID: %d (by @%s):\n%s\n\n", c.ID, c.Author, c.Body)
	}
	b.WriteString("Apply the requested changes to the working tree.\n")
	b.WriteString("Do not commit, do not push, and do not open or modify any pull request; the surrounding automation handles all of that.\n")
	b.WriteString("Finish with a short summary of what you changed.\n")
	return b.String()
}

// EmergencyPRPrompt instructs the agent to do one thing only: open the pull
// request that a prior successful run failed to create.
func EmergencyPRPrompt(issue domain.IssueRef, branch, base string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A fix for issue #%d in %s has already been implemented and pushed to the branch %s, but no pull request exists for it.\n\n", issue.Number, issue.FullRepo(), branch)
	fmt.Fprintf(&b, "Using the gh CLI, create a pull request from %s into %s. ", branch, base)
	fmt.Fprintf(&b, "The pull request body must contain the line \"Closes #%d\".\n", issue.Number)
	b.WriteString("Do not modify any files and do not create any commits. Creating the pull request is the only task.\n")
	return b.String()
}
