package domain

import (
	"fmt"
	"strings"
)

// IsBotComment reports whether a comment was authored by a bot. botLogin is
// the configured bot account name and may be empty.
func IsBotComment(c Comment, botLogin string) bool {
	if strings.EqualFold(c.User.Type, "Bot") {
		return true
	}
	if strings.HasSuffix(c.User.Login, "[bot]") {
		return true
	}
	return botLogin != "" && strings.EqualFold(c.User.Login, botLogin)
}

// FilterBotComments returns comments with bot-authored entries removed,
// plus the number removed.
func FilterBotComments(comments []Comment, botLogin string) ([]Comment, int) {
	kept := make([]Comment, 0, len(comments))
	removed := 0
	for _, c := range comments {
		if IsBotComment(c, botLogin) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

// CitedCommentID reports whether body cites the given comment ID using one of
// the worker's citation markers. Earlier bot comments carrying a marker mean
// the comment was already processed.
func CitedCommentID(body string, id int64) bool {
	for _, marker := range []string{
		fmt.Sprintf("Comment ID: %d", id),
		fmt.Sprintf("comment #%d", id),
		fmt.Sprintf("Processing comment ID: %d", id),
	} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
