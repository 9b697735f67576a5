package agent

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// defaultQuotaCooldown is used when a provider reports quota exhaustion
// without naming a reset time.
const defaultQuotaCooldown = 30 * time.Minute

// Claude reports its quota window as "usage limit reached|<unix seconds>".
var usageLimitRe = regexp.MustCompile(`(?i)usage limit reached\|(\d{9,12})`)

// HTTP-style hint some providers echo into their error text.
var retryAfterRe = regexp.MustCompile(`(?i)retry[- ]after[:\s]+(\d+)`)

// parseUsageLimit reports whether s carries a provider quota-exhaustion
// notice and the reset time it names. Callers pass only failure output;
// matching arbitrary agent output would misread quoted file contents.
func parseUsageLimit(s string, now time.Time) (time.Time, bool) {
	if m := usageLimitRe.FindStringSubmatch(s); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return time.Unix(n, 0), true
		}
	}
	if !quotaExhausted(s) {
		return time.Time{}, false
	}
	if m := retryAfterRe.FindStringSubmatch(s); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return now.Add(time.Duration(n) * time.Second), true
		}
	}
	return now.Add(defaultQuotaCooldown), true
}

func quotaExhausted(s string) bool {
	m := strings.ToLower(s)
	for _, n := range []string{
		"usage limit reached",
		"quota exceeded",
		"too many requests",
		"resource_exhausted",
		"rate limit exceeded",
		"429",
	} {
		if strings.Contains(m, n) {
			return true
		}
	}
	return false
}
