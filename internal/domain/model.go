package domain

import (
	"strings"
	"time"
)

// DefaultModel is used when a job names no model.
const DefaultModel = "sonnet"

// Provider names for coding agents.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// modelAliases maps short and historical names to canonical model IDs.
// Canonical IDs never appear as keys, so resolution is idempotent.
var modelAliases = map[string]string{
	"opus":              "claude-opus-4-1",
	"sonnet":            "claude-sonnet-4-5",
	"haiku":             "claude-3-5-haiku",
	"claude":            "claude-sonnet-4-5",
	"claude-3-opus":     "claude-opus-4-1",
	"claude-3-5-sonnet": "claude-sonnet-4-5",
	"gpt4":              "gpt-4.1",
	"gpt-4":             "gpt-4.1",
	"gpt4o":             "gpt-4o",
	"openai":            "gpt-4.1",
	"gemini":            "gemini-2.5-pro",
	"gemini-pro":        "gemini-2.5-pro",
	"gemini-flash":      "gemini-2.5-flash",
	"flash":             "gemini-2.5-flash",
}

// ResolveModelAlias resolves a model name to its canonical identifier.
// Resolution is case-insensitive; unrecognized names pass through unchanged.
func ResolveModelAlias(name string) string {
	if name == "" {
		return ""
	}
	if canonical, ok := modelAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canonical
	}
	return name
}

// ProviderFor maps a model name to the agent provider serving it. Unknown
// models map to claude.
func ProviderFor(model string) string {
	m := strings.ToLower(ResolveModelAlias(model))
	switch {
	case strings.HasPrefix(m, "claude"):
		return ProviderClaude
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "openai"):
		return ProviderOpenAI
	case strings.HasPrefix(m, "gemini"):
		return ProviderGemini
	default:
		return ProviderClaude
	}
}

// StaggerDelay returns the deterministic pre-setup sleep for a model so that
// concurrent jobs on the same issue with different models de-phase their
// filesystem and API bursts. Worktree nonces carry the actual isolation
// guarantee; this only reduces contention.
func StaggerDelay(model string) time.Duration {
	var h int32
	for _, ch := range model {
		h = (h << 5) - h + int32(ch)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return 500*time.Millisecond + time.Duration(v%1500)*time.Millisecond
}
