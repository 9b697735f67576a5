package agent

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
	"github.com/fairyhunter13/gitfix/pkg/textx"
)

// Gemini runs the Gemini CLI in non-interactive mode. The CLI prints plain
// text, so parsing is limited to collecting output and the exit code.
type Gemini struct {
	run runner
}

// NewGemini builds the gemini provider on the given sandbox.
func NewGemini(cfg config.Config, box domain.Sandbox) *Gemini {
	return &Gemini{run: newRunner(cfg, box)}
}

// ProviderName implements domain.Agent.
func (g *Gemini) ProviderName() string { return domain.ProviderGemini }

// ValidateConfig implements domain.Agent.
func (g *Gemini) ValidateConfig() error {
	if g.run.cfg.SandboxImage == "" {
		return fmt.Errorf("op=agent.gemini: %w: SANDBOX_IMAGE is empty", domain.ErrInvalidArgument)
	}
	if g.run.lookupEnv("GEMINI_API_KEY") == "" && g.run.lookupEnv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("op=agent.gemini: %w: neither GEMINI_API_KEY nor GOOGLE_API_KEY is set", domain.ErrInvalidArgument)
	}
	return nil
}

// Execute implements domain.Agent.
func (g *Gemini) Execute(ctx domain.Context, req domain.AgentRequest) (domain.AgentResult, error) {
	start := g.run.now()
	model := g.run.model(req)

	cmd := []string{
		"gemini",
		"--prompt", buildPrompt(req),
		"--model", model,
		"--yolo",
	}
	spec := g.run.spec(req, cmd, g.run.passthroughEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"))

	var out strings.Builder
	onLine := func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		req.Emit(domain.AgentEvent{Kind: domain.AgentOutputChunk, Chunk: line})
	}

	exit, timedOut, err := g.run.exec(ctx, req, spec, onLine)
	if err != nil {
		g.run.observe(domain.ProviderGemini, model, domain.AgentResult{ExecutionTime: g.run.now().Sub(start)}, err)
		return domain.AgentResult{}, fmt.Errorf("op=agent.gemini: %w", err)
	}

	output := out.String()
	success := exit == 0 && !timedOut
	if !success {
		if resetAt, ok := parseUsageLimit(output, g.run.now()); ok {
			ul := &domain.UsageLimitError{Provider: domain.ProviderGemini, ResetAt: resetAt}
			g.run.observe(domain.ProviderGemini, model, domain.AgentResult{ExecutionTime: g.run.now().Sub(start)}, ul)
			return domain.AgentResult{}, fmt.Errorf("op=agent.gemini: %w", ul)
		}
	}

	summary := textx.Truncate(strings.TrimSpace(output), 4000)
	res := domain.AgentResult{
		Success:                success,
		ExecutionTime:          g.run.now().Sub(start),
		ExitCode:               exit,
		Model:                  model,
		ConversationID:         g.run.newID(),
		RawOutput:              output,
		Logs:                   output,
		SuggestedCommitMessage: suggestCommitMessage(output),
		Summary:                summary,
	}
	if timedOut {
		res.ExitCode = -1
		res.Logs += fmt.Sprintf("\nagent run timed out after %s\n", g.run.cfg.AgentTimeout)
	}
	g.run.observe(domain.ProviderGemini, model, res, nil)
	return res, nil
}
