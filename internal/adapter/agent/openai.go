package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// OpenAI runs the Codex CLI in non-interactive JSON mode.
type OpenAI struct {
	run runner
}

// NewOpenAI builds the openai provider on the given sandbox.
func NewOpenAI(cfg config.Config, box domain.Sandbox) *OpenAI {
	return &OpenAI{run: newRunner(cfg, box)}
}

// ProviderName implements domain.Agent.
func (o *OpenAI) ProviderName() string { return domain.ProviderOpenAI }

// ValidateConfig implements domain.Agent.
func (o *OpenAI) ValidateConfig() error {
	if o.run.cfg.SandboxImage == "" {
		return fmt.Errorf("op=agent.openai: %w: SANDBOX_IMAGE is empty", domain.ErrInvalidArgument)
	}
	if o.run.lookupEnv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("op=agent.openai: %w: OPENAI_API_KEY is not set", domain.ErrInvalidArgument)
	}
	return nil
}

// Execute implements domain.Agent. Codex does not report cost or turn
// counts on its event stream, so those result fields stay zero.
func (o *OpenAI) Execute(ctx domain.Context, req domain.AgentRequest) (domain.AgentResult, error) {
	start := o.run.now()
	model := o.run.model(req)

	cmd := []string{
		"codex", "exec",
		"--json", "--full-auto",
		"--model", model,
		buildPrompt(req),
	}
	spec := o.run.spec(req, cmd, o.run.passthroughEnv("OPENAI_API_KEY"))

	var parser codexStream
	onLine := func(line string) {
		parser.feed(line)
		req.Emit(domain.AgentEvent{Kind: domain.AgentOutputChunk, Chunk: line})
	}

	exit, timedOut, err := o.run.exec(ctx, req, spec, onLine)
	if err != nil {
		o.run.observe(domain.ProviderOpenAI, model, domain.AgentResult{ExecutionTime: o.run.now().Sub(start)}, err)
		return domain.AgentResult{}, fmt.Errorf("op=agent.openai: %w", err)
	}

	success := exit == 0 && !timedOut
	if !success {
		failure := parser.lastError + "\n" + parser.plain.String()
		if resetAt, ok := parseUsageLimit(failure, o.run.now()); ok {
			ul := &domain.UsageLimitError{Provider: domain.ProviderOpenAI, ResetAt: resetAt}
			o.run.observe(domain.ProviderOpenAI, model, domain.AgentResult{ExecutionTime: o.run.now().Sub(start)}, ul)
			return domain.AgentResult{}, fmt.Errorf("op=agent.openai: %w", ul)
		}
	}

	res := domain.AgentResult{
		Success:                success,
		ExecutionTime:          o.run.now().Sub(start),
		ExitCode:               exit,
		Model:                  model,
		ConversationID:         o.run.newID(),
		RawOutput:              parser.raw.String(),
		Logs:                   parser.plain.String(),
		ConversationLog:        parser.messages,
		SuggestedCommitMessage: suggestCommitMessage(parser.summary),
		Summary:                parser.summary,
	}
	if timedOut {
		res.ExitCode = -1
		res.Logs += fmt.Sprintf("\nagent run timed out after %s\n", o.run.cfg.AgentTimeout)
	}
	o.run.observe(domain.ProviderOpenAI, model, res, nil)
	return res, nil
}

// codexEvent is one JSONL line from codex exec --json.
type codexEvent struct {
	Msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"msg"`
}

type codexStream struct {
	raw       strings.Builder
	plain     strings.Builder
	messages  []domain.AgentMessage
	summary   string
	lastError string
}

func (p *codexStream) feed(line string) {
	p.raw.WriteString(line)
	p.raw.WriteByte('\n')
	if strings.TrimSpace(line) == "" {
		return
	}

	var ev codexEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Msg.Type == "" {
		p.plain.WriteString(line)
		p.plain.WriteByte('\n')
		return
	}
	switch ev.Msg.Type {
	case "agent_message":
		if t := strings.TrimSpace(ev.Msg.Message); t != "" {
			p.messages = append(p.messages, domain.AgentMessage{Role: "assistant", Content: t})
			p.summary = t
		}
	case "error":
		p.lastError = ev.Msg.Message
	}
}
