package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// Claude runs the Claude Code CLI in non-interactive stream-json mode.
type Claude struct {
	run runner
}

// NewClaude builds the claude provider on the given sandbox.
func NewClaude(cfg config.Config, box domain.Sandbox) *Claude {
	return &Claude{run: newRunner(cfg, box)}
}

// ProviderName implements domain.Agent.
func (c *Claude) ProviderName() string { return domain.ProviderClaude }

// ValidateConfig implements domain.Agent. The CLI inside the sandbox needs
// either an API key or an OAuth token from the worker's environment.
func (c *Claude) ValidateConfig() error {
	if c.run.cfg.SandboxImage == "" {
		return fmt.Errorf("op=agent.claude: %w: SANDBOX_IMAGE is empty", domain.ErrInvalidArgument)
	}
	if c.run.lookupEnv("ANTHROPIC_API_KEY") == "" && c.run.lookupEnv("CLAUDE_CODE_OAUTH_TOKEN") == "" {
		return fmt.Errorf("op=agent.claude: %w: neither ANTHROPIC_API_KEY nor CLAUDE_CODE_OAUTH_TOKEN is set", domain.ErrInvalidArgument)
	}
	return nil
}

// Execute implements domain.Agent. A timed-out or failed run still returns
// a result so the caller can commit partial changes; only quota exhaustion
// and sandbox infrastructure failures surface as errors.
func (c *Claude) Execute(ctx domain.Context, req domain.AgentRequest) (domain.AgentResult, error) {
	start := c.run.now()
	model := c.run.model(req)

	cmd := []string{
		"claude", "-p", buildPrompt(req),
		"--output-format", "stream-json", "--verbose",
		"--max-turns", strconv.Itoa(c.run.cfg.AgentMaxTurns),
		"--model", model,
		"--dangerously-skip-permissions",
	}
	spec := c.run.spec(req, cmd, c.run.passthroughEnv("ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"))

	var (
		parser    claudeStream
		announced bool
	)
	onLine := func(line string) {
		parser.feed(line)
		if !announced && parser.sessionID != "" {
			announced = true
			req.Emit(domain.AgentEvent{Kind: domain.AgentSessionStarted, SessionID: parser.sessionID})
		}
		req.Emit(domain.AgentEvent{Kind: domain.AgentOutputChunk, SessionID: parser.sessionID, Chunk: line})
	}

	exit, timedOut, err := c.run.exec(ctx, req, spec, onLine)
	if err != nil {
		c.run.observe(domain.ProviderClaude, model, domain.AgentResult{ExecutionTime: c.run.now().Sub(start)}, err)
		return domain.AgentResult{}, fmt.Errorf("op=agent.claude: %w", err)
	}

	success := exit == 0 && !timedOut && !parser.isError
	if !success {
		failure := parser.resultText + "\n" + parser.plain.String()
		if resetAt, ok := parseUsageLimit(failure, c.run.now()); ok {
			ul := &domain.UsageLimitError{Provider: domain.ProviderClaude, ResetAt: resetAt}
			c.run.observe(domain.ProviderClaude, model, domain.AgentResult{ExecutionTime: c.run.now().Sub(start)}, ul)
			return domain.AgentResult{}, fmt.Errorf("op=agent.claude: %w", ul)
		}
	}

	res := domain.AgentResult{
		Success:                success,
		ExecutionTime:          c.run.now().Sub(start),
		ExitCode:               exit,
		Model:                  model,
		SessionID:              parser.sessionID,
		ConversationID:         c.run.newID(),
		RawOutput:              parser.raw.String(),
		Logs:                   parser.plain.String(),
		ConversationLog:        parser.messages,
		ModifiedFiles:          parser.files,
		SuggestedCommitMessage: suggestCommitMessage(parser.resultText),
		Summary:                parser.resultText,
		NumTurns:               parser.numTurns,
		CostUSD:                parser.costUSD,
		MaxTurnsReached:        parser.subtype == "error_max_turns",
	}
	if timedOut {
		res.ExitCode = -1
		res.Logs += fmt.Sprintf("\nagent run timed out after %s\n", c.run.cfg.AgentTimeout)
	}
	c.run.observe(domain.ProviderClaude, model, res, nil)
	return res, nil
}

// claudeEvent is one stream-json line. The CLI emits system, assistant,
// user and result events; only the fields the worker reads are declared.
type claudeEvent struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	NumTurns     int             `json:"num_turns"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	CostUSD      float64         `json:"cost_usd"`
	Message      json.RawMessage `json:"message"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeContentBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Name  string `json:"name"`
	Input struct {
		FilePath string `json:"file_path"`
	} `json:"input"`
}

// claudeStream accumulates parser state across stream-json lines. Lines
// that are not JSON (CLI banners, stderr) are kept as plain logs.
type claudeStream struct {
	raw        strings.Builder
	plain      strings.Builder
	sessionID  string
	resultText string
	subtype    string
	isError    bool
	numTurns   int
	costUSD    float64
	messages   []domain.AgentMessage
	files      []string
	seen       map[string]bool
}

func (p *claudeStream) feed(line string) {
	p.raw.WriteString(line)
	p.raw.WriteByte('\n')
	if strings.TrimSpace(line) == "" {
		return
	}

	var ev claudeEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		p.plain.WriteString(line)
		p.plain.WriteByte('\n')
		return
	}
	if p.sessionID == "" && ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		var msg claudeMessage
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return
		}
		for _, b := range msg.Content {
			switch b.Type {
			case "text":
				if t := strings.TrimSpace(b.Text); t != "" {
					p.messages = append(p.messages, domain.AgentMessage{Role: "assistant", Content: t})
				}
			case "tool_use":
				if b.Input.FilePath != "" && editingTool(b.Name) {
					p.touch(b.Input.FilePath)
				}
			}
		}
	case "result":
		p.subtype = ev.Subtype
		p.isError = ev.IsError
		p.resultText = ev.Result
		p.numTurns = ev.NumTurns
		p.costUSD = ev.TotalCostUSD
		if p.costUSD == 0 {
			p.costUSD = ev.CostUSD
		}
	}
}

func (p *claudeStream) touch(path string) {
	if p.seen == nil {
		p.seen = make(map[string]bool)
	}
	if p.seen[path] {
		return
	}
	p.seen[path] = true
	p.files = append(p.files, path)
}

func editingTool(name string) bool {
	switch name {
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return true
	}
	return false
}
