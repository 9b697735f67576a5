// Package agent runs AI coding sessions against prepared worktrees. Each
// provider wraps one vendor CLI (claude, codex, gemini) executed inside a
// domain.Sandbox container with the worktree mounted at /workspace, so the
// agent never touches the host checkout or the worker's own credentials
// beyond what is injected explicitly.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
	"github.com/fairyhunter13/gitfix/pkg/textx"
)

const (
	// workspaceDir is where the worktree is mounted inside every sandbox.
	workspaceDir = "/workspace"
	// maxLineBytes bounds a single output line; agents occasionally emit
	// very large stream-json events carrying whole file contents.
	maxLineBytes = 1024 * 1024

	containerStopGrace = 5 * time.Second
)

// Registry selects the provider serving a model name.
type Registry struct {
	providers map[string]domain.Agent
}

// NewRegistry builds one provider per vendor, all sharing the sandbox.
func NewRegistry(cfg config.Config, box domain.Sandbox) *Registry {
	return &Registry{providers: map[string]domain.Agent{
		domain.ProviderClaude: NewClaude(cfg, box),
		domain.ProviderOpenAI: NewOpenAI(cfg, box),
		domain.ProviderGemini: NewGemini(cfg, box),
	}}
}

// ForModel returns the provider serving the given model name or alias.
// Unknown models are served by the claude provider.
func (r *Registry) ForModel(model string) domain.Agent {
	return r.providers[domain.ProviderFor(model)]
}

// runner holds the pieces shared by all providers: the sandbox, config and
// injectable clock/env/id sources for tests.
type runner struct {
	cfg       config.Config
	box       domain.Sandbox
	lookupEnv func(string) string
	newID     func() string
	now       func() time.Time
	stopGrace time.Duration
}

func newRunner(cfg config.Config, box domain.Sandbox) runner {
	return runner{
		cfg:       cfg,
		box:       box,
		lookupEnv: os.Getenv,
		newID:     uuid.NewString,
		now:       time.Now,
		stopGrace: containerStopGrace,
	}
}

// model picks the effective model for a request: explicit model name,
// then the issue's model, then the configured default.
func (r runner) model(req domain.AgentRequest) string {
	for _, m := range []string{req.ModelName, req.Issue.ModelName, r.cfg.DefaultClaudeModel} {
		if m != "" {
			return domain.ResolveModelAlias(m)
		}
	}
	return domain.ResolveModelAlias(domain.DefaultModel)
}

// containerName returns gitfix-{owner}-{repo}-{issue}-{model}-{nonce}.
// The nonce keeps names from concurrent retries disjoint.
func (r runner) containerName(req domain.AgentRequest) string {
	model := req.Issue.ModelName
	if model == "" {
		model = r.cfg.DefaultClaudeModel
	}
	return fmt.Sprintf("gitfix-%s-%s-%d-%s-%s",
		textx.Slug(req.Issue.RepoOwner, 20),
		textx.Slug(req.Issue.RepoName, 20),
		req.Issue.Number,
		textx.Slug(model, 20),
		domain.BranchNonce(3))
}

// spec builds the sandbox run spec for one agent session. The worktree is
// the only host path visible to the container.
func (r runner) spec(req domain.AgentRequest, cmd, extraEnv []string) domain.SandboxSpec {
	env := []string{
		"GITHUB_TOKEN=" + req.GitHubToken,
		"GH_TOKEN=" + req.GitHubToken,
	}
	env = append(env, extraEnv...)
	return domain.SandboxSpec{
		Image:      r.cfg.SandboxImage,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: workspaceDir,
		Mounts:     []domain.SandboxMount{{Source: req.WorktreePath, Target: workspaceDir}},
		Network:    r.cfg.SandboxNetwork,
		Name:       r.containerName(req),
		Labels: map[string]string{
			"gitfix.task":  req.Issue.TaskID(),
			"gitfix.repo":  req.Issue.FullRepo(),
			"gitfix.issue": strconv.Itoa(req.Issue.Number),
		},
	}
}

// passthroughEnv copies the named variables from the worker's environment
// into the container when they are set on the host.
func (r runner) passthroughEnv(names ...string) []string {
	var env []string
	for _, n := range names {
		if v := r.lookupEnv(n); v != "" {
			env = append(env, n+"="+v)
		}
	}
	return env
}

// exec runs one container to completion, feeding each demuxed output line
// to onLine. It returns the exit code, whether the wall-clock timeout
// fired, and an infrastructure error when the container could not run at
// all. A timed-out run is not an error here; callers report it in the
// result so the job can still commit partial changes.
func (r runner) exec(ctx domain.Context, req domain.AgentRequest, spec domain.SandboxSpec, onLine func(string)) (int, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	defer cancel()

	h, err := r.box.Run(runCtx, spec)
	if err != nil {
		return -1, false, err
	}
	defer r.remove(ctx, h)

	req.Emit(domain.AgentEvent{Kind: domain.AgentContainerStarted, ContainerID: h.ID(), ContainerName: h.Name()})
	slog.Info("agent container started",
		"container", h.Name(),
		"issue", req.Issue.String(),
		"image", spec.Image)

	logs, err := h.Logs(runCtx)
	if err != nil {
		return -1, false, fmt.Errorf("op=agent.logs: %w", err)
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		defer logs.Close()
		sc := bufio.NewScanner(logs)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			onLine(sc.Text())
		}
		if err := sc.Err(); err != nil && runCtx.Err() == nil {
			slog.Warn("agent log stream ended early", "container", h.ID(), "error", err)
		}
	}()

	code, waitErr := h.Wait(runCtx)
	if waitErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			r.stop(ctx, h)
			<-drained
			slog.Warn("agent run timed out",
				"container", h.Name(),
				"issue", req.Issue.String(),
				"timeout", r.cfg.AgentTimeout)
			return -1, true, nil
		}
		<-drained
		return -1, false, fmt.Errorf("op=agent.wait: %w", waitErr)
	}
	<-drained
	return code, false, nil
}

// stop and remove run on a detached context so cleanup survives the
// caller's cancellation.

func (r runner) stop(ctx domain.Context, h domain.SandboxHandle) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := h.Stop(stopCtx, r.stopGrace); err != nil {
		slog.Warn("agent container stop failed", "container", h.ID(), "error", err)
	}
}

func (r runner) remove(ctx domain.Context, h domain.SandboxHandle) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := h.Remove(rmCtx); err != nil {
		slog.Warn("agent container remove failed", "container", h.ID(), "error", err)
	}
}

// observe reports one finished run to the Prometheus agent metrics.
func (r runner) observe(provider, model string, res domain.AgentResult, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "error"
		if _, ok := domain.AsUsageLimit(err); ok {
			status = "usage_limit"
		}
	case res.ExitCode == -1:
		status = "timeout"
	case !res.Success:
		status = "failed"
	}
	observability.ObserveAgentRun(provider, model, status, res.ExecutionTime, res.CostUSD, res.NumTurns)
}

var commitSubjectRe = regexp.MustCompile(`^(feat|fix|chore|docs|refactor|test|perf|build|ci|style)(\([\w./-]+\))?!?: \S`)

// suggestCommitMessage extracts a conventional-commit subject line from the
// agent's closing summary, when it wrote one. The caller falls back to the
// generated default message otherwise.
func suggestCommitMessage(summary string) string {
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if len(line) <= 72 && commitSubjectRe.MatchString(line) {
			return line
		}
	}
	return ""
}
