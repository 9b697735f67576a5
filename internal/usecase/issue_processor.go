package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
	"github.com/fairyhunter13/gitfix/pkg/textx"
)

// AgentRegistry resolves the provider serving a model name.
type AgentRegistry interface {
	ForModel(model string) domain.Agent
}

// newCorrelationID mints a lexically sortable ID for jobs enqueued without
// one, so their logs and metrics stay traceable end to end.
func newCorrelationID() string {
	return "corr-" + ulid.Make().String()
}

// IssueProcessor runs one implement-issue job end to end: workspace setup,
// the agent session, commit and push, pull request creation and the final
// labels, comments and cleanup.
type IssueProcessor struct {
	cfg      config.Config
	settings config.Settings
	store    domain.Store
	queue    domain.Queue
	forge    domain.Forge
	git      domain.WorkspaceManager
	agents   AgentRegistry
	states   *TaskStateManager
	metrics  *MetricsRecorder
	tokens   *textx.TokenCounter

	now    func() time.Time
	sleep  func(domain.Context, time.Duration)
	jitter func(time.Duration) time.Duration
}

// NewIssueProcessor wires an issue processor.
func NewIssueProcessor(cfg config.Config, settings config.Settings, store domain.Store, queue domain.Queue, forge domain.Forge, git domain.WorkspaceManager, agents AgentRegistry, states *TaskStateManager, metrics *MetricsRecorder) *IssueProcessor {
	return &IssueProcessor{
		cfg:      cfg,
		settings: settings,
		store:    store,
		queue:    queue,
		forge:    forge,
		git:      git,
		agents:   agents,
		states:   states,
		metrics:  metrics,
		tokens:   textx.NewTokenCounter(),
		now:      time.Now,
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
}

// issueRun is the mutable state of one job execution.
type issueRun struct {
	job      domain.Job
	payload  domain.IssuePayload
	issue    domain.IssueRef
	taskID   string
	model    string
	details  domain.Issue
	token    string
	cloneURL string
	ws       domain.Workspace
	pushed   bool
	commit   string
	pr       *domain.PullRequest
	adopted  bool
	agentRes domain.AgentResult

	containerID string
	startMs     int64
	finalStatus string
	log         *slog.Logger
}

// Process handles one implement-issue job. The returned string is the JSON
// process result; a non-nil error consumes a retry attempt.
func (p *IssueProcessor) Process(ctx domain.Context, job domain.Job) (string, error) {
	var payload domain.IssuePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("op=issue.payload: decode: %w", err)
	}
	issue := payload.Issue
	if issue.RepoOwner == "" || issue.RepoName == "" || issue.Number <= 0 {
		return "", fmt.Errorf("op=issue.payload: %w: repo and issue number required", domain.ErrInvalidArgument)
	}
	if issue.ModelName == "" {
		issue.ModelName = p.cfg.DefaultClaudeModel
	}
	if issue.CorrelationID == "" {
		issue.CorrelationID = newCorrelationID()
	}

	run := &issueRun{
		job:     job,
		payload: payload,
		issue:   issue,
		taskID:  issue.TaskID(),
		model:   domain.ResolveModelAlias(issue.ModelName),
		startMs: p.now().UnixMilli(),
	}
	run.log = slog.With(
		"task", run.taskID,
		"issue", issue.String(),
		"model", run.model,
		"correlationId", issue.CorrelationID,
		"attempt", job.Attempt,
	)
	run.log.Info("issue job started")

	defer p.cleanupWorkspace(ctx, run)

	if _, err := p.states.Upsert(ctx, issue); err != nil {
		run.log.Warn("task state upsert failed", "error", err)
	}

	// De-phase concurrent same-issue jobs before touching the clone.
	p.sleep(ctx, domain.StaggerDelay(issue.ModelName))

	if res, done, err := p.gate(ctx, run); done {
		return res, err
	}
	if res, err := p.setup(ctx, run); err != nil || res != "" {
		return res, err
	}
	return p.execute(ctx, run)
}

// gate checks the label contract. done is true when the job finished here,
// either skipped or failed.
func (p *IssueProcessor) gate(ctx domain.Context, run *issueRun) (string, bool, error) {
	details, err := p.forge.GetIssue(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number)
	if err != nil {
		res, ferr := p.failAttempt(ctx, run, "setup", err)
		return res, true, ferr
	}
	run.details = details
	run.issue.Title = details.Title

	skip := ""
	switch {
	case !details.HasLabel(p.cfg.AIPrimaryTag):
		skip = "missing label " + p.cfg.AIPrimaryTag
	case details.HasLabel(p.cfg.AIDoneTag):
		skip = "already labeled " + p.cfg.AIDoneTag
	}
	if skip != "" {
		run.log.Info("issue skipped", "reason", skip)
		p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskCompleted, "skipped: "+skip, nil))
		res := p.result(run, domain.StatusSkipped, skip)
		return p.finish(run, res), true, nil
	}

	if err := p.forge.AddLabels(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number, []string{p.cfg.AIProcessingTag}); err != nil {
		res, ferr := p.failAttempt(ctx, run, "setup", err)
		return res, true, ferr
	}
	return "", false, nil
}

// setup prepares the clone, the worktree and the remote branch. A non-empty
// result or error means the job ended here.
func (p *IssueProcessor) setup(ctx domain.Context, run *issueRun) (string, error) {
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskSetup, "preparing workspace", nil))

	token, err := p.forge.InstallationToken(ctx)
	if err != nil {
		return p.failAttempt(ctx, run, "setup", err)
	}
	run.token = token

	repo, err := p.forge.GetRepository(ctx, run.issue.RepoOwner, run.issue.RepoName)
	if err != nil {
		return p.failAttempt(ctx, run, "setup", err)
	}
	run.cloneURL = repo.CloneURL
	if run.cloneURL == "" {
		run.cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", run.issue.RepoOwner, run.issue.RepoName)
	}
	base := p.baseBranch(run, repo)

	localPath, err := p.git.EnsureClone(ctx, run.cloneURL, run.issue.RepoOwner, run.issue.RepoName, token)
	if err != nil {
		return p.failAttempt(ctx, run, "setup", err)
	}
	ws, err := p.git.CreateWorktreeForIssue(ctx, localPath, run.issue, base)
	if err != nil {
		return p.failAttempt(ctx, run, "setup", err)
	}
	run.ws = ws
	run.log.Info("workspace ready", "branch", ws.BranchName, "base", ws.BaseBranch, "worktree", ws.WorktreePath)

	p.comment(ctx, run, ProcessingStartedComment(run.issue, run.model, ws))

	// Publish the branch before the agent runs so partial work survives a
	// worker crash.
	if err := p.pushBranch(ctx, run); err != nil {
		return p.failAttempt(ctx, run, "setup", err)
	}
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskProcessing, "workspace ready", map[string]any{
		"branch":     ws.BranchName,
		"baseBranch": ws.BaseBranch,
	}))
	return "", nil
}

// execute runs the agent and everything after it.
func (p *IssueProcessor) execute(ctx domain.Context, run *issueRun) (string, error) {
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskClaudeExecution, "running agent", nil))

	comments := p.issueComments(ctx, run)
	req := domain.AgentRequest{
		WorktreePath: run.ws.WorktreePath,
		Issue:        run.issue,
		IssueDetails: &run.details,
		Comments:     comments,
		GitHubToken:  run.token,
		CustomPrompt: run.payload.CustomPrompt,
		IsRetry:      run.payload.IsRetry,
		RetryReason:  run.payload.RetryReason,
		BranchName:   run.ws.BranchName,
		ModelName:    run.issue.ModelName,
		Events:       p.agentSink(ctx, run),
	}
	agent := p.agents.ForModel(run.issue.ModelName)
	res, err := agent.Execute(ctx, req)
	if err != nil {
		if ul, ok := domain.AsUsageLimit(err); ok {
			return p.requeueForQuota(ctx, run, ul)
		}
		return p.failAttempt(ctx, run, "claude_execution", err)
	}
	run.agentRes = res
	run.log.Info("agent run finished",
		"success", res.Success,
		"turns", res.NumTurns,
		"cost", res.CostUSD,
		"duration", res.ExecutionTime,
		"session", res.SessionID,
	)

	p.metrics.RecordExecutionLogs(ctx, domain.ExecutionLogLocator{
		SessionID:      res.SessionID,
		ConversationID: res.ConversationID,
		TaskID:         run.taskID,
		Repo:           run.issue.FullRepo(),
		IssueNumber:    run.issue.Number,
		ContainerID:    run.containerID,
	})
	p.noteState(run, p.states.PatchMeta(ctx, run.taskID, func(m *domain.TaskMeta) {
		m.ConversationID = res.ConversationID
		if res.SessionID != "" {
			m.SessionID = res.SessionID
		}
	}))
	p.publishDiff(ctx, run)

	return p.gitOperations(ctx, run)
}

// gitOperations commits and pushes whatever the agent left in the worktree.
func (p *IssueProcessor) gitOperations(ctx domain.Context, run *issueRun) (string, error) {
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskGitOperations, "committing changes", nil))

	msg := domain.CommitMessage(run.issue.Number, run.details.Title, run.model, run.agentRes.Success, run.agentRes.SuggestedCommitMessage)
	hash, err := p.git.CommitChanges(ctx, run.ws, msg, domain.WorkerCommitAuthor())
	if err != nil {
		return p.failAttempt(ctx, run, "git_operations", err)
	}
	run.commit = hash

	if hash == "" {
		if run.agentRes.Success {
			return p.finishNoChanges(ctx, run)
		}
		return p.finishAgentFailed(ctx, run)
	}
	run.log.Info("changes committed", "commit", hash)

	if err := p.pushBranch(ctx, run); err != nil {
		return p.failAttempt(ctx, run, "git_operations", err)
	}
	run.pushed = true
	return p.postProcessing(ctx, run)
}

// postProcessing opens the pull request and finalizes labels, comments and
// task state.
func (p *IssueProcessor) postProcessing(ctx domain.Context, run *issueRun) (string, error) {
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskPostProcessing, "creating pull request", nil))

	agentStatus := domain.StatusSuccess
	if !run.agentRes.Success {
		agentStatus = domain.StatusAgentFailed
	}
	report := CompletionReport(ReportInput{
		Issue:   run.issue,
		Status:  agentStatus,
		Success: run.agentRes.Success,
		Model:   run.model,
		Result:  run.agentRes,
	})

	pr, createErr := p.forge.CreatePR(ctx, run.issue.RepoOwner, run.issue.RepoName, domain.CreatePRInput{
		Title: prTitle(run.issue.Number, run.details.Title),
		Head:  run.ws.BranchName,
		Base:  run.ws.BaseBranch,
		Body:  PRBody(run.issue, run.model, run.ws.BranchName, run.commit, report),
	})
	switch {
	case createErr == nil:
		run.pr = &pr
	default:
		// 422 means a pull request for this head already exists, often one
		// the agent opened itself. Adopt it instead of failing.
		run.log.Warn("pull request creation failed", "error", createErr)
		if found := p.findExistingPR(ctx, run); found != nil {
			run.pr = found
			run.adopted = true
		}
	}

	if run.pr == nil && run.agentRes.Success {
		p.emergencyPRRetry(ctx, run)
	}

	if run.pr == nil {
		if !run.agentRes.Success {
			return p.finishAgentFailed(ctx, run)
		}
		return p.finishWithoutPR(ctx, run, report, createErr)
	}

	p.labelPR(ctx, run)
	p.noteState(run, p.states.PatchMeta(ctx, run.taskID, func(m *domain.TaskMeta) {
		m.PullRequestURL = run.pr.HTMLURL
	}))
	if run.adopted {
		// The adopted body is not ours, so the report goes on the issue.
		p.comment(ctx, run, report)
	}
	p.removeLabel(ctx, run, p.cfg.AIProcessingTag)
	p.addLabel(ctx, run, p.cfg.AIDoneTag)

	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskCompleted, "pull request ready", map[string]any{
		"pullRequestUrl": run.pr.HTMLURL,
		"prNumber":       run.pr.Number,
	}))

	res := p.result(run, domain.StatusSuccess, "")
	res.PRURL = run.pr.HTMLURL
	res.CommitHash = run.commit
	run.log.Info("issue job completed", "pr", run.pr.HTMLURL)
	return p.finish(run, res), nil
}

// emergencyPRRetry runs the agent once more with a prompt whose only task is
// opening the missing pull request. Best effort: failures here fall through
// to the no-PR finalization.
func (p *IssueProcessor) emergencyPRRetry(ctx domain.Context, run *issueRun) {
	run.log.Warn("successful run has no pull request, retrying creation via agent")
	req := domain.AgentRequest{
		WorktreePath: run.ws.WorktreePath,
		Issue:        run.issue,
		GitHubToken:  run.token,
		CustomPrompt: EmergencyPRPrompt(run.issue, run.ws.BranchName, run.ws.BaseBranch),
		IsRetry:      true,
		RetryReason:  "pull request missing after successful run",
		BranchName:   run.ws.BranchName,
		ModelName:    run.issue.ModelName,
	}
	if _, err := p.agents.ForModel(run.issue.ModelName).Execute(ctx, req); err != nil {
		run.log.Warn("emergency pull request run failed", "error", err)
	}
	if found := p.findExistingPR(ctx, run); found != nil {
		run.pr = found
		run.adopted = true
	}
}

// finishWithoutPR closes out a run whose changes were pushed but never got a
// pull request. The completion report is still delivered as a comment.
func (p *IssueProcessor) finishWithoutPR(ctx domain.Context, run *issueRun, report string, createErr error) (string, error) {
	cause := createErr
	if cause == nil {
		cause = fmt.Errorf("pull request missing for branch %s", run.ws.BranchName)
	}
	p.noteState(run, p.states.MarkFailed(ctx, run.taskID, cause, FailureDetail{
		Category: domain.CategoryGitHubAPI,
		Stage:    "post_processing",
	}))
	p.comment(ctx, run, report)
	p.comment(ctx, run, FailureComment(domain.CategoryGitHubAPI, cause))
	p.removeLabel(ctx, run, p.cfg.AIProcessingTag)

	res := p.result(run, domain.StatusFailed, "pull request could not be created")
	res.CommitHash = run.commit
	run.log.Error("issue job failed, pull request missing", "error", cause)
	return p.finish(run, res), nil
}

// finishNoChanges closes out a successful run that produced no changes.
func (p *IssueProcessor) finishNoChanges(ctx domain.Context, run *issueRun) (string, error) {
	run.log.Info("agent made no changes")
	p.comment(ctx, run, NoChangesComment(run.model, run.agentRes.Summary))
	p.removeLabel(ctx, run, p.cfg.AIProcessingTag)
	p.noteState(run, p.states.Transition(ctx, run.taskID, domain.TaskCompleted, "no changes necessary", nil))
	return p.finish(run, p.result(run, domain.StatusNoChanges, "no changes necessary")), nil
}

// finishAgentFailed closes out a failed agent run that ended without a pull
// request, with or without partial commits. The queue sees a completed job:
// re-running the agent on the same prompt is not worth a retry attempt.
func (p *IssueProcessor) finishAgentFailed(ctx domain.Context, run *issueRun) (string, error) {
	cause := fmt.Errorf("agent run failed: %s", agentFailureDetail(run.agentRes))
	category := domain.CategorizeError(cause)
	p.noteState(run, p.states.MarkFailed(ctx, run.taskID, cause, FailureDetail{
		Category: category,
		Stage:    "claude_execution",
	}))
	p.comment(ctx, run, FailureComment(category, cause))
	p.removeLabel(ctx, run, p.cfg.AIProcessingTag)

	run.log.Error("issue job failed, agent run unsuccessful", "category", category, "commit", run.commit)
	res := p.result(run, domain.StatusAgentFailed, "agent run failed")
	res.CommitHash = run.commit
	return p.finish(run, res), nil
}

// requeueForQuota re-enqueues the payload for after the provider's quota
// resets. No retry attempt is consumed.
func (p *IssueProcessor) requeueForQuota(ctx domain.Context, run *issueRun, ul *domain.UsageLimitError) (string, error) {
	untilReset := ul.ResetAt.Sub(p.now())
	if untilReset < 0 {
		untilReset = 0
	}
	delay := untilReset + p.cfg.RequeueBuffer() + p.jitter(p.cfg.RequeueJitter())

	raw, err := json.Marshal(run.payload)
	if err != nil {
		return "", fmt.Errorf("op=issue.requeue: encode: %w", err)
	}
	if _, err := p.queue.Enqueue(ctx, domain.KindImplementIssue, raw, domain.EnqueueOptions{Delay: delay}); err != nil {
		return p.failAttempt(ctx, run, "claude_execution", fmt.Errorf("op=issue.requeue: %w", err))
	}
	run.log.Warn("usage limit reached, job requeued",
		"provider", ul.Provider,
		"resetAt", ul.ResetAt.UTC(),
		"delay", delay,
	)

	p.comment(ctx, run, UsageLimitComment(ul.Provider, ul.ResetAt, delay))
	p.removeLabel(ctx, run, p.cfg.AIProcessingTag)
	p.noteState(run, p.states.MarkFailed(ctx, run.taskID, ul, FailureDetail{
		Category: categoryUsageLimit,
		Stage:    "claude_execution",
		Requeued: true,
		Delay:    delay,
	}))

	reason := fmt.Sprintf("usage limit resets at %s", ul.ResetAt.UTC().Format(time.RFC3339))
	return p.finish(run, p.result(run, domain.StatusRequeued, reason)), nil
}

// categoryUsageLimit tags requeued quota pauses on the task record. It sits
// outside the failure taxonomy: a quota pause is not a failure.
const categoryUsageLimit = "usage_limit"

// failAttempt ends the job with an error so the queue counts an attempt.
// Terminal failures additionally mark the task, comment on the issue and
// release the processing label.
func (p *IssueProcessor) failAttempt(ctx domain.Context, run *issueRun, stage string, cause error) (string, error) {
	category := domain.CategorizeError(cause)
	final := run.job.Attempt >= run.job.MaxAttempts || category == domain.CategoryAuth
	run.log.Error("stage failed",
		"stage", stage,
		"category", category,
		"final", final,
		"error", cause,
	)
	if final {
		p.noteState(run, p.states.MarkFailed(ctx, run.taskID, cause, FailureDetail{Category: category, Stage: stage}))
		p.comment(ctx, run, FailureComment(category, cause))
		p.removeLabel(ctx, run, p.cfg.AIProcessingTag)
	}
	return "", cause
}

// finish marshals the result envelope and records the final status for the
// deferred cleanup.
func (p *IssueProcessor) finish(run *issueRun, res domain.ProcessResult) string {
	run.finalStatus = res.Status
	raw, err := json.Marshal(res)
	if err != nil {
		run.log.Warn("result encode failed", "error", err)
		return `{"status":"` + res.Status + `"}`
	}
	return string(raw)
}

func (p *IssueProcessor) result(run *issueRun, status, reason string) domain.ProcessResult {
	return domain.ProcessResult{
		Status:          status,
		Reason:          reason,
		Repo:            run.issue.FullRepo(),
		IssueNumber:     run.issue.Number,
		Model:           run.model,
		CostUSD:         run.agentRes.CostUSD,
		Turns:           run.agentRes.NumTurns,
		ExecutionTimeMs: run.agentRes.ExecutionTime.Milliseconds(),
		CorrelationID:   run.issue.CorrelationID,
		StartedAtMs:     run.startMs,
	}
}

// cleanupWorkspace disposes the worktree according to the retention strategy.
// The branch survives on success and is deleted on failure paths so retries
// start clean.
func (p *IssueProcessor) cleanupWorkspace(ctx domain.Context, run *issueRun) {
	if run.ws.WorktreePath == "" {
		return
	}
	success := run.finalStatus == domain.StatusSuccess || run.finalStatus == domain.StatusNoChanges
	opts := domain.CleanupOptions{
		DeleteBranch:   !success,
		Success:        success,
		Strategy:       domain.RetentionStrategy(p.cfg.WorktreeRetentionStrategy),
		RetentionHours: p.cfg.WorktreeRetentionHours,
		IssueNumber:    run.issue.Number,
	}
	if err := p.git.CleanupWorktree(context.WithoutCancel(ctx), run.ws, opts); err != nil {
		run.log.Warn("worktree cleanup failed", "worktree", run.ws.WorktreePath, "error", err)
	}
}

// issueComments fetches the issue discussion, drops bot comments and budgets
// the remainder. Fetch failures degrade to an empty discussion.
func (p *IssueProcessor) issueComments(ctx domain.Context, run *issueRun) []domain.Comment {
	comments, err := p.forge.ListIssueComments(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number)
	if err != nil {
		run.log.Warn("comment fetch failed, continuing without discussion", "error", err)
		return nil
	}
	kept, removed := domain.FilterBotComments(comments, p.botLogin())
	budgeted := BudgetComments(p.tokens, kept, run.model, commentTokenBudget)
	run.log.Info("issue comments prepared",
		"total", len(comments),
		"bot", removed,
		"forwarded", len(budgeted),
	)
	return budgeted
}

// agentSink streams agent events into the task channels and the task record.
func (p *IssueProcessor) agentSink(ctx domain.Context, run *issueRun) domain.AgentSink {
	return func(ev domain.AgentEvent) {
		switch ev.Kind {
		case domain.AgentSessionStarted:
			p.noteState(run, p.states.PatchMeta(ctx, run.taskID, func(m *domain.TaskMeta) {
				m.SessionID = ev.SessionID
			}))
		case domain.AgentContainerStarted:
			run.containerID = ev.ContainerID
			p.noteState(run, p.states.PatchMeta(ctx, run.taskID, func(m *domain.TaskMeta) {
				m.ContainerID = ev.ContainerID
				m.ContainerName = ev.ContainerName
			}))
		case domain.AgentOutputChunk:
			if err := p.store.Publish(ctx, domain.ChannelTaskLog(run.taskID), ev.Chunk); err != nil {
				slog.Debug("task log publish failed", "task", run.taskID, "error", err)
			}
		case domain.AgentDiffChunk:
			if err := p.store.Publish(ctx, domain.ChannelTaskDiff(run.taskID), ev.Chunk); err != nil {
				slog.Debug("task diff publish failed", "task", run.taskID, "error", err)
			}
		}
	}
}

// publishDiff snapshots the worktree diff onto the task diff channel.
func (p *IssueProcessor) publishDiff(ctx domain.Context, run *issueRun) {
	diff, err := p.git.DiffWorktree(ctx, run.ws)
	if err != nil {
		run.log.Warn("worktree diff failed", "error", err)
		return
	}
	if diff == "" {
		return
	}
	if err := p.store.Publish(ctx, domain.ChannelTaskDiff(run.taskID), diff); err != nil {
		run.log.Warn("task diff publish failed", "error", err)
	}
}

func (p *IssueProcessor) pushBranch(ctx domain.Context, run *issueRun) error {
	return p.git.PushBranch(ctx, run.ws, run.ws.BranchName, domain.PushOptions{
		RepoURL:        run.cloneURL,
		AuthToken:      run.token,
		TokenRefreshFn: p.forge.InstallationToken,
	})
}

// findExistingPR looks up an open pull request for the run's head branch.
func (p *IssueProcessor) findExistingPR(ctx domain.Context, run *issueRun) *domain.PullRequest {
	head := run.issue.RepoOwner + ":" + run.ws.BranchName
	prs, err := p.forge.ListPRsByHead(ctx, run.issue.RepoOwner, run.issue.RepoName, head)
	if err != nil {
		run.log.Warn("pull request lookup failed", "head", head, "error", err)
		return nil
	}
	if len(prs) == 0 {
		return nil
	}
	pr := prs[0]
	run.log.Info("adopting existing pull request", "pr", pr.HTMLURL)
	return &pr
}

// labelPR attaches the configured pull request label. Pull requests are
// issues to the labels API.
func (p *IssueProcessor) labelPR(ctx domain.Context, run *issueRun) {
	if p.settings.PRLabel == "" || run.pr == nil {
		return
	}
	if err := p.forge.AddLabels(ctx, run.issue.RepoOwner, run.issue.RepoName, run.pr.Number, []string{p.settings.PRLabel}); err != nil {
		run.log.Warn("pull request label failed", "label", p.settings.PRLabel, "error", err)
	}
}

func (p *IssueProcessor) baseBranch(run *issueRun, repo domain.Repository) string {
	if run.payload.BaseBranch != "" {
		return run.payload.BaseBranch
	}
	if b := p.settings.BaseBranchFor(run.issue.RepoOwner, run.issue.RepoName); b != "" {
		return b
	}
	if p.cfg.GitDefaultBranch != "" {
		return p.cfg.GitDefaultBranch
	}
	if repo.DefaultBranch != "" {
		return repo.DefaultBranch
	}
	return "main"
}

func (p *IssueProcessor) botLogin() string {
	if p.settings.BotUsername != "" {
		return p.settings.BotUsername
	}
	return p.cfg.GitHubBotUsername
}

func (p *IssueProcessor) comment(ctx domain.Context, run *issueRun, body string) {
	if _, err := p.forge.AddIssueComment(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number, body); err != nil {
		run.log.Warn("issue comment failed", "error", err)
	}
}

func (p *IssueProcessor) addLabel(ctx domain.Context, run *issueRun, label string) {
	if err := p.forge.AddLabels(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number, []string{label}); err != nil {
		run.log.Warn("label add failed", "label", label, "error", err)
	}
}

func (p *IssueProcessor) removeLabel(ctx domain.Context, run *issueRun, label string) {
	if err := p.forge.RemoveLabel(ctx, run.issue.RepoOwner, run.issue.RepoName, run.issue.Number, label); err != nil {
		run.log.Warn("label remove failed", "label", label, "error", err)
	}
}

func (p *IssueProcessor) noteState(run *issueRun, err error) {
	if err != nil {
		run.log.Warn("task state update failed", "error", err)
	}
}

// agentFailureDetail extracts a short failure description from an agent
// result for the task record and the failure comment.
func agentFailureDetail(res domain.AgentResult) string {
	if s := strings.TrimSpace(res.Summary); s != "" {
		return textx.Truncate(s, 400)
	}
	if res.MaxTurnsReached {
		return "turn limit reached before completion"
	}
	if res.ExitCode == -1 {
		return "agent run timed out"
	}
	return fmt.Sprintf("agent exited with code %d", res.ExitCode)
}

func prTitle(issueNumber int, title string) string {
	t := strings.TrimSpace(title)
	if t == "" {
		return fmt.Sprintf("Fix #%d", issueNumber)
	}
	return fmt.Sprintf("Fix #%d: %s", issueNumber, textx.Truncate(t, 80))
}

// sleepContext sleeps d unless the context ends first.
func sleepContext(ctx domain.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
