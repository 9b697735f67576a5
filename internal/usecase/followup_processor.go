package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// FollowupProcessor applies reviewer-requested changes to an existing pull
// request branch. The branch is never deleted: the pull request stays open
// and keeps accumulating follow-up commits.
type FollowupProcessor struct {
	cfg      config.Config
	settings config.Settings
	store    domain.Store
	queue    domain.Queue
	forge    domain.Forge
	git      domain.WorkspaceManager
	agents   AgentRegistry
	metrics  *MetricsRecorder

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// NewFollowupProcessor wires a follow-up processor.
func NewFollowupProcessor(cfg config.Config, settings config.Settings, store domain.Store, queue domain.Queue, forge domain.Forge, git domain.WorkspaceManager, agents AgentRegistry, metrics *MetricsRecorder) *FollowupProcessor {
	return &FollowupProcessor{
		cfg:      cfg,
		settings: settings,
		store:    store,
		queue:    queue,
		forge:    forge,
		git:      git,
		agents:   agents,
		metrics:  metrics,
		now:      time.Now,
		jitter:   randomJitter,
	}
}

// followupRun is the mutable state of one follow-up execution.
type followupRun struct {
	job         domain.Job
	payload     domain.FollowupPayload
	pending     []domain.FollowupComment
	model       string
	taskID      string
	token       string
	cloneURL    string
	ws          domain.Workspace
	ackID       int64
	agentRes    domain.AgentResult
	startMs     int64
	finalStatus string
	log         *slog.Logger
}

// Process handles one follow-up job.
func (p *FollowupProcessor) Process(ctx domain.Context, job domain.Job) (string, error) {
	var payload domain.FollowupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("op=followup.payload: decode: %w", err)
	}
	if payload.RepoOwner == "" || payload.RepoName == "" || payload.PullRequestNumber <= 0 || payload.BranchName == "" {
		return "", fmt.Errorf("op=followup.payload: %w: repo, pull request and branch required", domain.ErrInvalidArgument)
	}

	if payload.LLM == "" {
		payload.LLM = p.cfg.DefaultClaudeModel
	}
	if payload.CorrelationID == "" {
		payload.CorrelationID = newCorrelationID()
	}
	run := &followupRun{
		job:     job,
		payload: payload,
		model:   domain.ResolveModelAlias(payload.LLM),
		// The task ID carries the model name as enqueued, matching how the
		// dashboard derives channel names from its own payload.
		taskID:  domain.TaskID(payload.RepoOwner, payload.RepoName, payload.PullRequestNumber, payload.LLM),
		startMs: p.now().UnixMilli(),
	}
	run.log = slog.With(
		"pr", fmt.Sprintf("%s/%s#%d", payload.RepoOwner, payload.RepoName, payload.PullRequestNumber),
		"branch", payload.BranchName,
		"model", run.model,
		"correlationId", payload.CorrelationID,
		"attempt", job.Attempt,
	)

	comments := payload.AllComments()
	if len(comments) == 0 {
		run.log.Info("follow-up job carried no comments")
		return p.finish(run, p.result(run, domain.StatusSkipped, "no comments in payload")), nil
	}
	run.log.Info("follow-up job started", "comments", len(comments))

	defer p.cleanupWorkspace(ctx, run)

	pending, err := p.pendingComments(ctx, run, comments)
	if err != nil {
		return p.failAttempt(ctx, run, err)
	}
	if len(pending) == 0 {
		run.log.Info("all comments already processed")
		return p.finish(run, p.result(run, domain.StatusSkipped, "comments already processed")), nil
	}
	run.pending = pending

	p.postAck(ctx, run)

	if err := p.setupWorkspace(ctx, run); err != nil {
		p.deleteAck(ctx, run)
		return p.failAttempt(ctx, run, err)
	}
	return p.execute(ctx, run)
}

// pendingComments drops comments an earlier bot comment already cites.
func (p *FollowupProcessor) pendingComments(ctx domain.Context, run *followupRun, comments []domain.FollowupComment) ([]domain.FollowupComment, error) {
	existing, err := p.forge.ListIssueComments(ctx, run.payload.RepoOwner, run.payload.RepoName, run.payload.PullRequestNumber)
	if err != nil {
		return nil, fmt.Errorf("op=followup.dedupe: %w", err)
	}
	bot := make([]domain.Comment, 0, len(existing))
	for _, c := range existing {
		if domain.IsBotComment(c, p.botLogin()) {
			bot = append(bot, c)
		}
	}
	pending := make([]domain.FollowupComment, 0, len(comments))
	for _, fc := range comments {
		cited := false
		for _, bc := range bot {
			if domain.CitedCommentID(bc.Body, fc.ID) {
				cited = true
				break
			}
		}
		if cited {
			run.log.Info("comment already addressed, skipping", "commentId", fc.ID)
			continue
		}
		pending = append(pending, fc)
	}
	return pending, nil
}

// setupWorkspace clones and checks the pull request branch out into a fresh
// worktree.
func (p *FollowupProcessor) setupWorkspace(ctx domain.Context, run *followupRun) error {
	token, err := p.forge.InstallationToken(ctx)
	if err != nil {
		return err
	}
	run.token = token

	repo, err := p.forge.GetRepository(ctx, run.payload.RepoOwner, run.payload.RepoName)
	if err != nil {
		return err
	}
	run.cloneURL = repo.CloneURL
	if run.cloneURL == "" {
		run.cloneURL = fmt.Sprintf("https://github.com/%s/%s.git", run.payload.RepoOwner, run.payload.RepoName)
	}

	localPath, err := p.git.EnsureClone(ctx, run.cloneURL, run.payload.RepoOwner, run.payload.RepoName, token)
	if err != nil {
		return err
	}
	ws, err := p.git.CreateWorktreeFromExistingBranch(ctx, localPath, run.payload.BranchName, "", run.payload.RepoOwner, run.payload.RepoName)
	if err != nil {
		return err
	}
	run.ws = ws
	run.log.Info("follow-up workspace ready", "worktree", ws.WorktreePath)
	return nil
}

// execute runs the agent on the pending comments and lands the result.
func (p *FollowupProcessor) execute(ctx domain.Context, run *followupRun) (string, error) {
	req := domain.AgentRequest{
		WorktreePath: run.ws.WorktreePath,
		Issue: domain.IssueRef{
			RepoOwner:     run.payload.RepoOwner,
			RepoName:      run.payload.RepoName,
			Number:        run.payload.PullRequestNumber,
			ModelName:     run.payload.LLM,
			CorrelationID: run.payload.CorrelationID,
		},
		GitHubToken:  run.token,
		CustomPrompt: FollowupPrompt(run.payload.RepoOwner, run.payload.RepoName, run.payload.PullRequestNumber, run.payload.BranchName, run.pending),
		BranchName:   run.payload.BranchName,
		ModelName:    run.payload.LLM,
		Events:       p.agentSink(ctx, run),
	}
	res, err := p.agents.ForModel(run.payload.LLM).Execute(ctx, req)
	if err != nil {
		if ul, ok := domain.AsUsageLimit(err); ok {
			return p.requeueForQuota(ctx, run, ul)
		}
		p.deleteAck(ctx, run)
		return p.failAttempt(ctx, run, err)
	}
	run.agentRes = res
	run.log.Info("follow-up agent finished", "success", res.Success, "turns", res.NumTurns, "cost", res.CostUSD)

	p.metrics.RecordExecutionLogs(ctx, domain.ExecutionLogLocator{
		SessionID:      res.SessionID,
		ConversationID: res.ConversationID,
		TaskID:         run.taskID,
		Repo:           run.payload.RepoOwner + "/" + run.payload.RepoName,
		IssueNumber:    run.payload.PullRequestNumber,
	})

	hash, err := p.git.CommitChanges(ctx, run.ws, domain.FollowupCommitMessage(run.payload.PullRequestNumber, run.pending), domain.WorkerCommitAuthor())
	if err != nil {
		p.deleteAck(ctx, run)
		return p.failAttempt(ctx, run, err)
	}

	if hash == "" {
		return p.finishNoCommit(ctx, run)
	}

	if err := p.git.PushBranch(ctx, run.ws, run.payload.BranchName, domain.PushOptions{
		RepoURL:        run.cloneURL,
		AuthToken:      run.token,
		TokenRefreshFn: p.forge.InstallationToken,
	}); err != nil {
		p.deleteAck(ctx, run)
		return p.failAttempt(ctx, run, err)
	}
	run.log.Info("follow-up changes pushed", "commit", hash)

	p.comment(ctx, run, FollowupConfirmationComment(run.pending, hash, run.agentRes))
	p.deleteAck(ctx, run)

	res2 := p.result(run, domain.StatusSuccess, "")
	res2.CommitHash = hash
	return p.finish(run, res2), nil
}

// finishNoCommit closes a run that left the working tree clean. A successful
// analysis cites the comment IDs so they are not picked up again; a failed
// run leaves them uncited for a later trigger.
func (p *FollowupProcessor) finishNoCommit(ctx domain.Context, run *followupRun) (string, error) {
	if run.agentRes.Success {
		run.log.Info("follow-up made no changes")
		p.comment(ctx, run, FollowupNoChangesComment(run.pending, run.agentRes.Summary))
		p.deleteAck(ctx, run)
		return p.finish(run, p.result(run, domain.StatusNoChanges, "no changes necessary")), nil
	}

	cause := fmt.Errorf("agent run failed: %s", agentFailureDetail(run.agentRes))
	category := domain.CategorizeError(cause)
	run.log.Error("follow-up agent run unsuccessful", "category", category)
	p.comment(ctx, run, FailureComment(category, cause))
	p.deleteAck(ctx, run)
	return p.finish(run, p.result(run, domain.StatusAgentFailed, "agent run failed")), nil
}

// requeueForQuota re-enqueues the follow-up for after the quota reset.
func (p *FollowupProcessor) requeueForQuota(ctx domain.Context, run *followupRun, ul *domain.UsageLimitError) (string, error) {
	untilReset := ul.ResetAt.Sub(p.now())
	if untilReset < 0 {
		untilReset = 0
	}
	delay := untilReset + p.cfg.RequeueBuffer() + p.jitter(p.cfg.RequeueJitter())

	raw, err := json.Marshal(run.payload)
	if err != nil {
		return "", fmt.Errorf("op=followup.requeue: encode: %w", err)
	}
	if _, err := p.queue.Enqueue(ctx, domain.KindPRFollowup, raw, domain.EnqueueOptions{Delay: delay}); err != nil {
		p.deleteAck(ctx, run)
		return p.failAttempt(ctx, run, fmt.Errorf("op=followup.requeue: %w", err))
	}
	run.log.Warn("usage limit reached, follow-up requeued", "provider", ul.Provider, "resetAt", ul.ResetAt.UTC(), "delay", delay)

	p.comment(ctx, run, UsageLimitComment(ul.Provider, ul.ResetAt, delay))
	p.deleteAck(ctx, run)

	reason := fmt.Sprintf("usage limit resets at %s", ul.ResetAt.UTC().Format(time.RFC3339))
	return p.finish(run, p.result(run, domain.StatusRequeued, reason)), nil
}

// failAttempt ends the job with an error. The pull request is notified on
// the attempt that exhausts the budget.
func (p *FollowupProcessor) failAttempt(ctx domain.Context, run *followupRun, cause error) (string, error) {
	category := domain.CategorizeError(cause)
	final := run.job.Attempt >= run.job.MaxAttempts || category == domain.CategoryAuth
	run.log.Error("follow-up stage failed", "category", category, "final", final, "error", cause)
	if final {
		p.comment(ctx, run, FailureComment(category, cause))
	}
	return "", cause
}

func (p *FollowupProcessor) finish(run *followupRun, res domain.ProcessResult) string {
	run.finalStatus = res.Status
	raw, err := json.Marshal(res)
	if err != nil {
		run.log.Warn("result encode failed", "error", err)
		return `{"status":"` + res.Status + `"}`
	}
	return string(raw)
}

func (p *FollowupProcessor) result(run *followupRun, status, reason string) domain.ProcessResult {
	return domain.ProcessResult{
		Status:          status,
		Reason:          reason,
		Repo:            run.payload.RepoOwner + "/" + run.payload.RepoName,
		IssueNumber:     run.payload.PullRequestNumber,
		Model:           run.model,
		CostUSD:         run.agentRes.CostUSD,
		Turns:           run.agentRes.NumTurns,
		ExecutionTimeMs: run.agentRes.ExecutionTime.Milliseconds(),
		CorrelationID:   run.payload.CorrelationID,
		StartedAtMs:     run.startMs,
	}
}

// cleanupWorkspace removes the worktree. DeleteBranch stays false on every
// path: the branch belongs to the open pull request.
func (p *FollowupProcessor) cleanupWorkspace(ctx domain.Context, run *followupRun) {
	if run.ws.WorktreePath == "" {
		return
	}
	success := run.finalStatus == domain.StatusSuccess || run.finalStatus == domain.StatusNoChanges
	opts := domain.CleanupOptions{
		DeleteBranch:   false,
		Success:        success,
		Strategy:       domain.RetentionStrategy(p.cfg.WorktreeRetentionStrategy),
		RetentionHours: p.cfg.WorktreeRetentionHours,
		IssueNumber:    run.payload.PullRequestNumber,
	}
	if err := p.git.CleanupWorktree(context.WithoutCancel(ctx), run.ws, opts); err != nil {
		run.log.Warn("worktree cleanup failed", "worktree", run.ws.WorktreePath, "error", err)
	}
}

// agentSink streams agent output onto the task log channel.
func (p *FollowupProcessor) agentSink(ctx domain.Context, run *followupRun) domain.AgentSink {
	return func(ev domain.AgentEvent) {
		if ev.Kind != domain.AgentOutputChunk {
			return
		}
		if err := p.store.Publish(ctx, domain.ChannelTaskLog(run.taskID), ev.Chunk); err != nil {
			slog.Debug("task log publish failed", "task", run.taskID, "error", err)
		}
	}
}

// postAck announces the run on the pull request and remembers the comment so
// it can be removed once a definitive comment replaces it.
func (p *FollowupProcessor) postAck(ctx domain.Context, run *followupRun) {
	c, err := p.forge.AddIssueComment(ctx, run.payload.RepoOwner, run.payload.RepoName, run.payload.PullRequestNumber, FollowupAckComment(run.pending))
	if err != nil {
		run.log.Warn("acknowledgement comment failed", "error", err)
		return
	}
	run.ackID = c.ID
}

// deleteAck removes the acknowledgement comment. Idempotent.
func (p *FollowupProcessor) deleteAck(ctx domain.Context, run *followupRun) {
	if run.ackID == 0 {
		return
	}
	if err := p.forge.DeleteIssueComment(ctx, run.payload.RepoOwner, run.payload.RepoName, run.ackID); err != nil {
		run.log.Warn("acknowledgement comment delete failed", "commentId", run.ackID, "error", err)
	}
	run.ackID = 0
}

func (p *FollowupProcessor) comment(ctx domain.Context, run *followupRun, body string) {
	if _, err := p.forge.AddIssueComment(ctx, run.payload.RepoOwner, run.payload.RepoName, run.payload.PullRequestNumber, body); err != nil {
		run.log.Warn("pull request comment failed", "error", err)
	}
}

func (p *FollowupProcessor) botLogin() string {
	if p.settings.BotUsername != "" {
		return p.settings.BotUsername
	}
	return p.cfg.GitHubBotUsername
}
