package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// followupFixture wires a FollowupProcessor over scripted fakes with a
// happy-path default: two fresh review comments, successful agent, commit
// and push both working.
type followupFixture struct {
	store *fakeStore
	queue *fakeQueue
	forge *fakeForge
	git   *fakeGit
	agent *fakeAgent
	proc  *FollowupProcessor
	now   time.Time
}

func newFollowupFixture() *followupFixture {
	f := &followupFixture{
		store: newFakeStore(),
		queue: &fakeQueue{},
		forge: &fakeForge{},
		git:   &fakeGit{},
		agent: &fakeAgent{},
		now:   time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
	f.git.ws = domain.Workspace{
		LocalRepoPath: "/tmp/clones/acme/web",
		WorktreePath:  "/tmp/worktrees/web-17-followup",
	}
	f.git.commitHash = "fedcba9876543210"
	f.agent.res = domain.AgentResult{
		Success:        true,
		ExecutionTime:  41 * time.Second,
		NumTurns:       6,
		CostUSD:        0.42,
		SessionID:      "sess-2",
		ConversationID: "conv-2",
		Summary:        "Renamed the helper and added the test.",
	}

	metrics := NewMetricsRecorder(f.store, 10)
	metrics.now = func() time.Time { return f.now }

	p := NewFollowupProcessor(testProcessorConfig(), testSettings(), f.store, f.queue, f.forge, f.git, fakeRegistry{agent: f.agent}, metrics)
	p.now = func() time.Time { return f.now }
	p.jitter = func(time.Duration) time.Duration { return 0 }
	f.proc = p
	return f
}

const followupBranch = "ai-fix/17-fix-login-20260820-0900-abc"

func defaultFollowupPayload() domain.FollowupPayload {
	return domain.FollowupPayload{
		PullRequestNumber: 17,
		BranchName:        followupBranch,
		RepoOwner:         "acme",
		RepoName:          "web",
		LLM:               "sonnet",
		CorrelationID:     "corr-7",
		Comments: []domain.FollowupComment{
			{ID: 11, Body: "Please rename the helper", Author: "alice"},
			{ID: 12, Body: "Add a test for the empty response", Author: "bob"},
		},
	}
}

func followupJob(t *testing.T, payload domain.FollowupPayload) domain.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("payload marshal: %v", err)
	}
	return domain.Job{ID: "j2", Kind: domain.KindPRFollowup, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func TestFollowupProcessSuccess(t *testing.T) {
	f := newFollowupFixture()
	ctx := context.Background()

	raw, err := f.proc.Process(ctx, followupJob(t, defaultFollowupPayload()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusSuccess || res.CommitHash != "fedcba9876543210" {
		t.Fatalf("result = %+v", res)
	}
	if res.Repo != "acme/web" || res.IssueNumber != 17 || res.CorrelationID != "corr-7" {
		t.Errorf("coordinates missing from result: %+v", res)
	}
	if res.Model != "claude-sonnet-4-5" || res.Turns != 6 || res.CostUSD != 0.42 {
		t.Errorf("agent numbers missing from result: %+v", res)
	}

	// Followups never open a PR; they commit onto the existing branch.
	if len(f.forge.createdPRs) != 0 {
		t.Errorf("created PRs = %d, followups must not open one", len(f.forge.createdPRs))
	}
	if len(f.git.pushes) != 1 || f.git.pushes[0] != followupBranch {
		t.Errorf("pushes = %v", f.git.pushes)
	}
	if len(f.git.commits) != 1 {
		t.Fatalf("commits = %d", len(f.git.commits))
	}
	msg := f.git.commits[0]
	if !strings.HasPrefix(msg, "feat(ai): Apply follow-up changes from PR comments for PR #17") {
		t.Errorf("commit message = %q", msg)
	}
	if !strings.Contains(msg, "Comment ID: 11 (by @alice)") || !strings.Contains(msg, "Comment ID: 12 (by @bob)") {
		t.Errorf("commit message must cite both comments: %q", msg)
	}

	bodies := f.forge.commentBodies()
	if len(bodies) != 2 {
		t.Fatalf("comments = %d, want ack + confirmation", len(bodies))
	}
	ack, confirm := bodies[0], bodies[1]
	if !strings.Contains(ack, "Processing comment ID: 11 (by @alice)") || !strings.Contains(ack, "Processing comment ID: 12 (by @bob)") {
		t.Errorf("ack comment = %q", ack)
	}
	if !strings.Contains(confirm, "Applied the requested follow-up changes") {
		t.Errorf("confirmation comment = %q", confirm)
	}
	if !strings.Contains(confirm, "Comment ID: 11 (by @alice)") || !strings.Contains(confirm, "Comment ID: 12 (by @bob)") {
		t.Errorf("confirmation must cite both comments: %q", confirm)
	}
	if !strings.Contains(confirm, "`fedcba9`") {
		t.Errorf("confirmation must carry the short commit hash: %q", confirm)
	}
	// The ack (first posted comment, ID 1) is removed once the confirmation
	// replaces it.
	if len(f.forge.deletedComments) != 1 || f.forge.deletedComments[0] != 1 {
		t.Errorf("deleted comments = %v", f.forge.deletedComments)
	}

	if len(f.agent.requests) != 1 {
		t.Fatalf("agent runs = %d", len(f.agent.requests))
	}
	req := f.agent.requests[0]
	if req.BranchName != followupBranch || req.ModelName != "sonnet" {
		t.Errorf("agent request = %+v", req)
	}
	if !strings.Contains(req.CustomPrompt, "pull request #17") || !strings.Contains(req.CustomPrompt, "Please rename the helper") {
		t.Errorf("prompt = %q", req.CustomPrompt)
	}
	if !strings.Contains(req.CustomPrompt, "Do not commit") {
		t.Errorf("prompt must forbid committing: %q", req.CustomPrompt)
	}

	if len(f.git.cleanups) != 1 {
		t.Fatalf("cleanups = %d", len(f.git.cleanups))
	}
	cl := f.git.cleanups[0]
	if cl.DeleteBranch {
		t.Errorf("the pull request branch must never be deleted")
	}
	if !cl.Success || cl.IssueNumber != 17 {
		t.Errorf("cleanup options = %+v", cl)
	}

	if _, err := f.store.Get(ctx, domain.SessionLogKey("sess-2")); err != nil {
		t.Errorf("execution log locator missing: %v", err)
	}
}

func TestFollowupProcessSkipsCitedComments(t *testing.T) {
	f := newFollowupFixture()
	// Comment 13 was addressed in an earlier run: a prior bot comment on the
	// pull request cites it.
	f.forge.comments = []domain.Comment{
		{ID: 90, Body: "LGTM aside from my notes", User: domain.User{Login: "carol"}},
		{ID: 91, Body: "✅ Applied the requested follow-up changes.\n\n- Comment ID: 13 (by @carol)\n", User: domain.User{Login: "gitfix-bot"}},
	}
	payload := defaultFollowupPayload()
	payload.Comments = append(payload.Comments, domain.FollowupComment{ID: 13, Body: "Fix the typo in the README", Author: "carol"})
	// This round produces no changes, so the run ends with the analysis note.
	f.git.commitHash = ""

	raw, err := f.proc.Process(context.Background(), followupJob(t, payload))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusNoChanges {
		t.Fatalf("status = %q", res.Status)
	}

	if len(f.agent.requests) != 1 {
		t.Fatalf("agent runs = %d", len(f.agent.requests))
	}
	prompt := f.agent.requests[0].CustomPrompt
	if !strings.Contains(prompt, "Comment ID: 11") || !strings.Contains(prompt, "Comment ID: 12") {
		t.Errorf("prompt dropped a pending comment: %q", prompt)
	}
	if strings.Contains(prompt, "Comment ID: 13") || strings.Contains(prompt, "Fix the typo") {
		t.Errorf("prompt must not carry the already addressed comment: %q", prompt)
	}

	bodies := f.forge.commentBodies()
	if len(bodies) != 2 {
		t.Fatalf("comments = %d, want ack + no-changes note", len(bodies))
	}
	ack := bodies[0]
	if !strings.Contains(ack, "Processing comment ID: 11") || !strings.Contains(ack, "Processing comment ID: 12") {
		t.Errorf("ack comment = %q", ack)
	}
	if strings.Contains(ack, "13") {
		t.Errorf("ack must reference only the unprocessed comments: %q", ack)
	}
	note := bodies[1]
	if !strings.Contains(note, "no code changes were necessary") {
		t.Errorf("no-changes note = %q", note)
	}
	if !strings.Contains(note, "Comment ID: 11 (by @alice)") || !strings.Contains(note, "Comment ID: 12 (by @bob)") {
		t.Errorf("note must cite both processed comments: %q", note)
	}

	if len(f.git.pushes) != 0 {
		t.Errorf("pushes = %v, nothing to push without a commit", f.git.pushes)
	}
	cl := f.git.cleanups[0]
	if cl.DeleteBranch || !cl.Success {
		t.Errorf("cleanup options = %+v", cl)
	}
}

func TestFollowupProcessSkipsWhenAllCited(t *testing.T) {
	f := newFollowupFixture()
	f.forge.comments = []domain.Comment{
		{ID: 91, Body: "🤖 GitFix is working on the requested follow-up changes.\n\n- Processing comment ID: 11 (by @alice)\n- Processing comment ID: 12 (by @bob)\n", User: domain.User{Login: "gitfix-bot"}},
	}

	raw, err := f.proc.Process(context.Background(), followupJob(t, defaultFollowupPayload()))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusSkipped || !strings.Contains(res.Reason, "already processed") {
		t.Fatalf("result = %+v", res)
	}
	if len(f.agent.requests) != 0 {
		t.Errorf("agent ran for fully cited comments")
	}
	if len(f.forge.postedComments) != 0 {
		t.Errorf("comments posted on a skipped run: %v", f.forge.commentBodies())
	}
	if len(f.git.cleanups) != 0 {
		t.Errorf("workspace touched on a skipped run")
	}
}

func TestFollowupProcessSkipsEmptyPayload(t *testing.T) {
	f := newFollowupFixture()
	payload := defaultFollowupPayload()
	payload.Comments = nil

	raw, err := f.proc.Process(context.Background(), followupJob(t, payload))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusSkipped || !strings.Contains(res.Reason, "no comments") {
		t.Fatalf("result = %+v", res)
	}
	if len(f.forge.postedComments) != 0 || len(f.agent.requests) != 0 {
		t.Errorf("work performed for an empty payload")
	}
}

func TestFollowupProcessSingleCommentForm(t *testing.T) {
	f := newFollowupFixture()
	payload := defaultFollowupPayload()
	payload.Comments = nil
	payload.CommentID = 31
	payload.CommentBody = "Handle nil input too"
	payload.CommentAuthor = "dave"

	raw, err := f.proc.Process(context.Background(), followupJob(t, payload))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusSuccess {
		t.Fatalf("status = %q", res.Status)
	}
	prompt := f.agent.requests[0].CustomPrompt
	if !strings.Contains(prompt, "Comment ID: 31 (by @dave)") || !strings.Contains(prompt, "Handle nil input too") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(f.git.commits[0], "Comment ID: 31 (by @dave)") {
		t.Errorf("commit message = %q", f.git.commits[0])
	}
}

func TestFollowupProcessAgentFailedNoCommit(t *testing.T) {
	f := newFollowupFixture()
	f.agent.res = domain.AgentResult{Success: false, ExitCode: 1, Summary: "conflicting review instructions"}
	f.git.commitHash = ""

	raw, err := f.proc.Process(context.Background(), followupJob(t, defaultFollowupPayload()))
	if err != nil {
		t.Fatalf("a soft agent failure must not consume an attempt: %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusAgentFailed {
		t.Fatalf("status = %q", res.Status)
	}

	bodies := f.forge.commentBodies()
	if len(bodies) != 2 {
		t.Fatalf("comments = %d, want ack + failure note", len(bodies))
	}
	if !strings.Contains(bodies[1], "conflicting review instructions") {
		t.Errorf("failure note = %q", bodies[1])
	}
	// The failed comments stay uncited so a later trigger picks them back up.
	for _, body := range bodies[1:] {
		if strings.Contains(body, "Comment ID: 11") {
			t.Errorf("failure note must not cite the comments: %q", body)
		}
	}
	if len(f.forge.deletedComments) != 1 {
		t.Errorf("ack not removed: %v", f.forge.deletedComments)
	}
	if cl := f.git.cleanups[0]; cl.DeleteBranch || cl.Success {
		t.Errorf("cleanup options = %+v", cl)
	}
}

func TestFollowupProcessUsageLimitRequeues(t *testing.T) {
	f := newFollowupFixture()
	resetAt := f.now.Add(45 * time.Minute)
	f.agent.err = &domain.UsageLimitError{Provider: "claude", ResetAt: resetAt}

	raw, err := f.proc.Process(context.Background(), followupJob(t, defaultFollowupPayload()))
	if err != nil {
		t.Fatalf("a quota pause must not consume an attempt, got %v", err)
	}
	res := decodeResult(t, raw)
	if res.Status != domain.StatusRequeued {
		t.Fatalf("status = %q", res.Status)
	}

	if len(f.queue.enqueued) != 1 {
		t.Fatalf("requeued jobs = %d", len(f.queue.enqueued))
	}
	job := f.queue.enqueued[0]
	if job.kind != domain.KindPRFollowup {
		t.Errorf("requeued kind = %q", job.kind)
	}
	if want := 45*time.Minute + 5*time.Minute; job.opts.Delay != want {
		t.Errorf("requeue delay = %v, want %v", job.opts.Delay, want)
	}
	var replay domain.FollowupPayload
	if err := json.Unmarshal(job.payload, &replay); err != nil || replay.PullRequestNumber != 17 || len(replay.Comments) != 2 {
		t.Errorf("requeued payload = %s", job.payload)
	}

	limitNote := false
	for _, body := range f.forge.commentBodies() {
		if strings.Contains(body, "usage limit has been reached") {
			limitNote = true
		}
	}
	if !limitNote {
		t.Errorf("usage limit comment missing")
	}
	if len(f.forge.deletedComments) != 1 {
		t.Errorf("ack not removed: %v", f.forge.deletedComments)
	}
	if cl := f.git.cleanups[0]; cl.DeleteBranch {
		t.Errorf("the pull request branch survives a requeue")
	}
}

func TestFollowupProcessPushFailureConsumesAttempt(t *testing.T) {
	f := newFollowupFixture()
	f.git.pushErr = errors.New("git push: remote hung up")

	_, err := f.proc.Process(context.Background(), followupJob(t, defaultFollowupPayload()))
	if err == nil {
		t.Fatalf("push failures must surface to the queue")
	}
	// Attempt 1 of 3: the ack is withdrawn but no failure note is posted yet.
	if len(f.forge.deletedComments) != 1 {
		t.Errorf("ack not removed before the retry: %v", f.forge.deletedComments)
	}
	if len(f.forge.postedComments) != 1 {
		t.Errorf("comments = %d, only the ack belongs on a retryable attempt", len(f.forge.postedComments))
	}
	if cl := f.git.cleanups[0]; cl.DeleteBranch || cl.Success {
		t.Errorf("cleanup options = %+v", cl)
	}
}

func TestFollowupProcessFinalAttemptPostsFailure(t *testing.T) {
	f := newFollowupFixture()
	f.git.pushErr = errors.New("git push: remote hung up")
	job := followupJob(t, defaultFollowupPayload())
	job.Attempt = 3

	_, err := f.proc.Process(context.Background(), job)
	if err == nil {
		t.Fatalf("the final attempt still surfaces the error")
	}
	failure := false
	for _, body := range f.forge.commentBodies() {
		if strings.Contains(body, "`git_error`") {
			failure = true
		}
	}
	if !failure {
		t.Errorf("failure comment missing on the final attempt: %v", f.forge.commentBodies())
	}
}

func TestFollowupProcessStreamsAgentOutput(t *testing.T) {
	f := newFollowupFixture()
	f.agent.execFn = func(req domain.AgentRequest) (domain.AgentResult, error) {
		req.Emit(domain.AgentEvent{Kind: domain.AgentOutputChunk, Chunk: "applying review feedback"})
		return domain.AgentResult{Success: true}, nil
	}

	if _, err := f.proc.Process(context.Background(), followupJob(t, defaultFollowupPayload())); err != nil {
		t.Fatalf("Process: %v", err)
	}
	logs := f.store.published(domain.ChannelTaskLog("acme-web-17-sonnet"))
	if len(logs) != 1 || logs[0] != "applying review feedback" {
		t.Errorf("task log stream = %v", logs)
	}
}

func TestFollowupProcessRejectsBadPayload(t *testing.T) {
	f := newFollowupFixture()

	if _, err := f.proc.Process(context.Background(), domain.Job{Kind: domain.KindPRFollowup, Payload: []byte("{{")}); err == nil {
		t.Errorf("undecodable payload must fail")
	}

	payload := defaultFollowupPayload()
	payload.BranchName = ""
	_, err := f.proc.Process(context.Background(), followupJob(t, payload))
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}
