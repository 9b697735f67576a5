// Package domain holds the core entities and ports of the issue-resolution
// worker. Adapters depend on this package, never the other way around.
package domain

import (
	"io"
	"time"
)

// Store is the typed accessor over the shared KV/PubSub datastore. All values
// are strings; callers handle encoding. ErrNotFound is returned for missing
// keys and hash fields.
type Store interface {
	Get(ctx Context, key string) (string, error)
	Set(ctx Context, key, value string, ttl time.Duration) error
	SetNX(ctx Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx Context, keys ...string) error
	Incr(ctx Context, key string) (int64, error)
	IncrByFloat(ctx Context, key string, delta float64) (float64, error)
	Expire(ctx Context, key string, ttl time.Duration) error

	LPush(ctx Context, key string, values ...string) error
	LRange(ctx Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx Context, key string, start, stop int64) error

	ZAdd(ctx Context, key string, score float64, member string) error
	ZRangeByScore(ctx Context, key string, min, max float64) ([]string, error)

	HSet(ctx Context, key string, fields map[string]string) error
	HGet(ctx Context, key, field string) (string, error)
	HGetAll(ctx Context, key string) (map[string]string, error)
	HDel(ctx Context, key string, fields ...string) error

	SAdd(ctx Context, key string, members ...string) error
	SMembers(ctx Context, key string) ([]string, error)

	Publish(ctx Context, channel, payload string) error
	Subscribe(ctx Context, channel string) (Subscription, error)

	ScanPrefix(ctx Context, prefix string) ([]string, error)
	Ping(ctx Context) error
	Close() error
}

// Subscription is a live pub/sub stream. Messages is closed when the
// subscription ends.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// EnqueueOptions control queue placement of a single job.
type EnqueueOptions struct {
	// Attempts is the retry budget; 0 selects the queue default.
	Attempts int
	// Delay defers the job's readiness.
	Delay time.Duration
	// TaskID deduplicates: enqueueing an ID already in the queue conflicts.
	TaskID string
	// Priority is "critical", "default" or "low"; empty selects default.
	Priority string
}

// Queue is the durable job queue.
type Queue interface {
	Enqueue(ctx Context, kind string, payload []byte, opts EnqueueOptions) (string, error)
}

// Job is the envelope queue observers receive.
type Job struct {
	ID          string
	Kind        string
	Payload     []byte
	Attempt     int
	MaxAttempts int
}

// QueueObserver receives queue lifecycle callbacks. The metrics recorder
// registers as one observer.
type QueueObserver interface {
	OnCompleted(ctx Context, job Job, result string, duration time.Duration)
	OnFailed(ctx Context, job Job, err error, attemptsMade int)
	OnStalled(ctx Context, jobID string)
	OnError(ctx Context, err error)
}

// Forge is the capability set against the code-hosting platform.
// AddLabels and RemoveLabel are idempotent: an already-present label on add
// and an absent label on remove are both success.
type Forge interface {
	GetIssue(ctx Context, owner, repo string, number int) (Issue, error)
	ListIssueComments(ctx Context, owner, repo string, number int) ([]Comment, error)
	AddLabels(ctx Context, owner, repo string, number int, labels []string) error
	RemoveLabel(ctx Context, owner, repo string, number int, label string) error
	CreatePR(ctx Context, owner, repo string, in CreatePRInput) (PullRequest, error)
	ListPRsByHead(ctx Context, owner, repo, head string) ([]PullRequest, error)
	AddIssueComment(ctx Context, owner, repo string, number int, body string) (Comment, error)
	DeleteIssueComment(ctx Context, owner, repo string, commentID int64) error
	GetRepository(ctx Context, owner, repo string) (Repository, error)
	InstallationToken(ctx Context) (string, error)
}

// Agent executes an AI coding session against a prepared worktree.
// Quota exhaustion is reported as a *UsageLimitError.
type Agent interface {
	Execute(ctx Context, req AgentRequest) (AgentResult, error)
	ProviderName() string
	ValidateConfig() error
}

// PushOptions parameterize a branch push. TokenRefreshFn, when set, is
// invoked once after an auth-expired push failure.
type PushOptions struct {
	RepoURL        string
	AuthToken      string
	TokenRefreshFn func(Context) (string, error)
}

// CleanupOptions select post-job worktree disposal.
type CleanupOptions struct {
	DeleteBranch   bool
	Success        bool
	Strategy       RetentionStrategy
	RetentionHours int
	IssueNumber    int
}

// WorkspaceManager allocates isolated worktrees from shared local clones.
type WorkspaceManager interface {
	// EnsureClone is idempotent; it creates the local clone on first call
	// and fetches on subsequent calls.
	EnsureClone(ctx Context, repoURL, owner, repo, authToken string) (string, error)
	// CreateWorktreeForIssue allocates a fresh worktree and branch off
	// baseBranch. Callers resolve the forge default branch before calling.
	CreateWorktreeForIssue(ctx Context, localRepoPath string, issue IssueRef, baseBranch string) (Workspace, error)
	// CreateWorktreeFromExistingBranch resumes work on an already-pushed
	// branch, used by the follow-up processor.
	CreateWorktreeFromExistingBranch(ctx Context, localRepoPath, branchName, dirName, owner, repo string) (Workspace, error)
	// CommitChanges returns the new commit hash, or "" when the working tree
	// is clean. It never creates an empty commit.
	CommitChanges(ctx Context, ws Workspace, message string, author CommitAuthor) (string, error)
	PushBranch(ctx Context, ws Workspace, branch string, opts PushOptions) error
	// DiffWorktree returns the worktree's combined diff against HEAD,
	// untracked files included.
	DiffWorktree(ctx Context, ws Workspace) (string, error)
	CleanupWorktree(ctx Context, ws Workspace, opts CleanupOptions) error
}

// SandboxMount binds a host path into a sandbox container.
type SandboxMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// SandboxSpec describes one container run.
type SandboxSpec struct {
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []SandboxMount
	Network    string
	Name       string
	Labels     map[string]string
	AutoRemove bool
}

// SandboxHandle is a running container owned exclusively by one handler task.
type SandboxHandle interface {
	ID() string
	Name() string
	Logs(ctx Context) (io.ReadCloser, error)
	Wait(ctx Context) (int, error)
	Stop(ctx Context, grace time.Duration) error
	Remove(ctx Context) error
}

// Sandbox runs agent sessions in isolated containers.
type Sandbox interface {
	Run(ctx Context, spec SandboxSpec) (SandboxHandle, error)
}
