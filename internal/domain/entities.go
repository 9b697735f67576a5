package domain

import (
	"context"
	"fmt"
	"time"
)

// Job kinds routed by the worker runtime.
const (
	KindImplementIssue = "issue:implement"
	KindPRFollowup     = "pr:followup"
	KindImportTask     = "task:import"
)

// TaskStatus enumerates the states of the per-task state machine.
type TaskStatus string

const (
	TaskCreated         TaskStatus = "CREATED"
	TaskSetup           TaskStatus = "SETUP"
	TaskProcessing      TaskStatus = "PROCESSING"
	TaskClaudeExecution TaskStatus = "CLAUDE_EXECUTION"
	TaskGitOperations   TaskStatus = "GIT_OPERATIONS"
	TaskPostProcessing  TaskStatus = "POST_PROCESSING"
	TaskCompleted       TaskStatus = "COMPLETED"
	TaskFailed          TaskStatus = "FAILED"
)

// Terminal reports whether the status ends the state machine.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// Job result statuses reported by processors and recorded in metrics.
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusSkipped     = "skipped"
	StatusNoChanges   = "claude_success_no_changes"
	StatusAgentFailed = "claude_processing_failed"
	StatusRequeued    = "requeued_usage_limit"
)

// IssueRef identifies an inbound unit of work. Immutable within a job.
type IssueRef struct {
	RepoOwner     string `json:"repoOwner"`
	RepoName      string `json:"repoName"`
	Number        int    `json:"number"`
	Title         string `json:"title,omitempty"`
	ModelName     string `json:"modelName,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// TaskID returns the model-qualified task identifier for this reference.
func (r IssueRef) TaskID() string {
	m := r.ModelName
	if m == "" {
		m = DefaultModel
	}
	return TaskID(r.RepoOwner, r.RepoName, r.Number, m)
}

// FullRepo returns "owner/repo".
func (r IssueRef) FullRepo() string { return r.RepoOwner + "/" + r.RepoName }

// String implements fmt.Stringer for log fields.
func (r IssueRef) String() string { return fmt.Sprintf("%s#%d", r.FullRepo(), r.Number) }

// IssuePayload is the payload of an ImplementIssue job.
type IssuePayload struct {
	Issue        IssueRef `json:"issue"`
	CustomPrompt string   `json:"customPrompt,omitempty"`
	IsRetry      bool     `json:"isRetry,omitempty"`
	RetryReason  string   `json:"retryReason,omitempty"`
	BaseBranch   string   `json:"baseBranch,omitempty"`
}

// FollowupComment is one reviewer comment carried in a follow-up job payload.
type FollowupComment struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	Author string `json:"author"`
}

// FollowupPayload is the payload of an ApplyPRFollowup job. Comments holds
// the batched form; the single-comment fields are used when Comments is empty.
type FollowupPayload struct {
	PullRequestNumber int               `json:"pullRequestNumber"`
	BranchName        string            `json:"branchName"`
	RepoOwner         string            `json:"repoOwner"`
	RepoName          string            `json:"repoName"`
	LLM               string            `json:"llm,omitempty"`
	CorrelationID     string            `json:"correlationId,omitempty"`
	Comments          []FollowupComment `json:"comments,omitempty"`
	CommentID         int64             `json:"commentId,omitempty"`
	CommentBody       string            `json:"commentBody,omitempty"`
	CommentAuthor     string            `json:"commentAuthor,omitempty"`
}

// AllComments normalizes the batched and single-comment payload forms.
func (p FollowupPayload) AllComments() []FollowupComment {
	if len(p.Comments) > 0 {
		return p.Comments
	}
	if p.CommentID != 0 || p.CommentBody != "" {
		return []FollowupComment{{ID: p.CommentID, Body: p.CommentBody, Author: p.CommentAuthor}}
	}
	return nil
}

// ImportPayload is the payload of an ImportTask job, used to backfill a task
// record created outside the worker.
type ImportPayload struct {
	TaskID        string     `json:"taskId"`
	Issue         IssueRef   `json:"issue"`
	State         TaskStatus `json:"state,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
}

// StateTransition is one append-only history entry of a TaskState.
type StateTransition struct {
	State     TaskStatus     `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskMeta carries subsystem metadata surfaced to the dashboard.
type TaskMeta struct {
	SessionID      string `json:"sessionId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	ContainerID    string `json:"containerId,omitempty"`
	ContainerName  string `json:"containerName,omitempty"`
	Model          string `json:"model,omitempty"`
	PullRequestURL string `json:"pullRequestUrl,omitempty"`
	ErrorCategory  string `json:"errorCategory,omitempty"`
}

// TaskState is the per-task record read by the dashboard.
// Invariants: History is append-only; states form a DAG whose terminal
// states are COMPLETED and FAILED; UpdatedAt >= CreatedAt.
type TaskState struct {
	TaskID        string            `json:"taskId"`
	State         TaskStatus        `json:"state"`
	History       []StateTransition `json:"history"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Issue         IssueRef          `json:"issueRef"`
	Meta          TaskMeta          `json:"metadata"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Workspace is an isolated working copy allocated for one job.
// WorktreePath is exclusive to its job; LocalRepoPath may be shared.
type Workspace struct {
	LocalRepoPath string
	WorktreePath  string
	BranchName    string
	BaseBranch    string
}

// RetentionStrategy selects worktree cleanup behavior after a job.
type RetentionStrategy string

const (
	RetainAlwaysDelete  RetentionStrategy = "always_delete"
	RetainKeepOnFailure RetentionStrategy = "keep_on_failure"
	RetainKeepForHours  RetentionStrategy = "keep_for_hours"
)

// CommitAuthor identifies a git commit author.
type CommitAuthor struct {
	Name  string
	Email string
}

// Forge entities, reduced to the fields the worker reads. The forge adapter
// converts from the platform's wire format.

type User struct {
	Login string
	Type  string
}

type Issue struct {
	Number    int
	Title     string
	Body      string
	Labels    []string
	User      User
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the issue carries the named label.
func (i Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if l == name {
			return true
		}
	}
	return false
}

type Comment struct {
	ID        int64
	Body      string
	User      User
	CreatedAt time.Time
}

type PullRequest struct {
	Number  int
	Title   string
	HTMLURL string
	Head    string
	Base    string
	State   string
	Draft   bool
}

type Repository struct {
	Owner         string
	Name          string
	DefaultBranch string
	CloneURL      string
}

// CreatePRInput describes a pull request to open.
type CreatePRInput struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// AgentEventKind discriminates streaming agent events.
type AgentEventKind string

const (
	AgentSessionStarted   AgentEventKind = "session_started"
	AgentContainerStarted AgentEventKind = "container_started"
	AgentOutputChunk      AgentEventKind = "output_chunk"
	AgentDiffChunk        AgentEventKind = "diff_chunk"
)

// AgentEvent is a streaming notification emitted during an agent run.
type AgentEvent struct {
	Kind          AgentEventKind
	SessionID     string
	ContainerID   string
	ContainerName string
	Chunk         string
}

// AgentSink receives streaming agent events. Implementations must not block.
type AgentSink func(AgentEvent)

// AgentMessage is one message of a conversation log.
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentRequest describes one coding-agent run against a prepared worktree.
type AgentRequest struct {
	WorktreePath string
	Issue        IssueRef
	IssueDetails *Issue
	Comments     []Comment
	GitHubToken  string
	CustomPrompt string
	IsRetry      bool
	RetryReason  string
	BranchName   string
	ModelName    string
	Events       AgentSink
}

// Emit sends an event to the request sink when one is attached.
func (r AgentRequest) Emit(ev AgentEvent) {
	if r.Events != nil {
		r.Events(ev)
	}
}

// AgentResult reports the outcome of a coding-agent run. ModifiedFiles is a
// hint only; callers diff the worktree to learn what actually changed.
type AgentResult struct {
	Success                bool
	ExecutionTime          time.Duration
	ExitCode               int
	Model                  string
	SessionID              string
	ConversationID         string
	RawOutput              string
	Logs                   string
	ConversationLog        []AgentMessage
	ModifiedFiles          []string
	SuggestedCommitMessage string
	Summary                string
	NumTurns               int
	CostUSD                float64
	MaxTurnsReached        bool
}

// ProcessResult is the value a job processor returns to the queue. Completion
// observers read the run coordinates and agent numbers from it, so processors
// fill every field they know.
type ProcessResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	PRURL      string `json:"prUrl,omitempty"`
	CommitHash string `json:"commitHash,omitempty"`

	Repo            string  `json:"repo,omitempty"`
	IssueNumber     int     `json:"issueNumber,omitempty"`
	Model           string  `json:"model,omitempty"`
	CostUSD         float64 `json:"costUsd,omitempty"`
	Turns           int     `json:"turns,omitempty"`
	ExecutionTimeMs int64   `json:"executionTimeMs,omitempty"`
	CorrelationID   string  `json:"correlationId,omitempty"`
	StartedAtMs     int64   `json:"startedAtMs,omitempty"`
}

// WorkerHeartbeat is the liveness record published to the workers registry.
type WorkerHeartbeat struct {
	WorkerID    string    `json:"workerId"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	Queue       string    `json:"queue"`
	Concurrency int       `json:"concurrency"`
	StartedAt   time.Time `json:"started"`
	Beat        time.Time `json:"heartbeat"`
}

// ActivityEntry is one event on the system activity feed.
type ActivityEntry struct {
	Type          string    `json:"type"`
	Message       string    `json:"message"`
	Repo          string    `json:"repo,omitempty"`
	IssueNumber   int       `json:"issueNumber,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// AILogEntry is one member of the time-ordered AI execution log.
type AILogEntry struct {
	Cost            float64   `json:"cost"`
	Model           string    `json:"model"`
	Turns           int       `json:"turns"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	IssueNumber     int       `json:"issueNumber"`
	Repo            string    `json:"repo"`
	Status          string    `json:"status"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// HighCostAlert is emitted when a run's cost exceeds the configured threshold.
type HighCostAlert struct {
	CostUSD       float64   `json:"costUsd"`
	Threshold     float64   `json:"threshold"`
	CorrelationID string    `json:"correlationId,omitempty"`
	IssueNumber   int       `json:"issueNumber"`
	Repo          string    `json:"repo"`
	Timestamp     time.Time `json:"timestamp"`
}

// ExecutionLogLocator points dashboard readers at captured agent logs.
type ExecutionLogLocator struct {
	SessionID      string    `json:"sessionId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	TaskID         string    `json:"taskId"`
	Repo           string    `json:"repo"`
	IssueNumber    int       `json:"issueNumber"`
	ContainerID    string    `json:"containerId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Context is an alias so port signatures stay short; adapters and usecases
// pass context.Context through.
type Context = context.Context
