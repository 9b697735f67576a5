package gitadp

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

const netRetries = 2

// Manager implements domain.WorkspaceManager over a shared tree of bare
// clones and per-job worktrees. Bare clones live under
// {clonesBase}/{owner}/{repo}.git and are shared by every worktree of that
// repository; worktrees get exclusive directories under worktreesBase.
type Manager struct {
	clonesBase    string
	worktreesBase string

	run        runner
	now        func() time.Time
	nonce      func(int) string
	lockDelay  time.Duration
	netBackoff func() backoff.BackOff
}

// NewManager builds a Manager; it fails when no git binary is on PATH.
func NewManager(clonesBase, worktreesBase string) (*Manager, error) {
	r, err := newExecRunner()
	if err != nil {
		return nil, err
	}
	return &Manager{
		clonesBase:    clonesBase,
		worktreesBase: worktreesBase,
		run:           r,
		now:           time.Now,
		nonce:         domain.BranchNonce,
		lockDelay:     500 * time.Millisecond,
		netBackoff:    defaultNetBackoff,
	}, nil
}

func defaultNetBackoff() backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = 10 * time.Second
	expo.MaxElapsedTime = time.Minute
	return backoff.WithMaxRetries(expo, netRetries)
}

// EnsureClone creates the bare clone on first call and refreshes its branch
// refs on subsequent calls. It never reinitializes or deletes an existing
// clone.
func (m *Manager) EnsureClone(ctx domain.Context, repoURL, owner, repo, authToken string) (string, error) {
	localPath := filepath.Join(m.clonesBase, owner, repo+".git")
	authURL, err := authenticatedURL(repoURL, authToken)
	if err != nil {
		return "", err
	}
	m.run.addSecret(authToken)

	if _, statErr := os.Stat(filepath.Join(localPath, "HEAD")); statErr == nil {
		if _, err := m.runNet(ctx, localPath, "fetch", authURL, "+refs/heads/*:refs/heads/*", "--prune"); err != nil {
			return "", err
		}
		return localPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("op=git.ensure_clone: %w", err)
	}
	if _, err := m.runNet(ctx, filepath.Dir(localPath), "clone", "--bare", authURL, localPath); err != nil {
		return "", err
	}
	slog.Info("bare clone created", slog.String("repo", owner+"/"+repo), slog.String("path", localPath))
	return localPath, nil
}

// CreateWorktreeForIssue allocates a fresh branch and worktree. The branch
// name carries issue number, slug, timestamp, model and nonce, so concurrent
// jobs never collide.
func (m *Manager) CreateWorktreeForIssue(ctx domain.Context, localRepoPath string, issue domain.IssueRef, baseBranch string) (domain.Workspace, error) {
	if baseBranch == "" {
		return domain.Workspace{}, fmt.Errorf("op=git.create_worktree: base branch: %w", domain.ErrInvalidArgument)
	}
	branch := domain.BranchName(issue.Number, issue.Title, issue.ModelName, m.now().UTC(), m.nonce(3))
	wtPath := filepath.Join(m.worktreesBase, strings.ReplaceAll(branch, "/", "-"))

	if err := os.MkdirAll(m.worktreesBase, 0o755); err != nil {
		return domain.Workspace{}, fmt.Errorf("op=git.create_worktree: %w", err)
	}
	if _, err := m.runLockRetry(ctx, localRepoPath, "worktree", "add", "-b", branch, wtPath, baseBranch); err != nil {
		return domain.Workspace{}, err
	}
	return domain.Workspace{
		LocalRepoPath: localRepoPath,
		WorktreePath:  wtPath,
		BranchName:    branch,
		BaseBranch:    baseBranch,
	}, nil
}

// CreateWorktreeFromExistingBranch checks out an already-fetched branch into
// a new worktree. EnsureClone must have run first so the branch ref is
// present locally.
func (m *Manager) CreateWorktreeFromExistingBranch(ctx domain.Context, localRepoPath, branchName, dirName, owner, repo string) (domain.Workspace, error) {
	if _, err := m.run.run(ctx, localRepoPath, "rev-parse", "--verify", "refs/heads/"+branchName); err != nil {
		return domain.Workspace{}, fmt.Errorf("op=git.existing_branch repo=%s/%s branch=%s: %w", owner, repo, branchName, err)
	}
	if dirName == "" {
		dirName = strings.ReplaceAll(branchName, "/", "-") + "-" + m.nonce(3)
	}
	wtPath := filepath.Join(m.worktreesBase, dirName)
	if err := os.MkdirAll(m.worktreesBase, 0o755); err != nil {
		return domain.Workspace{}, fmt.Errorf("op=git.existing_branch: %w", err)
	}
	if _, err := m.runLockRetry(ctx, localRepoPath, "worktree", "add", wtPath, branchName); err != nil {
		return domain.Workspace{}, err
	}
	return domain.Workspace{
		LocalRepoPath: localRepoPath,
		WorktreePath:  wtPath,
		BranchName:    branchName,
	}, nil
}

// CommitChanges stages everything and commits as the given author. A clean
// working tree returns an empty hash and no error; an empty commit is never
// created.
func (m *Manager) CommitChanges(ctx domain.Context, ws domain.Workspace, message string, author domain.CommitAuthor) (string, error) {
	out, err := m.run.run(ctx, ws.WorktreePath, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		slog.Info("working tree clean, nothing to commit", slog.String("branch", ws.BranchName))
		return "", nil
	}
	if _, err := m.run.run(ctx, ws.WorktreePath, "add", "-A"); err != nil {
		return "", err
	}
	args := []string{
		"-c", "user.name=" + author.Name,
		"-c", "user.email=" + author.Email,
		"commit",
		"--author", fmt.Sprintf("%s <%s>", author.Name, author.Email),
		"-m", message,
	}
	if _, err := m.runLockRetry(ctx, ws.WorktreePath, args...); err != nil {
		return "", err
	}
	out, err = m.run.run(ctx, ws.WorktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// PushBranch pushes the branch ref. A lock error is retried once; an auth
// error is retried once with a refreshed token when a refresh hook is set.
func (m *Manager) PushBranch(ctx domain.Context, ws domain.Workspace, branch string, opts domain.PushOptions) error {
	push := func(token string) ([]byte, error) {
		remote := "origin"
		if opts.RepoURL != "" {
			authURL, err := authenticatedURL(opts.RepoURL, token)
			if err != nil {
				return nil, err
			}
			m.run.addSecret(token)
			remote = authURL
		}
		return m.run.run(ctx, ws.WorktreePath, "push", remote, fmt.Sprintf("%s:refs/heads/%s", branch, branch))
	}

	out, err := push(opts.AuthToken)
	if err != nil && isLockErr(out) {
		time.Sleep(m.lockDelay)
		out, err = push(opts.AuthToken)
	}
	if err != nil && isAuthErr(out) && opts.TokenRefreshFn != nil {
		slog.Warn("push rejected, refreshing token", slog.String("branch", branch))
		fresh, rerr := opts.TokenRefreshFn(ctx)
		if rerr != nil {
			return fmt.Errorf("op=git.push token refresh: %w", rerr)
		}
		_, err = push(fresh)
	}
	return err
}

// DiffWorktree returns the worktree's combined diff against HEAD. Untracked
// files are made visible through intent-to-add, which CommitChanges absorbs.
func (m *Manager) DiffWorktree(ctx domain.Context, ws domain.Workspace) (string, error) {
	if _, err := m.run.run(ctx, ws.WorktreePath, "add", "-N", "."); err != nil {
		slog.Warn("intent-to-add failed", slog.Any("error", err))
	}
	out, err := m.run.run(ctx, ws.WorktreePath, "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("op=git.diff: %w", err)
	}
	return string(out), nil
}

// CleanupWorktree disposes of a worktree according to the retention
// strategy. Kept worktrees receive a RETENTION.json sidecar so the sweeper
// and operators can tell why they survived.
func (m *Manager) CleanupWorktree(ctx domain.Context, ws domain.Workspace, opts domain.CleanupOptions) error {
	switch opts.Strategy {
	case domain.RetainKeepOnFailure:
		if !opts.Success {
			slog.Info("keeping failed worktree for inspection", slog.String("path", ws.WorktreePath))
			return m.writeRetention(ws, opts, nil)
		}
	case domain.RetainKeepForHours:
		deadline := m.now().Add(time.Duration(opts.RetentionHours) * time.Hour)
		slog.Info("scheduling worktree cleanup", slog.String("path", ws.WorktreePath), slog.Time("at", deadline))
		return m.writeRetention(ws, opts, &deadline)
	}
	return m.removeWorktree(ctx, ws, opts.DeleteBranch)
}

func (m *Manager) removeWorktree(ctx domain.Context, ws domain.Workspace, deleteBranch bool) error {
	if _, err := m.run.run(ctx, ws.LocalRepoPath, "worktree", "remove", "--force", ws.WorktreePath); err != nil {
		// The checkout may already be gone; clear leftovers and the
		// administrative entry.
		_ = os.RemoveAll(ws.WorktreePath)
		_, _ = m.run.run(ctx, ws.LocalRepoPath, "worktree", "prune")
	}
	if deleteBranch && ws.BranchName != "" {
		if _, err := m.run.run(ctx, ws.LocalRepoPath, "branch", "-D", ws.BranchName); err != nil {
			slog.Warn("failed to delete local branch", slog.String("branch", ws.BranchName), slog.Any("error", err))
		}
	}
	return nil
}

// runNet runs a command that talks to the remote, retrying transient network
// failures with exponential backoff.
func (m *Manager) runNet(ctx domain.Context, dir string, args ...string) ([]byte, error) {
	var out []byte
	op := func() error {
		var err error
		out, err = m.run.run(ctx, dir, args...)
		if err == nil {
			return nil
		}
		if isTransientNetErr(out) || domain.RetryableMessage(err.Error()) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(m.netBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return out, err
	}
	return out, nil
}

func (m *Manager) runLockRetry(ctx domain.Context, dir string, args ...string) ([]byte, error) {
	out, err := m.run.run(ctx, dir, args...)
	if err != nil && isLockErr(out) {
		time.Sleep(m.lockDelay)
		out, err = m.run.run(ctx, dir, args...)
	}
	return out, err
}

func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("op=git.auth_url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}
