package gitadp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

const retentionFileName = "RETENTION.json"

type retentionRecord struct {
	Timestamp        time.Time  `json:"timestamp"`
	IssueNumber      int        `json:"issueNumber,omitempty"`
	Success          bool       `json:"success"`
	Strategy         string     `json:"strategy"`
	Branch           string     `json:"branch,omitempty"`
	ScheduledCleanup *time.Time `json:"scheduledCleanup,omitempty"`
}

func (m *Manager) writeRetention(ws domain.Workspace, opts domain.CleanupOptions, deadline *time.Time) error {
	rec := retentionRecord{
		Timestamp:        m.now().UTC(),
		IssueNumber:      opts.IssueNumber,
		Success:          opts.Success,
		Strategy:         string(opts.Strategy),
		Branch:           ws.BranchName,
		ScheduledCleanup: deadline,
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("op=git.retention: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws.WorktreePath, retentionFileName), b, 0o644); err != nil {
		return fmt.Errorf("op=git.retention: %w", err)
	}
	return nil
}

func readRetention(worktreePath string) (retentionRecord, error) {
	b, err := os.ReadFile(filepath.Join(worktreePath, retentionFileName))
	if err != nil {
		return retentionRecord{}, err
	}
	var rec retentionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return retentionRecord{}, err
	}
	return rec, nil
}

// SweepExpiredWorktrees reaps worktrees whose scheduled cleanup has lapsed
// and, as a hard cap, any worktree older than maxAge. Returns the number of
// directories removed.
func (m *Manager) SweepExpiredWorktrees(ctx domain.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.worktreesBase)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=git.sweep: %w", err)
	}
	removed := 0
	now := m.now()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.worktreesBase, e.Name())
		if !sweepable(path, e, now, maxAge) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to remove expired worktree", slog.String("path", path), slog.Any("error", err))
			continue
		}
		slog.Info("removed expired worktree", slog.String("path", path))
		removed++
	}
	if removed > 0 {
		m.pruneClones(ctx)
	}
	return removed, nil
}

func sweepable(path string, e os.DirEntry, now time.Time, maxAge time.Duration) bool {
	if rec, err := readRetention(path); err == nil && rec.ScheduledCleanup != nil {
		if now.After(*rec.ScheduledCleanup) {
			return true
		}
	}
	info, err := e.Info()
	if err != nil {
		return false
	}
	return maxAge > 0 && now.Sub(info.ModTime()) > maxAge
}

// pruneClones clears stale worktree bookkeeping from every bare clone after
// directories were removed behind git's back.
func (m *Manager) pruneClones(ctx domain.Context) {
	owners, err := os.ReadDir(m.clonesBase)
	if err != nil {
		return
	}
	for _, o := range owners {
		if !o.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(m.clonesBase, o.Name()))
		if err != nil {
			continue
		}
		for _, r := range repos {
			if !r.IsDir() || !strings.HasSuffix(r.Name(), ".git") {
				continue
			}
			_, _ = m.run.run(ctx, filepath.Join(m.clonesBase, o.Name(), r.Name()), "worktree", "prune")
		}
	}
}
