package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// WorktreeSweeper is the slice of the workspace manager the reaper drives.
type WorktreeSweeper interface {
	SweepExpiredWorktrees(ctx context.Context, maxAge time.Duration) (int, error)
}

// WorktreeReaper periodically removes expired worktrees. Worktrees normally
// die with their job; the reaper catches keep_for_hours leftovers whose
// deadline passed and anything orphaned by a crashed worker.
type WorktreeReaper struct {
	git      WorktreeSweeper
	maxAge   time.Duration
	interval time.Duration
}

// NewWorktreeReaper returns nil when git is nil so callers can skip wiring.
func NewWorktreeReaper(git WorktreeSweeper, maxAge, interval time.Duration) *WorktreeReaper {
	if git == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &WorktreeReaper{git: git, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (r *WorktreeReaper) Run(ctx context.Context) {
	if r == nil || r.git == nil {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worktree reaper stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *WorktreeReaper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.worktree_reaper")
	ctx, span := tracer.Start(ctx, "WorktreeReaper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("worktrees.max_age_seconds", r.maxAge.Seconds()))

	removed, err := r.git.SweepExpiredWorktrees(ctx, r.maxAge)
	if err != nil {
		span.RecordError(err)
		slog.Error("worktree sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("worktrees.removed", removed))
	if removed > 0 {
		slog.Info("swept expired worktrees", slog.Int("removed", removed))
	}
}
