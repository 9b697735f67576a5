package asynqadp

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// Janitor prunes expired archived tasks and surfaces stalled jobs. asynq's
// recoverer moves lease-expired tasks back to retry with a recognizable last
// error, which is the closest signal to a stalled consumer.
type Janitor struct {
	inspector *asynq.Inspector
	queues    []string
	observers []domain.QueueObserver
	maxAge    time.Duration

	notified map[string]struct{}
}

// NewJanitor builds a janitor over the worker's queues.
func NewJanitor(opt asynq.RedisClientOpt, queueName string, observers ...domain.QueueObserver) *Janitor {
	return &Janitor{
		inspector: asynq.NewInspector(opt),
		queues:    []string{QueueCritical, queueName, QueueLow},
		observers: observers,
		maxAge:    FailedRetention,
		notified:  make(map[string]struct{}),
	}
}

// Run sweeps on the given interval until ctx is done.
func (j *Janitor) Run(ctx domain.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one janitor pass.
func (j *Janitor) Sweep(ctx domain.Context) {
	j.notifyStalled(ctx)
	j.sweepArchived(ctx)
}

func (j *Janitor) sweepArchived(ctx domain.Context) {
	cutoff := time.Now().Add(-j.maxAge)
	for _, q := range j.queues {
		tasks, err := j.inspector.ListArchivedTasks(q, asynq.PageSize(200))
		if err != nil {
			j.observeErr(ctx, q, err)
			continue
		}
		for _, t := range tasks {
			if t.LastFailedAt.IsZero() || t.LastFailedAt.After(cutoff) {
				continue
			}
			if err := j.inspector.DeleteTask(q, t.ID); err != nil {
				j.observeErr(ctx, q, err)
			}
		}
	}
}

func (j *Janitor) notifyStalled(ctx domain.Context) {
	for _, q := range j.queues {
		tasks, err := j.inspector.ListRetryTasks(q, asynq.PageSize(200))
		if err != nil {
			j.observeErr(ctx, q, err)
			continue
		}
		for _, t := range tasks {
			if !strings.Contains(t.LastErr, "lease expired") {
				continue
			}
			key := fmt.Sprintf("%s/%d", t.ID, t.Retried)
			if _, seen := j.notified[key]; seen {
				continue
			}
			j.notified[key] = struct{}{}
			slog.Warn("stalled job detected", slog.String("task_id", t.ID), slog.String("queue", q))
			for _, o := range j.observers {
				o.OnStalled(ctx, t.ID)
			}
		}
	}
}

func (j *Janitor) observeErr(ctx domain.Context, queue string, err error) {
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return
	}
	slog.Error("janitor sweep failed", slog.String("queue", queue), slog.Any("error", err))
	for _, o := range j.observers {
		o.OnError(ctx, err)
	}
}

// Drain removes every task in every state from the worker's queues. Used by
// the reset path before the worker starts consuming.
func (j *Janitor) Drain(_ domain.Context) error {
	var errs []error
	for _, q := range j.queues {
		for _, fn := range []func(string) (int, error){
			j.inspector.DeleteAllPendingTasks,
			j.inspector.DeleteAllScheduledTasks,
			j.inspector.DeleteAllRetryTasks,
			j.inspector.DeleteAllArchivedTasks,
			j.inspector.DeleteAllCompletedTasks,
		} {
			if _, err := fn(q); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
				errs = append(errs, fmt.Errorf("op=queue.drain queue=%s: %w", q, err))
			}
		}
	}
	return errors.Join(errs...)
}
