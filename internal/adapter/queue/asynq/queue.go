// Package asynqadp adapts asynq to the domain queue ports: a producer Queue,
// a consuming Server and an Inspector-backed Janitor.
package asynqadp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

const (
	// DefaultMaxAttempts is the per-job retry budget when the enqueuer does
	// not set one.
	DefaultMaxAttempts = 3

	// CompletedRetention keeps finished tasks inspectable for a day.
	CompletedRetention = 24 * time.Hour

	// FailedRetention bounds how long archived tasks survive before the
	// janitor prunes them.
	FailedRetention = 7 * 24 * time.Hour
)

// Named queues consumed alongside the configured default queue.
const (
	QueueCritical = "critical"
	QueueLow      = "low"
)

// Client is the slice of asynq.Client the producer needs; tests substitute
// fakes.
type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue enqueues jobs onto asynq. It implements domain.Queue.
type Queue struct {
	client    Client
	queueName string
}

// New connects a producer to the given Redis instance. queueName is the
// default queue jobs land on.
func New(opt asynq.RedisClientOpt, queueName string) *Queue {
	return &Queue{client: asynq.NewClient(opt), queueName: queueName}
}

// NewWithClient wires an explicit client, used by unit tests.
func NewWithClient(c Client, queueName string) *Queue {
	return &Queue{client: c, queueName: queueName}
}

// Enqueue places one job. A TaskID already present in the queue maps to
// domain.ErrConflict so callers can treat duplicates as already queued.
func (q *Queue) Enqueue(ctx domain.Context, kind string, payload []byte, opts domain.EnqueueOptions) (string, error) {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	options := []asynq.Option{
		asynq.MaxRetry(attempts - 1),
		asynq.Retention(CompletedRetention),
		asynq.Queue(q.queueFor(opts.Priority)),
	}
	if opts.Delay > 0 {
		options = append(options, asynq.ProcessIn(opts.Delay))
	}
	if opts.TaskID != "" {
		options = append(options, asynq.TaskID(opts.TaskID))
	}
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(kind, payload), options...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("op=queue.enqueue kind=%s: %w", kind, domain.ErrConflict)
		}
		return "", fmt.Errorf("op=queue.enqueue kind=%s: %w", kind, err)
	}
	observability.EnqueueJob(kind)
	return info.ID, nil
}

func (q *Queue) queueFor(priority string) string {
	switch priority {
	case "critical":
		return QueueCritical
	case "low":
		return QueueLow
	default:
		return q.queueName
	}
}

// Close releases the producer's Redis connections. Fake clients without a
// Close are left alone.
func (q *Queue) Close() error {
	if c, ok := q.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
