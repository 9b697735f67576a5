package asynqadp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// Handler processes one dequeued job. The returned result string is stored on
// the task and handed to completion observers; a non-nil error consumes an
// attempt from the retry budget.
type Handler func(ctx domain.Context, job domain.Job) (string, error)

// ServerConfig sizes the consuming side.
type ServerConfig struct {
	Concurrency     int
	QueueName       string
	ShutdownTimeout time.Duration
}

// Server is the consuming side of the queue. Handlers are registered per job
// kind, and registered observers receive completion and failure callbacks.
type Server struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	observers []domain.QueueObserver
}

// RetryDelay doubles a two second base per prior retry, so consecutive
// retries of one job wait 2s, 4s, 8s.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return time.Duration(1<<n) * 2 * time.Second
}

// NewServer builds the consumer. The default queue is drained alongside the
// critical and low queues with weighted priority.
func NewServer(opt asynq.RedisClientOpt, cfg ServerConfig, observers ...domain.QueueObserver) *Server {
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueCritical: 6,
			cfg.QueueName: 3,
			QueueLow:      1,
		},
		RetryDelayFunc:  RetryDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.Error("task errored", slog.String("kind", task.Type()), slog.Any("error", err))
		}),
	})
	return &Server{server: srv, mux: asynq.NewServeMux(), observers: observers}
}

// Handle registers h for the given job kind. The wrapper reconstructs the
// domain job envelope, spans the run, reports observers and marks
// auth-categorized errors as not worth retrying.
func (s *Server) Handle(kind string, h Handler) {
	s.mux.HandleFunc(kind, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("queue.worker")
		ctx, span := tracer.Start(ctx, t.Type(), trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		job := domain.Job{Kind: t.Type(), Payload: t.Payload(), Attempt: 1, MaxAttempts: DefaultMaxAttempts}
		if id, ok := asynq.GetTaskID(ctx); ok {
			job.ID = id
		}
		if n, ok := asynq.GetRetryCount(ctx); ok {
			job.Attempt = n + 1
		}
		if m, ok := asynq.GetMaxRetry(ctx); ok {
			job.MaxAttempts = m + 1
		}
		span.SetAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("job.attempt", job.Attempt),
		)

		observability.StartProcessingJob(job.Kind)
		start := time.Now()
		result, err := h(ctx, job)
		dur := time.Since(start)
		if err != nil {
			span.RecordError(err)
			observability.FailJob(job.Kind, dur)
			for _, o := range s.observers {
				o.OnFailed(ctx, job, err, job.Attempt)
			}
			if domain.CategorizeError(err) == domain.CategoryAuth {
				return errors.Join(err, asynq.SkipRetry)
			}
			return err
		}
		if result != "" {
			if w := t.ResultWriter(); w != nil {
				_, _ = w.Write([]byte(result))
			}
		}
		observability.CompleteJob(job.Kind, dur)
		for _, o := range s.observers {
			o.OnCompleted(ctx, job, result, dur)
		}
		return nil
	})
}

// Start begins consuming. It returns once the server is running.
func (s *Server) Start() error { return s.server.Start(s.mux) }

// Stop drains in-flight handlers and shuts the consumer down.
func (s *Server) Stop() { s.server.Shutdown() }
