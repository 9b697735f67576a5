// Package app assembles the worker process: adapters, use cases, the queue
// consumer, liveness publishing and the operational HTTP endpoints.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/gitfix/internal/adapter/agent"
	"github.com/fairyhunter13/gitfix/internal/adapter/forge/github"
	gitadp "github.com/fairyhunter13/gitfix/internal/adapter/git"
	asynqadp "github.com/fairyhunter13/gitfix/internal/adapter/queue/asynq"
	dockerbox "github.com/fairyhunter13/gitfix/internal/adapter/sandbox/docker"
	redisadp "github.com/fairyhunter13/gitfix/internal/adapter/store/redis"
	"github.com/fairyhunter13/gitfix/internal/config"
	"github.com/fairyhunter13/gitfix/internal/domain"
	"github.com/fairyhunter13/gitfix/internal/usecase"
)

// janitorInterval paces archived-task pruning and stall detection.
const janitorInterval = time.Minute

// reaperInterval paces the expired-worktree sweep.
const reaperInterval = 15 * time.Minute

// queueJanitor is the slice of the asynq janitor the runtime drives; tests
// substitute fakes.
type queueJanitor interface {
	Run(ctx context.Context, every time.Duration)
	Drain(ctx context.Context) error
}

// Options tune the runtime beyond plain environment configuration.
type Options struct {
	// Concurrency overrides WORKER_CONCURRENCY when positive.
	Concurrency int
	// DisableHeartbeat skips liveness publishing, for debug and one-shot runs.
	DisableHeartbeat bool
}

// Runtime owns every long-lived component of the worker process. Build it
// with NewRuntime, optionally Reset it, then block in Run until the context
// is cancelled.
type Runtime struct {
	cfg      config.Config
	settings config.Settings

	store   domain.Store
	queue   *asynqadp.Queue
	server  *asynqadp.Server
	janitor queueJanitor
	reaper  *WorktreeReaper
	box     *dockerbox.Sandbox
	health  *http.Server

	workerID    string
	hostname    string
	concurrency int
	heartbeat   bool
	startedAt   time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewRuntime connects to Redis and Docker, builds the adapters and use cases,
// and registers every job handler. It does not start consuming.
func NewRuntime(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRuntime: %w", err)
	}
	if settings.BotUsername != "" && cfg.GitHubBotUsername == "" {
		cfg.GitHubBotUsername = settings.BotUsername
	}
	if opts.Concurrency > 0 {
		cfg.WorkerConcurrency = opts.Concurrency
	}

	store, err := redisadp.Open(ctx, cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRuntime: redis: %w", err)
	}

	forge, err := github.New(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("op=app.NewRuntime: forge: %w", err)
	}

	git, err := gitadp.NewManager(cfg.GitClonesBasePath, cfg.GitWorktreesBasePath)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("op=app.NewRuntime: git: %w", err)
	}

	box, err := dockerbox.New()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("op=app.NewRuntime: docker: %w", err)
	}
	if err := box.Ping(ctx); err != nil {
		slog.Warn("docker daemon not reachable yet; agent runs will fail until it is",
			slog.Any("error", err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	metrics := usecase.NewMetricsRecorder(store, cfg.LLMCostThresholdUSD)
	states := usecase.NewTaskStateManager(store)
	agents := agent.NewRegistry(cfg, box)
	queue := asynqadp.New(redisOpt, cfg.QueueName)

	issues := usecase.NewIssueProcessor(cfg, settings, store, queue, forge, git, agents, states, metrics)
	followups := usecase.NewFollowupProcessor(cfg, settings, store, queue, forge, git, agents, metrics)
	imports := usecase.NewImportProcessor(states, metrics)

	server := asynqadp.NewServer(redisOpt, asynqadp.ServerConfig{
		Concurrency:     cfg.WorkerConcurrency,
		QueueName:       cfg.QueueName,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, metrics)
	server.Handle(domain.KindImplementIssue, issues.Process)
	server.Handle(domain.KindPRFollowup, followups.Process)
	server.Handle(domain.KindImportTask, imports.Process)

	rt := &Runtime{
		cfg:         cfg,
		settings:    settings,
		store:       store,
		queue:       queue,
		server:      server,
		janitor:     asynqadp.NewJanitor(redisOpt, cfg.QueueName, metrics),
		reaper:      NewWorktreeReaper(git, time.Duration(cfg.WorktreeMaxAgeHours)*time.Hour, reaperInterval),
		box:         box,
		workerID:    workerIdentity(cfg),
		hostname:    hostnameOf(cfg),
		concurrency: cfg.WorkerConcurrency,
		heartbeat:   !opts.DisableHeartbeat,
		startedAt:   time.Now().UTC(),
	}
	rt.health = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           BuildHealthRouter(store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return rt, nil
}

// Run starts the health endpoints, the heartbeat, the janitor, the worktree
// reaper and the queue consumer, then blocks until ctx is cancelled. Shutdown
// is ordered: stop intake and drain handlers, stop background loops, remove
// the worker's liveness entries, then release connections.
func (r *Runtime) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		slog.Info("health endpoints listening", slog.Int("port", r.cfg.Port))
		if err := r.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", slog.Any("error", err))
		}
	}()

	var wg sync.WaitGroup
	if r.heartbeat {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.heartbeatLoop(loopCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.janitor.Run(loopCtx, janitorInterval)
	}()
	if r.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.reaper.Run(loopCtx)
		}()
	}

	if err := r.server.Start(); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("op=app.Run: queue server: %w", err)
	}
	slog.Info("worker started",
		slog.String("worker_id", r.workerID),
		slog.String("queue", r.cfg.QueueName),
		slog.Int("concurrency", r.concurrency))

	<-ctx.Done()
	slog.Info("shutting down", slog.String("worker_id", r.workerID))

	// Stops intake and waits for in-flight handlers up to ShutdownTimeout.
	r.server.Stop()
	cancel()
	wg.Wait()

	offCtx, offCancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer offCancel()
	if r.heartbeat {
		r.deregister(offCtx)
	}
	if err := r.health.Shutdown(offCtx); err != nil {
		slog.Warn("health server shutdown", slog.Any("error", err))
	}
	if err := r.Close(); err != nil {
		slog.Warn("runtime close", slog.Any("error", err))
	}
	slog.Info("worker stopped", slog.String("worker_id", r.workerID))
	return nil
}

// Reset drains every queue and deletes all worker-owned Redis keys. It is
// destructive and only reachable through the --reset flag.
func (r *Runtime) Reset(ctx context.Context) error {
	if err := r.janitor.Drain(ctx); err != nil {
		return fmt.Errorf("op=app.Reset: drain: %w", err)
	}
	deleted := 0
	for _, prefix := range domain.ResetPrefixes {
		keys, err := r.store.ScanPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("op=app.Reset: scan %s: %w", prefix, err)
		}
		if len(keys) == 0 {
			continue
		}
		if err := r.store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("op=app.Reset: del %s: %w", prefix, err)
		}
		deleted += len(keys)
	}
	slog.Info("worker state reset", slog.Int("keys_deleted", deleted))
	return nil
}

// Close releases the queue producer, the Docker client and the Redis
// connection. Safe to call more than once.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = errors.Join(r.queue.Close(), r.box.Close(), r.store.Close())
	})
	return r.closeErr
}

// heartbeatLoop publishes liveness immediately and then on every tick, so
// dashboards see the worker as soon as it boots.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(domain.HeartbeatInterval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

// beat writes the three liveness records: the singleton beacon, the
// per-worker hash and this worker's entry in the shared registry hash. The
// beacon and hash expire on their own, so a crashed worker disappears from
// dashboards without cleanup.
func (r *Runtime) beat(ctx context.Context) {
	hb := domain.WorkerHeartbeat{
		WorkerID:    r.workerID,
		Hostname:    r.hostname,
		PID:         os.Getpid(),
		Queue:       r.cfg.QueueName,
		Concurrency: r.concurrency,
		StartedAt:   r.startedAt,
		Beat:        time.Now().UTC(),
	}
	raw, err := json.Marshal(hb)
	if err != nil {
		slog.Error("heartbeat marshal failed", slog.Any("error", err))
		return
	}
	payload := string(raw)

	if err := r.store.Set(ctx, domain.KeyWorkerBeacon, payload, domain.WorkerBeaconTTL); err != nil {
		slog.Warn("heartbeat beacon write failed", slog.Any("error", err))
	}

	key := domain.WorkerKey(r.workerID)
	fields := map[string]string{
		"hostname":    hb.Hostname,
		"pid":         strconv.Itoa(hb.PID),
		"queue":       hb.Queue,
		"concurrency": strconv.Itoa(hb.Concurrency),
		"started":     hb.StartedAt.Format(time.RFC3339),
		"heartbeat":   hb.Beat.Format(time.RFC3339),
	}
	if err := r.store.HSet(ctx, key, fields); err != nil {
		slog.Warn("heartbeat hash write failed", slog.Any("error", err))
	} else if err := r.store.Expire(ctx, key, domain.WorkerKeyTTL); err != nil {
		slog.Warn("heartbeat hash expire failed", slog.Any("error", err))
	}

	if err := r.store.HSet(ctx, domain.KeyWorkersHash, map[string]string{r.workerID: payload}); err != nil {
		slog.Warn("worker registry write failed", slog.Any("error", err))
	}
}

// deregister removes this worker's liveness entries. The registry hash has no
// TTL, so a graceful exit must delete its own entry.
func (r *Runtime) deregister(ctx context.Context) {
	if err := r.store.HDel(ctx, domain.KeyWorkersHash, r.workerID); err != nil {
		slog.Warn("worker registry removal failed", slog.Any("error", err))
	}
	if err := r.store.Del(ctx, domain.WorkerKey(r.workerID)); err != nil {
		slog.Warn("worker hash removal failed", slog.Any("error", err))
	}
}

// workerIdentity prefers the configured WORKER_ID and falls back to
// hostname-pid, which is unique per process on one host.
func workerIdentity(cfg config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	return fmt.Sprintf("%s-%d", hostnameOf(cfg), os.Getpid())
}

func hostnameOf(cfg config.Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}
