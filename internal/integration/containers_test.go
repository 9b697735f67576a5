//go:build integration

// Package integration drives the worker's adapters against real dependencies
// in containers. Run with -tags integration; requires a Docker daemon.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	asynqadp "github.com/fairyhunter13/gitfix/internal/adapter/queue/asynq"
	redisadp "github.com/fairyhunter13/gitfix/internal/adapter/store/redis"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	addr := host + ":" + port.Port()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()
	require.Eventually(t, func() bool { return rdb.Ping(ctx).Err() == nil }, 30*time.Second, time.Second)
	return addr
}

func Test_Store_Against_Redis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startRedis(t, ctx)

	store, err := redisadp.Open(ctx, addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	taskID := "acme-web-7-sonnet"
	require.NoError(t, store.Set(ctx, domain.TaskStateKey(taskID), `{"state":"CREATED"}`, time.Minute))
	v, err := store.Get(ctx, domain.TaskStateKey(taskID))
	require.NoError(t, err)
	require.Contains(t, v, "CREATED")

	sub, err := store.Subscribe(ctx, domain.ChannelTaskLog(taskID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	require.NoError(t, store.Publish(ctx, domain.ChannelTaskLog(taskID), "hello"))
	select {
	case msg := <-sub.Messages():
		require.Equal(t, "hello", msg)
	case <-time.After(10 * time.Second):
		t.Fatal("pub/sub message not delivered")
	}

	keys, err := store.ScanPrefix(ctx, "worker:state:")
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func Test_Queue_EndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startRedis(t, ctx)

	opt := asynq.RedisClientOpt{Addr: addr}
	q := asynqadp.New(opt, "github-issues")
	t.Cleanup(func() { _ = q.Close() })

	processed := make(chan domain.Job, 4)
	srv := asynqadp.NewServer(opt, asynqadp.ServerConfig{
		Concurrency:     1,
		QueueName:       "github-issues",
		ShutdownTimeout: 5 * time.Second,
	})
	srv.Handle(domain.KindImportTask, func(_ context.Context, job domain.Job) (string, error) {
		processed <- job
		return `{"ok":true}`, nil
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	id, err := q.Enqueue(ctx, domain.KindImportTask, []byte(`{"n":1}`), domain.EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case job := <-processed:
		require.Equal(t, domain.KindImportTask, job.Kind)
		require.Equal(t, 1, job.Attempt)
	case <-time.After(20 * time.Second):
		t.Fatal("job was not processed")
	}

	// A second enqueue with the same task ID must report a conflict while
	// the first is still retained.
	_, err = q.Enqueue(ctx, domain.KindImportTask, []byte(`{"n":2}`), domain.EnqueueOptions{TaskID: "dup-1", Delay: time.Hour})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.KindImportTask, []byte(`{"n":3}`), domain.EnqueueOptions{TaskID: "dup-1", Delay: time.Hour})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func Test_Janitor_SweepAndDrain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	addr := startRedis(t, ctx)

	opt := asynq.RedisClientOpt{Addr: addr}
	q := asynqadp.New(opt, "github-issues")
	t.Cleanup(func() { _ = q.Close() })

	// Park one task pending and one scheduled; no consumer runs.
	_, err := q.Enqueue(ctx, domain.KindImportTask, []byte(`{"n":1}`), domain.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.KindImportTask, []byte(`{"n":2}`), domain.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	j := asynqadp.NewJanitor(opt, "github-issues")
	// Nothing is archived or stalled yet; a sweep must leave the queue alone.
	j.Sweep(ctx)

	insp := asynq.NewInspector(opt)
	t.Cleanup(func() { _ = insp.Close() })
	info, err := insp.GetQueueInfo("github-issues")
	require.NoError(t, err)
	require.Equal(t, 1, info.Pending)
	require.Equal(t, 1, info.Scheduled)

	require.NoError(t, j.Drain(ctx))
	info, err = insp.GetQueueInfo("github-issues")
	require.NoError(t, err)
	require.Zero(t, info.Pending)
	require.Zero(t, info.Scheduled)
}
