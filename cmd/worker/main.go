// Package main is the gitfix worker entry point. The worker consumes issue
// and pull-request jobs from Redis, runs coding agents inside Docker
// sandboxes and publishes the results back to GitHub.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/app"
	"github.com/fairyhunter13/gitfix/internal/config"
)

// exitInterrupted is returned after a SIGINT-triggered shutdown, matching
// shell convention (128+SIGINT).
const exitInterrupted = 130

func main() {
	os.Exit(run(os.Args[1:]))
}

type runState struct {
	signal os.Signal
}

func run(args []string) int {
	state := &runState{}
	root := newRootCmd(state)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		slog.Error("worker failed", slog.Any("error", err))
		return 1
	}
	if state.signal == syscall.SIGINT {
		return exitInterrupted
	}
	return 0
}

func newRootCmd(state *runState) *cobra.Command {
	var (
		reset       bool
		concurrency int
		noHeartbeat bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Autonomous GitHub issue worker",
		Long: `The gitfix worker consumes queued GitHub issue and pull-request follow-up
jobs, prepares an isolated git worktree per job, runs the configured coding
agent in a Docker sandbox and pushes the outcome back as a branch, commit
and pull request.

Configuration comes from environment variables; see the project README.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), state, reset, concurrency, noHeartbeat)
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "drain every queue and delete worker state before starting")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "override WORKER_CONCURRENCY")
	cmd.Flags().BoolVar(&noHeartbeat, "no-heartbeat", false, "skip liveness publishing (debug runs)")

	return cmd
}

func runWorker(ctx context.Context, state *runState, reset bool, concurrency int, noHeartbeat bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("queue", cfg.QueueName))

	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := app.NewRuntime(ctx, cfg, app.Options{
		Concurrency:      concurrency,
		DisableHeartbeat: noHeartbeat,
	})
	if err != nil {
		return err
	}

	if reset {
		if err := rt.Reset(ctx); err != nil {
			_ = rt.Close()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			state.signal = sig
			slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-runCtx.Done():
		}
	}()

	return rt.Run(runCtx)
}
