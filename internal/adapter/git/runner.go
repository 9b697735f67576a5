// Package gitadp manages bare clones, worktrees, commits and pushes by
// shelling out to the git binary. Output that may carry credentials is
// censored before it reaches logs or wrapped errors.
package gitadp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fairyhunter13/gitfix/internal/adapter/observability"
	"github.com/fairyhunter13/gitfix/internal/domain"
)

// runner executes one git subcommand in a directory.
type runner interface {
	run(ctx domain.Context, dir string, args ...string) ([]byte, error)
	addSecret(secret string)
}

type execRunner struct {
	git string

	mu      sync.RWMutex
	secrets []string

	execute func(ctx context.Context, dir, command string, args ...string) ([]byte, error)
}

func newExecRunner() (*execRunner, error) {
	g, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("op=git.lookpath: %w", err)
	}
	return &execRunner{
		git: g,
		execute: func(ctx context.Context, dir, command string, args ...string) ([]byte, error) {
			c := exec.CommandContext(ctx, command, args...)
			c.Dir = dir
			c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
			return c.CombinedOutput()
		},
	}, nil
}

// addSecret registers a credential to scrub from subsequent command output.
func (e *execRunner) addSecret(secret string) {
	if secret == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.secrets {
		if s == secret {
			return
		}
	}
	e.secrets = append(e.secrets, secret)
}

func (e *execRunner) censor(b []byte) []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.secrets {
		b = bytes.ReplaceAll(b, []byte(s), []byte("CENSORED"))
	}
	return b
}

func (e *execRunner) run(ctx domain.Context, dir string, args ...string) ([]byte, error) {
	op := "git"
	if len(args) > 0 {
		op = args[0]
	}
	out, err := e.execute(ctx, dir, e.git, args...)
	out = e.censor(out)
	observability.ObserveGitOperation(op, err)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		slog.Debug("git command failed", slog.String("op", op), slog.String("dir", dir), slog.String("output", msg))
		return out, fmt.Errorf("git %s: %w: %s", op, err, msg)
	}
	return out, nil
}

func containsAny(out []byte, needles ...string) bool {
	lower := strings.ToLower(string(out))
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// isLockErr reports a transient ref or index lock collision, safe to retry
// once after a short pause.
func isLockErr(out []byte) bool {
	return containsAny(out, "index.lock", "cannot lock ref", "unable to lock")
}

// isAuthErr reports a credential rejection on a network operation.
func isAuthErr(out []byte) bool {
	return containsAny(out,
		"authentication failed",
		"invalid username or password",
		"could not read username",
		"could not read password",
		"http basic: access denied",
		"403",
		"401",
	)
}

// isTransientNetErr reports a network failure that a bounded retry can heal.
func isTransientNetErr(out []byte) bool {
	return containsAny(out,
		"could not resolve host",
		"connection refused",
		"connection reset",
		"connection timed out",
		"early eof",
		"the remote end hung up",
		"rpc failed",
		"tls handshake timeout",
		"temporary failure",
	)
}
