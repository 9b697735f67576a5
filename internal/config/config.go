// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all worker configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// Port serves the health/readiness/metrics router.
	Port int `env:"PORT" envDefault:"9090" validate:"min=1,max=65535"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379" validate:"min=1,max=65535"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	WorkerConcurrency int    `env:"WORKER_CONCURRENCY" envDefault:"3" validate:"min=1"`
	QueueName         string `env:"GITHUB_ISSUE_QUEUE_NAME" envDefault:"github-issues"`
	WorkerID          string `env:"WORKER_ID"`
	Hostname          string `env:"HOSTNAME"`

	// Label gating: issues must carry the primary tag and not the done tag.
	AIPrimaryTag    string `env:"AI_PRIMARY_TAG" envDefault:"AI"`
	AIProcessingTag string `env:"AI_PROCESSING_TAG" envDefault:"AI-processing"`
	AIDoneTag       string `env:"AI_DONE_TAG" envDefault:"AI-done"`

	DefaultClaudeModel string `env:"DEFAULT_CLAUDE_MODEL" envDefault:"sonnet"`

	// Quota-reset re-enqueue pacing, both in milliseconds.
	RequeueBufferMS int64 `env:"REQUEUE_BUFFER_MS" envDefault:"300000" validate:"min=0"`
	RequeueJitterMS int64 `env:"REQUEUE_JITTER_MS" envDefault:"120000" validate:"min=0"`

	WorktreeRetentionStrategy string  `env:"WORKTREE_RETENTION_STRATEGY" envDefault:"always_delete" validate:"oneof=always_delete keep_on_failure keep_for_hours"`
	WorktreeRetentionHours    int     `env:"WORKTREE_RETENTION_HOURS" envDefault:"4" validate:"min=0"`
	WorktreeMaxAgeHours       int     `env:"WORKTREE_MAX_AGE_HOURS" envDefault:"24" validate:"min=1"`
	LLMCostThresholdUSD       float64 `env:"LLM_COST_THRESHOLD_USD" envDefault:"5.0"`

	GitClonesBasePath    string `env:"GIT_CLONES_BASE_PATH" envDefault:"/var/lib/gitfix/clones"`
	GitWorktreesBasePath string `env:"GIT_WORKTREES_BASE_PATH" envDefault:"/var/lib/gitfix/worktrees"`
	// GitDefaultBranch overrides the forge's default branch when non-empty.
	GitDefaultBranch string `env:"GIT_DEFAULT_BRANCH"`

	// Forge auth: GitHub App credentials, with a token fallback for dev.
	GHAppID           int64  `env:"GH_APP_ID"`
	GHPrivateKeyPath  string `env:"GH_PRIVATE_KEY_PATH"`
	GHInstallationID  int64  `env:"GH_INSTALLATION_ID"`
	GitHubToken       string `env:"GITHUB_TOKEN"`
	GitHubAPIBaseURL  string `env:"GITHUB_API_BASE_URL" envDefault:"https://api.github.com"`
	GitHubBotUsername string `env:"GITHUB_BOT_USERNAME"`

	SandboxImage   string        `env:"SANDBOX_IMAGE" envDefault:"ghcr.io/fairyhunter13/gitfix-agent:latest"`
	SandboxNetwork string        `env:"SANDBOX_NETWORK" envDefault:"bridge"`
	AgentTimeout   time.Duration `env:"AGENT_TIMEOUT" envDefault:"300s"`
	AgentMaxTurns  int           `env:"AGENT_MAX_TURNS" envDefault:"30" validate:"min=1"`

	// SettingsPath points at the optional YAML settings file.
	SettingsPath string `env:"SETTINGS_PATH"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"gitfix-worker"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints declared on the struct.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// RedisAddr returns the host:port of the shared datastore.
func (c Config) RedisAddr() string { return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort) }

// RequeueBuffer returns the fixed delay added on top of a provider's
// quota-reset timestamp when re-enqueueing.
func (c Config) RequeueBuffer() time.Duration {
	return time.Duration(c.RequeueBufferMS) * time.Millisecond
}

// RequeueJitter returns the upper bound of the random delay added to
// quota-reset re-enqueues.
func (c Config) RequeueJitter() time.Duration {
	return time.Duration(c.RequeueJitterMS) * time.Millisecond
}

// AppAuthConfigured reports whether GitHub App credentials are present.
func (c Config) AppAuthConfigured() bool {
	return c.GHAppID != 0 && c.GHPrivateKeyPath != "" && c.GHInstallationID != 0
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
