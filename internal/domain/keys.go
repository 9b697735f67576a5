package domain

import (
	"fmt"
	"time"
)

// Persisted key layout in the shared datastore. The dashboard reads these
// keys directly, so names and value shapes are a cross-service contract.
const (
	KeyJobsProcessed  = "metrics:jobs:processed"
	KeyJobsFailed     = "metrics:jobs:failed"
	KeyJobsAvgTime    = "metrics:jobs:avgTime"
	KeyAILog          = "metrics:ai:log:v1"
	KeyActivityLog    = "system:activity:log"
	KeyModelsUsed     = "llm:metrics:models:used"
	KeyHighCostAlerts = "llm:metrics:alerts:highcost"
	KeyWorkersHash    = "system:status:workers"
	KeyWorkerBeacon   = "system:status:worker"
)

// Retention and sizing constants for the persisted layout.
const (
	ActivityLogMax    = 1000
	HighCostAlertsMax = 10
	TaskStateTTL      = 30 * 24 * time.Hour
	ExecutionLogTTL   = 30 * 24 * time.Hour
	WorkerKeyTTL      = 120 * time.Second
	WorkerBeaconTTL   = 90 * time.Second
	HeartbeatInterval = 30 * time.Second
)

// ResetPrefixes are the key prefixes purged by the --reset boot flag,
// together with the queue's own data.
var ResetPrefixes = []string{"worker:", "task:state:"}

// TaskStateKey returns the key holding the JSON TaskState for taskID.
func TaskStateKey(taskID string) string { return "worker:state:" + taskID }

// WorkerKey returns the per-worker liveness hash key.
func WorkerKey(workerID string) string { return "worker:" + workerID }

// ModelMetricKey returns a per-model metrics counter key. field is one of
// successful, failed, costUsd, turns, executionTimeMs.
func ModelMetricKey(model, field string) string {
	return fmt.Sprintf("llm:metrics:model:%s:%s", model, field)
}

// DailyJobsKey returns the per-day rollup counter for kind processed/failed.
func DailyJobsKey(kind string, day time.Time) string {
	return fmt.Sprintf("metrics:jobs:%s:%s", kind, day.UTC().Format("2006-01-02"))
}

// SessionLogKey locates captured logs by agent session.
func SessionLogKey(sessionID string) string { return "execution:logs:session:" + sessionID }

// ConversationLogKey locates captured logs by conversation.
func ConversationLogKey(conversationID string) string {
	return "execution:logs:conversation:" + conversationID
}

// Live pub/sub channels per task.

func ChannelTaskLog(taskID string) string { return "task-log:" + taskID }

func ChannelTaskDiff(taskID string) string { return "task-diff:" + taskID }

func ChannelTaskStatus(taskID string) string { return "task-status:" + taskID }

func ChannelTaskState(taskID string) string { return "task-state:" + taskID }
