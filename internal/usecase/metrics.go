package usecase

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// MetricsRecorder writes the datastore metrics the dashboard reads. It
// registers as a queue observer for the per-job counters and is called
// directly by processors for the records only they can fill. Counter updates
// are best-effort: a metrics write never fails a job.
type MetricsRecorder struct {
	store         domain.Store
	costThreshold float64
	now           func() time.Time
}

// NewMetricsRecorder builds a recorder. costThresholdUSD bounds per-run agent
// spend before a high-cost alert is raised; zero disables alerts.
func NewMetricsRecorder(store domain.Store, costThresholdUSD float64) *MetricsRecorder {
	return &MetricsRecorder{store: store, costThreshold: costThresholdUSD, now: time.Now}
}

// Activity entry types on the system feed.
const (
	ActivityJobCompleted = "job_completed"
	ActivityJobFailed    = "job_failed"
	ActivityJobRetrying  = "job_retrying"
	ActivityJobStalled   = "job_stalled"
	ActivityTaskImported = "task_imported"
)

// OnCompleted records one finished job: the processed counters, the rolling
// average, the AI execution log entry and the per-model rollups carried in
// the result envelope.
func (r *MetricsRecorder) OnCompleted(ctx domain.Context, job domain.Job, result string, duration time.Duration) {
	n, err := r.store.Incr(ctx, domain.KeyJobsProcessed)
	if err != nil {
		slog.Warn("processed counter update failed", "error", err)
	}
	if _, err := r.store.Incr(ctx, domain.DailyJobsKey("processed", r.now())); err != nil {
		slog.Warn("daily processed counter update failed", "error", err)
	}
	if n > 0 {
		r.updateAvgTime(ctx, n, duration.Seconds())
	}

	var pr domain.ProcessResult
	if err := json.Unmarshal([]byte(result), &pr); err != nil {
		slog.Warn("unreadable job result, metrics entry degraded", "job", job.ID, "error", err)
		pr = domain.ProcessResult{Status: domain.StatusSuccess}
	}

	r.appendAILog(ctx, domain.AILogEntry{
		Cost:            pr.CostUSD,
		Model:           pr.Model,
		Turns:           pr.Turns,
		ExecutionTimeMs: pr.ExecutionTimeMs,
		IssueNumber:     pr.IssueNumber,
		Repo:            pr.Repo,
		Status:          pr.Status,
		CorrelationID:   pr.CorrelationID,
		Timestamp:       r.now().UTC(),
	}, pr.StartedAtMs)

	if pr.Model != "" {
		r.recordModelRun(ctx, pr)
	}

	r.RecordActivity(ctx, domain.ActivityEntry{
		Type:          ActivityJobCompleted,
		Message:       "job " + job.Kind + " finished with status " + pr.Status,
		Repo:          pr.Repo,
		IssueNumber:   pr.IssueNumber,
		CorrelationID: pr.CorrelationID,
	})
}

// OnFailed records a failed attempt. Intermediate attempts only leave an
// activity trace; the failed counters and the AI log entry are written once,
// on the attempt that exhausts the retry budget or is not retryable.
func (r *MetricsRecorder) OnFailed(ctx domain.Context, job domain.Job, err error, attemptsMade int) {
	category := domain.CategorizeError(err)
	repo, issueNumber, model, corr := jobCoordinates(job)

	final := attemptsMade >= job.MaxAttempts || category == domain.CategoryAuth
	if !final {
		r.RecordActivity(ctx, domain.ActivityEntry{
			Type:          ActivityJobRetrying,
			Message:       "job " + job.Kind + " attempt " + strconv.Itoa(attemptsMade) + "/" + strconv.Itoa(job.MaxAttempts) + " failed (" + category + "), retrying",
			Repo:          repo,
			IssueNumber:   issueNumber,
			CorrelationID: corr,
		})
		return
	}

	if _, ierr := r.store.Incr(ctx, domain.KeyJobsFailed); ierr != nil {
		slog.Warn("failed counter update failed", "error", ierr)
	}
	if _, ierr := r.store.Incr(ctx, domain.DailyJobsKey("failed", r.now())); ierr != nil {
		slog.Warn("daily failed counter update failed", "error", ierr)
	}

	r.appendAILog(ctx, domain.AILogEntry{
		Model:         model,
		IssueNumber:   issueNumber,
		Repo:          repo,
		Status:        domain.StatusFailed,
		CorrelationID: corr,
		Timestamp:     r.now().UTC(),
	}, 0)

	if model != "" {
		if _, ierr := r.store.Incr(ctx, domain.ModelMetricKey(model, "failed")); ierr != nil {
			slog.Warn("model failed counter update failed", "model", model, "error", ierr)
		}
	}

	r.RecordActivity(ctx, domain.ActivityEntry{
		Type:          ActivityJobFailed,
		Message:       "job " + job.Kind + " failed (" + category + "): " + err.Error(),
		Repo:          repo,
		IssueNumber:   issueNumber,
		CorrelationID: corr,
	})
}

// OnStalled notes a reclaimed job on the activity feed.
func (r *MetricsRecorder) OnStalled(ctx domain.Context, jobID string) {
	r.RecordActivity(ctx, domain.ActivityEntry{
		Type:    ActivityJobStalled,
		Message: "job " + jobID + " stalled and was reclaimed",
	})
}

// OnError logs queue-internal errors. No datastore writes: the common cause
// is the datastore itself being unreachable.
func (r *MetricsRecorder) OnError(_ domain.Context, err error) {
	slog.Error("queue error", "error", err)
}

// RecordActivity appends one entry to the capped activity feed.
func (r *MetricsRecorder) RecordActivity(ctx domain.Context, e domain.ActivityEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		slog.Warn("activity entry encode failed", "type", e.Type, "error", err)
		return
	}
	if err := r.store.LPush(ctx, domain.KeyActivityLog, string(raw)); err != nil {
		slog.Warn("activity entry write failed", "type", e.Type, "error", err)
		return
	}
	if err := r.store.LTrim(ctx, domain.KeyActivityLog, 0, domain.ActivityLogMax-1); err != nil {
		slog.Warn("activity feed trim failed", "error", err)
	}
}

// RecordExecutionLogs stores dashboard locators for a finished agent run,
// keyed by session and conversation.
func (r *MetricsRecorder) RecordExecutionLogs(ctx domain.Context, loc domain.ExecutionLogLocator) {
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = r.now().UTC()
	}
	raw, err := json.Marshal(loc)
	if err != nil {
		slog.Warn("execution log locator encode failed", "task", loc.TaskID, "error", err)
		return
	}
	if loc.SessionID != "" {
		if err := r.store.Set(ctx, domain.SessionLogKey(loc.SessionID), string(raw), domain.ExecutionLogTTL); err != nil {
			slog.Warn("session log locator write failed", "session", loc.SessionID, "error", err)
		}
	}
	if loc.ConversationID != "" {
		if err := r.store.Set(ctx, domain.ConversationLogKey(loc.ConversationID), string(raw), domain.ExecutionLogTTL); err != nil {
			slog.Warn("conversation log locator write failed", "conversation", loc.ConversationID, "error", err)
		}
	}
}

// recordModelRun updates the per-model rollups from a completed result.
func (r *MetricsRecorder) recordModelRun(ctx domain.Context, pr domain.ProcessResult) {
	switch pr.Status {
	case domain.StatusSuccess, domain.StatusNoChanges:
		r.incrModel(ctx, pr.Model, "successful")
	case domain.StatusFailed, domain.StatusAgentFailed:
		r.incrModel(ctx, pr.Model, "failed")
	}
	if pr.CostUSD > 0 {
		if _, err := r.store.IncrByFloat(ctx, domain.ModelMetricKey(pr.Model, "costUsd"), pr.CostUSD); err != nil {
			slog.Warn("model cost rollup failed", "model", pr.Model, "error", err)
		}
	}
	if pr.Turns > 0 {
		if _, err := r.store.IncrByFloat(ctx, domain.ModelMetricKey(pr.Model, "turns"), float64(pr.Turns)); err != nil {
			slog.Warn("model turns rollup failed", "model", pr.Model, "error", err)
		}
	}
	if pr.ExecutionTimeMs > 0 {
		if _, err := r.store.IncrByFloat(ctx, domain.ModelMetricKey(pr.Model, "executionTimeMs"), float64(pr.ExecutionTimeMs)); err != nil {
			slog.Warn("model time rollup failed", "model", pr.Model, "error", err)
		}
	}
	if err := r.store.SAdd(ctx, domain.KeyModelsUsed, pr.Model); err != nil {
		slog.Warn("models-used set update failed", "model", pr.Model, "error", err)
	}

	if r.costThreshold > 0 && pr.CostUSD > r.costThreshold {
		alert, err := json.Marshal(domain.HighCostAlert{
			CostUSD:       pr.CostUSD,
			Threshold:     r.costThreshold,
			CorrelationID: pr.CorrelationID,
			IssueNumber:   pr.IssueNumber,
			Repo:          pr.Repo,
			Timestamp:     r.now().UTC(),
		})
		if err == nil {
			if perr := r.store.LPush(ctx, domain.KeyHighCostAlerts, string(alert)); perr != nil {
				slog.Warn("high-cost alert write failed", "error", perr)
			} else {
				_ = r.store.LTrim(ctx, domain.KeyHighCostAlerts, 0, domain.HighCostAlertsMax-1)
			}
		}
	}
}

func (r *MetricsRecorder) incrModel(ctx domain.Context, model, field string) {
	if _, err := r.store.Incr(ctx, domain.ModelMetricKey(model, field)); err != nil {
		slog.Warn("model counter update failed", "model", model, "field", field, "error", err)
	}
}

// updateAvgTime folds one duration sample, in seconds, into the streaming
// average using the processed count n. The read-modify-write is not atomic
// across workers; the average is advisory.
func (r *MetricsRecorder) updateAvgTime(ctx domain.Context, n int64, sampleSeconds float64) {
	prev := 0.0
	if raw, err := r.store.Get(ctx, domain.KeyJobsAvgTime); err == nil {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			prev = v
		}
	}
	avg := (prev*float64(n-1) + sampleSeconds) / float64(n)
	if err := r.store.Set(ctx, domain.KeyJobsAvgTime, strconv.FormatFloat(avg, 'f', -1, 64), 0); err != nil {
		slog.Warn("average time update failed", "error", err)
	}
}

// appendAILog adds one entry to the time-ordered AI execution log. The score
// is the job start in unix milliseconds; zero falls back to now.
func (r *MetricsRecorder) appendAILog(ctx domain.Context, e domain.AILogEntry, startedAtMs int64) {
	raw, err := json.Marshal(e)
	if err != nil {
		slog.Warn("ai log entry encode failed", "error", err)
		return
	}
	score := float64(startedAtMs)
	if startedAtMs <= 0 {
		score = float64(r.now().UnixMilli())
	}
	if err := r.store.ZAdd(ctx, domain.KeyAILog, score, string(raw)); err != nil {
		slog.Warn("ai log entry write failed", "error", err)
	}
}

// jobCoordinates extracts reporting coordinates from a job payload without
// trusting it: a payload that fails to decode yields zero values.
func jobCoordinates(job domain.Job) (repo string, issueNumber int, model, correlationID string) {
	switch job.Kind {
	case domain.KindImplementIssue:
		var p domain.IssuePayload
		if json.Unmarshal(job.Payload, &p) == nil {
			m := p.Issue.ModelName
			if m == "" {
				m = domain.DefaultModel
			}
			return p.Issue.FullRepo(), p.Issue.Number, domain.ResolveModelAlias(m), p.Issue.CorrelationID
		}
	case domain.KindPRFollowup:
		var p domain.FollowupPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			m := p.LLM
			if m == "" {
				m = domain.DefaultModel
			}
			return p.RepoOwner + "/" + p.RepoName, p.PullRequestNumber, domain.ResolveModelAlias(m), p.CorrelationID
		}
	case domain.KindImportTask:
		var p domain.ImportPayload
		if json.Unmarshal(job.Payload, &p) == nil {
			return p.Issue.FullRepo(), p.Issue.Number, domain.ResolveModelAlias(p.Issue.ModelName), p.CorrelationID
		}
	}
	return "", 0, "", ""
}
