package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

var metricsNow = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func testRecorder(store *fakeStore, threshold float64) *MetricsRecorder {
	r := NewMetricsRecorder(store, threshold)
	r.now = func() time.Time { return metricsNow }
	return r
}

func completedResult() domain.ProcessResult {
	return domain.ProcessResult{
		Status:          domain.StatusSuccess,
		Repo:            "acme/web",
		IssueNumber:     42,
		Model:           "claude-sonnet-4-5",
		CostUSD:         1.25,
		Turns:           12,
		ExecutionTimeMs: 93000,
		CorrelationID:   "corr-1",
		StartedAtMs:     1787000000000,
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestMetricsOnCompleted(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue, MaxAttempts: 3}

	r.OnCompleted(ctx, job, mustJSON(t, completedResult()), 93*time.Second)

	if v, _ := store.Get(ctx, domain.KeyJobsProcessed); v != "1" {
		t.Errorf("processed = %q, want 1", v)
	}
	if v, _ := store.Get(ctx, domain.DailyJobsKey("processed", metricsNow)); v != "1" {
		t.Errorf("daily processed = %q, want 1", v)
	}
	raw, err := store.Get(ctx, domain.KeyJobsAvgTime)
	if err != nil {
		t.Fatalf("avgTime missing: %v", err)
	}
	if avg, _ := strconv.ParseFloat(raw, 64); math.Abs(avg-93) > 1e-9 {
		t.Errorf("avgTime = %v, want 93 seconds", avg)
	}

	members := store.zmembers(domain.KeyAILog)
	if len(members) != 1 {
		t.Fatalf("ai log entries = %d, want 1", len(members))
	}
	if members[0].score != 1787000000000 {
		t.Errorf("ai log score = %v, want job start in unix ms", members[0].score)
	}
	var entry domain.AILogEntry
	if err := json.Unmarshal([]byte(members[0].member), &entry); err != nil {
		t.Fatalf("ai log decode: %v", err)
	}
	if entry.Model != "claude-sonnet-4-5" || entry.Cost != 1.25 || entry.Status != domain.StatusSuccess || entry.Repo != "acme/web" {
		t.Errorf("ai log entry = %+v", entry)
	}

	if v, _ := store.Get(ctx, domain.ModelMetricKey("claude-sonnet-4-5", "successful")); v != "1" {
		t.Errorf("model successful = %q", v)
	}
	if v, _ := store.Get(ctx, domain.ModelMetricKey("claude-sonnet-4-5", "costUsd")); v != "1.25" {
		t.Errorf("model costUsd = %q", v)
	}
	if v, _ := store.Get(ctx, domain.ModelMetricKey("claude-sonnet-4-5", "turns")); v != "12" {
		t.Errorf("model turns = %q", v)
	}
	models, _ := store.SMembers(ctx, domain.KeyModelsUsed)
	if len(models) != 1 || models[0] != "claude-sonnet-4-5" {
		t.Errorf("models used = %v", models)
	}

	feed, _ := store.LRange(ctx, domain.KeyActivityLog, 0, -1)
	if len(feed) != 1 {
		t.Fatalf("activity entries = %d, want 1", len(feed))
	}
	var act domain.ActivityEntry
	_ = json.Unmarshal([]byte(feed[0]), &act)
	if act.Type != ActivityJobCompleted || act.Repo != "acme/web" || act.IssueNumber != 42 {
		t.Errorf("activity = %+v", act)
	}
}

func TestMetricsOnCompletedFoldsAverage(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue}

	r.OnCompleted(ctx, job, `{"status":"success"}`, 10*time.Second)
	r.OnCompleted(ctx, job, `{"status":"success"}`, 20*time.Second)

	raw, _ := store.Get(ctx, domain.KeyJobsAvgTime)
	avg, _ := strconv.ParseFloat(raw, 64)
	if math.Abs(avg-15) > 1e-9 {
		t.Errorf("avg after two samples = %v, want 15", avg)
	}
}

func TestMetricsHighCostAlert(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 5)
	ctx := context.Background()
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue}

	expensive := completedResult()
	expensive.CostUSD = 7.5
	r.OnCompleted(ctx, job, mustJSON(t, expensive), time.Minute)

	cheap := completedResult()
	cheap.CostUSD = 4.0
	r.OnCompleted(ctx, job, mustJSON(t, cheap), time.Minute)

	alerts, _ := store.LRange(ctx, domain.KeyHighCostAlerts, 0, -1)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	var alert domain.HighCostAlert
	_ = json.Unmarshal([]byte(alerts[0]), &alert)
	if alert.CostUSD != 7.5 || alert.Threshold != 5 || alert.Repo != "acme/web" {
		t.Errorf("alert = %+v", alert)
	}
}

func TestMetricsOnCompletedUnreadableResult(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()

	r.OnCompleted(ctx, domain.Job{ID: "j1", Kind: domain.KindImplementIssue}, "not json", time.Second)

	if v, _ := store.Get(ctx, domain.KeyJobsProcessed); v != "1" {
		t.Errorf("processed = %q, counters must survive a bad result", v)
	}
	members := store.zmembers(domain.KeyAILog)
	if len(members) != 1 {
		t.Fatalf("ai log entries = %d", len(members))
	}
	var entry domain.AILogEntry
	_ = json.Unmarshal([]byte(members[0].member), &entry)
	if entry.Status != domain.StatusSuccess || entry.Model != "" {
		t.Errorf("degraded entry = %+v", entry)
	}
}

func TestMetricsOnFailedIntermediateAttempt(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()
	payload := mustJSON(t, domain.IssuePayload{Issue: testIssueRef()})
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue, Payload: []byte(payload), MaxAttempts: 3}

	r.OnFailed(ctx, job, errors.New("connection refused"), 1)

	if _, err := store.Get(ctx, domain.KeyJobsFailed); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("failed counter written on intermediate attempt")
	}
	if n := len(store.zmembers(domain.KeyAILog)); n != 0 {
		t.Errorf("ai log entries = %d, want none before the final attempt", n)
	}
	feed, _ := store.LRange(ctx, domain.KeyActivityLog, 0, -1)
	if len(feed) != 1 {
		t.Fatalf("activity entries = %d", len(feed))
	}
	var act domain.ActivityEntry
	_ = json.Unmarshal([]byte(feed[0]), &act)
	if act.Type != ActivityJobRetrying {
		t.Errorf("activity type = %q", act.Type)
	}
}

func TestMetricsOnFailedFinalAttempt(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()
	payload := mustJSON(t, domain.IssuePayload{Issue: testIssueRef()})
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue, Payload: []byte(payload), MaxAttempts: 3}

	r.OnFailed(ctx, job, errors.New("git push: remote hung up"), 3)

	if v, _ := store.Get(ctx, domain.KeyJobsFailed); v != "1" {
		t.Errorf("failed = %q, want 1", v)
	}
	if v, _ := store.Get(ctx, domain.DailyJobsKey("failed", metricsNow)); v != "1" {
		t.Errorf("daily failed = %q, want 1", v)
	}
	members := store.zmembers(domain.KeyAILog)
	if len(members) != 1 {
		t.Fatalf("ai log entries = %d, want 1", len(members))
	}
	var entry domain.AILogEntry
	_ = json.Unmarshal([]byte(members[0].member), &entry)
	if entry.Status != domain.StatusFailed || entry.Model != "claude-sonnet-4-5" || entry.Repo != "acme/web" {
		t.Errorf("ai log entry = %+v", entry)
	}
	if v, _ := store.Get(ctx, domain.ModelMetricKey("claude-sonnet-4-5", "failed")); v != "1" {
		t.Errorf("model failed = %q", v)
	}
	feed, _ := store.LRange(ctx, domain.KeyActivityLog, 0, -1)
	var act domain.ActivityEntry
	_ = json.Unmarshal([]byte(feed[0]), &act)
	if act.Type != ActivityJobFailed {
		t.Errorf("activity type = %q", act.Type)
	}
}

func TestMetricsOnFailedAuthSkipsRemainingAttempts(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()
	job := domain.Job{ID: "j1", Kind: domain.KindImplementIssue, MaxAttempts: 3}

	r.OnFailed(ctx, job, errors.New("401 bad credentials"), 1)

	if v, _ := store.Get(ctx, domain.KeyJobsFailed); v != "1" {
		t.Errorf("failed = %q, auth failures are final on the first attempt", v)
	}
}

func TestMetricsRecordExecutionLogs(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()

	r.RecordExecutionLogs(ctx, domain.ExecutionLogLocator{
		SessionID:      "sess-1",
		ConversationID: "conv-1",
		TaskID:         "acme-web-42-sonnet",
		Repo:           "acme/web",
		IssueNumber:    42,
		ContainerID:    "c-9",
	})

	for _, key := range []string{domain.SessionLogKey("sess-1"), domain.ConversationLogKey("conv-1")} {
		raw, err := store.Get(ctx, key)
		if err != nil {
			t.Fatalf("locator missing at %s: %v", key, err)
		}
		var loc domain.ExecutionLogLocator
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			t.Fatalf("locator decode: %v", err)
		}
		if loc.TaskID != "acme-web-42-sonnet" || loc.ContainerID != "c-9" {
			t.Errorf("locator at %s = %+v", key, loc)
		}
		if ttl := store.ttlOf(key); ttl != domain.ExecutionLogTTL {
			t.Errorf("locator ttl = %v, want %v", ttl, domain.ExecutionLogTTL)
		}
	}
}

func TestMetricsActivityFeedTrimmed(t *testing.T) {
	store := newFakeStore()
	r := testRecorder(store, 0)
	ctx := context.Background()

	for i := 0; i < domain.ActivityLogMax+5; i++ {
		r.RecordActivity(ctx, domain.ActivityEntry{Type: ActivityJobCompleted, Message: "x"})
	}
	feed, _ := store.LRange(ctx, domain.KeyActivityLog, 0, -1)
	if len(feed) != domain.ActivityLogMax {
		t.Errorf("feed length = %d, want capped at %d", len(feed), domain.ActivityLogMax)
	}
}

func TestJobCoordinates(t *testing.T) {
	followup := mustJSON(t, domain.FollowupPayload{
		PullRequestNumber: 5,
		RepoOwner:         "acme",
		RepoName:          "web",
		LLM:               "opus",
		CorrelationID:     "corr-2",
	})
	imp := mustJSON(t, domain.ImportPayload{Issue: domain.IssueRef{RepoOwner: "acme", RepoName: "web", Number: 3, ModelName: "flash"}})

	tests := []struct {
		name  string
		job   domain.Job
		repo  string
		num   int
		model string
	}{
		{
			name:  "issue payload resolves model",
			job:   domain.Job{Kind: domain.KindImplementIssue, Payload: []byte(mustJSON(t, domain.IssuePayload{Issue: testIssueRef()}))},
			repo:  "acme/web",
			num:   42,
			model: "claude-sonnet-4-5",
		},
		{
			name:  "followup payload",
			job:   domain.Job{Kind: domain.KindPRFollowup, Payload: []byte(followup)},
			repo:  "acme/web",
			num:   5,
			model: "claude-opus-4-1",
		},
		{
			name:  "import payload",
			job:   domain.Job{Kind: domain.KindImportTask, Payload: []byte(imp)},
			repo:  "acme/web",
			num:   3,
			model: "gemini-2.5-flash",
		},
		{
			name: "garbage payload yields zero values",
			job:  domain.Job{Kind: domain.KindImplementIssue, Payload: []byte("{{")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, num, model, _ := jobCoordinates(tt.job)
			if repo != tt.repo || num != tt.num || model != tt.model {
				t.Errorf("coordinates = (%q, %d, %q), want (%q, %d, %q)", repo, num, model, tt.repo, tt.num, tt.model)
			}
		})
	}
}
