package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// ImportProcessor backfills task records for work tracked outside the
// worker, so the dashboard sees externally created tasks. It touches no git
// state and runs no agent.
type ImportProcessor struct {
	states  *TaskStateManager
	metrics *MetricsRecorder
}

// NewImportProcessor wires an import processor.
func NewImportProcessor(states *TaskStateManager, metrics *MetricsRecorder) *ImportProcessor {
	return &ImportProcessor{states: states, metrics: metrics}
}

// Process handles one import job.
func (p *ImportProcessor) Process(ctx domain.Context, job domain.Job) (string, error) {
	var payload domain.ImportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("op=import.payload: decode: %w", err)
	}
	issue := payload.Issue
	if issue.RepoOwner == "" || issue.RepoName == "" || issue.Number <= 0 {
		return "", fmt.Errorf("op=import.payload: %w: repo and issue number required", domain.ErrInvalidArgument)
	}
	if issue.ModelName == "" {
		issue.ModelName = domain.DefaultModel
	}
	if issue.CorrelationID == "" {
		issue.CorrelationID = payload.CorrelationID
	}

	taskID := issue.TaskID()
	lg := slog.With("task", taskID, "issue", issue.String(), "correlationId", issue.CorrelationID)
	if payload.TaskID != "" && payload.TaskID != taskID {
		lg.Warn("import payload task id differs from derived id", "payloadTaskId", payload.TaskID)
	}

	st, err := p.states.Upsert(ctx, issue)
	if err != nil {
		return "", fmt.Errorf("op=import.upsert: %w", err)
	}
	if payload.State != "" && payload.State != st.State {
		if err := p.states.Transition(ctx, taskID, payload.State, "imported", nil); err != nil {
			return "", fmt.Errorf("op=import.transition: %w", err)
		}
	}
	lg.Info("task imported", "state", payload.State)

	p.metrics.RecordActivity(ctx, domain.ActivityEntry{
		Type:          ActivityTaskImported,
		Message:       "task " + taskID + " imported",
		Repo:          issue.FullRepo(),
		IssueNumber:   issue.Number,
		CorrelationID: issue.CorrelationID,
	})

	res := domain.ProcessResult{
		Status:        domain.StatusSuccess,
		Repo:          issue.FullRepo(),
		IssueNumber:   issue.Number,
		CorrelationID: issue.CorrelationID,
	}
	raw, merr := json.Marshal(res)
	if merr != nil {
		return `{"status":"success"}`, nil
	}
	return string(raw), nil
}
