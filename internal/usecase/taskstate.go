// Package usecase contains the job processors and the managers they share:
// task state tracking, metrics recording, prompt assembly and report
// rendering. Processors depend on domain ports only; adapters are wired in
// by the app layer.
package usecase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/gitfix/internal/domain"
)

// TaskStateManager owns the per-task state records the dashboard reads.
// Every write refreshes the record TTL and publishes the full record on the
// task-state channel; state changes additionally publish a compact event on
// the task-status channel. History is append-only.
type TaskStateManager struct {
	store domain.Store
	now   func() time.Time

	mu sync.Mutex
}

// NewTaskStateManager builds a manager over the shared datastore.
func NewTaskStateManager(store domain.Store) *TaskStateManager {
	return &TaskStateManager{store: store, now: time.Now}
}

// FailureDetail describes a terminal failure for MarkFailed.
type FailureDetail struct {
	Category string
	Stage    string
	// Requeued marks failures that re-enqueued the payload instead of
	// abandoning the task, together with the delay applied.
	Requeued bool
	Delay    time.Duration
}

// statusEvent is the compact payload published on the task-status channel.
type statusEvent struct {
	TaskID    string    `json:"taskId"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Get loads the record for taskID.
func (m *TaskStateManager) Get(ctx domain.Context, taskID string) (domain.TaskState, error) {
	raw, err := m.store.Get(ctx, domain.TaskStateKey(taskID))
	if err != nil {
		return domain.TaskState{}, fmt.Errorf("op=taskstate.get id=%s: %w", taskID, err)
	}
	var st domain.TaskState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return domain.TaskState{}, fmt.Errorf("op=taskstate.get id=%s: decode: %w", taskID, err)
	}
	return st, nil
}

// Upsert ensures a record exists for the issue and returns it. A missing
// record is created in CREATED. An existing non-terminal record is returned
// unchanged with its TTL refreshed. An existing terminal record is reset to
// CREATED with its history preserved, starting a new processing cycle.
func (m *TaskStateManager) Upsert(ctx domain.Context, issue domain.IssueRef) (domain.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taskID := issue.TaskID()
	now := m.now().UTC()
	st, err := m.Get(ctx, taskID)
	switch {
	case err == nil && !st.State.Terminal():
		if err := m.save(ctx, st, false); err != nil {
			return domain.TaskState{}, err
		}
		return st, nil
	case err == nil:
		st.State = domain.TaskCreated
		st.UpdatedAt = now
		st.History = append(st.History, domain.StateTransition{
			State:     domain.TaskCreated,
			Timestamp: now,
			Reason:    "restarted after " + string(st.History[len(st.History)-1].State),
		})
		if err := m.save(ctx, st, true); err != nil {
			return domain.TaskState{}, err
		}
		return st, nil
	}

	st = domain.TaskState{
		TaskID:        taskID,
		State:         domain.TaskCreated,
		CorrelationID: issue.CorrelationID,
		Issue:         issue,
		Meta:          domain.TaskMeta{Model: domain.ResolveModelAlias(issue.ModelName)},
		CreatedAt:     now,
		UpdatedAt:     now,
		History: []domain.StateTransition{{
			State:     domain.TaskCreated,
			Timestamp: now,
			Reason:    "task received",
		}},
	}
	if err := m.save(ctx, st, true); err != nil {
		return domain.TaskState{}, err
	}
	return st, nil
}

// Transition moves the task to a new state, appending a history entry.
// Leaving a terminal state is a conflict; re-entering the current terminal
// state is a no-op so completion paths stay idempotent.
func (m *TaskStateManager) Transition(ctx domain.Context, taskID string, to domain.TaskStatus, reason string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if st.State.Terminal() {
		if st.State == to {
			return nil
		}
		return fmt.Errorf("op=taskstate.transition id=%s: %s to %s: %w", taskID, st.State, to, domain.ErrConflict)
	}
	now := m.now().UTC()
	st.State = to
	st.UpdatedAt = now
	st.History = append(st.History, domain.StateTransition{
		State:     to,
		Timestamp: now,
		Reason:    reason,
		Metadata:  metadata,
	})
	return m.save(ctx, st, true)
}

// AmendHistory merges metadata into the latest history entry without changing
// state, for details learned after the transition was recorded.
func (m *TaskStateManager) AmendHistory(ctx domain.Context, taskID string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if len(st.History) == 0 {
		return fmt.Errorf("op=taskstate.amend id=%s: empty history: %w", taskID, domain.ErrConflict)
	}
	last := &st.History[len(st.History)-1]
	if last.Metadata == nil {
		last.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		last.Metadata[k] = v
	}
	st.UpdatedAt = m.now().UTC()
	return m.save(ctx, st, false)
}

// PatchMeta applies patch to the record's subsystem metadata.
func (m *TaskStateManager) PatchMeta(ctx domain.Context, taskID string, patch func(*domain.TaskMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	patch(&st.Meta)
	st.UpdatedAt = m.now().UTC()
	return m.save(ctx, st, false)
}

// MarkFailed moves the task to FAILED, recording the failure category, the
// stage it happened in and the requeue decision. Marking an already failed
// task again is a no-op; marking a completed task is a conflict.
func (m *TaskStateManager) MarkFailed(ctx domain.Context, taskID string, cause error, d FailureDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if st.State == domain.TaskFailed {
		return nil
	}
	if st.State == domain.TaskCompleted {
		return fmt.Errorf("op=taskstate.fail id=%s: already completed: %w", taskID, domain.ErrConflict)
	}

	meta := map[string]any{
		"errorCategory":   d.Category,
		"processingStage": d.Stage,
	}
	if cause != nil {
		meta["error"] = cause.Error()
	}
	if d.Requeued {
		meta["requeued"] = true
		meta["delaySeconds"] = int64(d.Delay / time.Second)
	}

	now := m.now().UTC()
	st.State = domain.TaskFailed
	st.UpdatedAt = now
	st.Meta.ErrorCategory = d.Category
	st.History = append(st.History, domain.StateTransition{
		State:     domain.TaskFailed,
		Timestamp: now,
		Reason:    failReason(cause),
		Metadata:  meta,
	})
	return m.save(ctx, st, true)
}

func failReason(cause error) string {
	if cause == nil {
		return "failed"
	}
	return cause.Error()
}

// save persists the record with a refreshed TTL and publishes it. The
// task-status event is only published on state changes.
func (m *TaskStateManager) save(ctx domain.Context, st domain.TaskState, stateChanged bool) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=taskstate.save id=%s: encode: %w", st.TaskID, err)
	}
	if err := m.store.Set(ctx, domain.TaskStateKey(st.TaskID), string(raw), domain.TaskStateTTL); err != nil {
		return fmt.Errorf("op=taskstate.save id=%s: %w", st.TaskID, err)
	}
	_ = m.store.Publish(ctx, domain.ChannelTaskState(st.TaskID), string(raw))
	if stateChanged {
		reason := ""
		if n := len(st.History); n > 0 {
			reason = st.History[n-1].Reason
		}
		ev, _ := json.Marshal(statusEvent{
			TaskID:    st.TaskID,
			State:     string(st.State),
			Reason:    reason,
			Timestamp: st.UpdatedAt,
		})
		_ = m.store.Publish(ctx, domain.ChannelTaskStatus(st.TaskID), string(ev))
	}
	return nil
}
