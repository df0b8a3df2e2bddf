package engine

import (
	"context"
	"fmt"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/snapshot"
)

func (e Engine) recorder() snapshot.Recorder {
	return snapshot.Recorder{Root: db.RollbackRoot(e.Workspace), Now: e.Now}
}

// PrepareRollback snapshots the files a task is about to change. Call it
// before mutating the workspace; the saved copies back RollbackLastStep.
func (e Engine) PrepareRollback(ctx context.Context, sessionID, taskID string, changes []snapshot.Change) (string, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	t, _ := plan.FindTask(taskID)
	if t == nil {
		return "", fmt.Errorf("task %s: %w", taskID, errNotFoundTask)
	}
	if t.Status != "in_progress" {
		return "", fmt.Errorf("%w: task %s is %s, snapshots are taken while in progress", ErrPrecondition, taskID, t.Status)
	}
	return e.recorder().Record(sessionID, taskID, changes)
}

type RollbackResult struct {
	Plan     domain.BuildPlan
	TaskID   string
	Restored snapshot.RestoreResult
}

// RollbackLastStep restores the most recent snapshot of the session and marks
// the snapshotted task rolled_back. The plan pauses afterwards so the caller
// decides how to proceed.
func (e Engine) RollbackLastStep(ctx context.Context, sessionID, actorID string) (RollbackResult, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return RollbackResult{}, err
	}
	dir, manifest, err := e.recorder().Latest(sessionID)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	restored, err := snapshot.Restore(dir)
	if err != nil {
		return RollbackResult{}, err
	}
	t, _ := plan.FindTask(manifest.TaskID)
	if t == nil {
		return RollbackResult{}, fmt.Errorf("snapshot task %s: %w", manifest.TaskID, errNotFoundTask)
	}
	t.Status = "rolled_back"
	t.Error = ""
	refreshPhases(&plan)
	plan.Status = "paused"
	plan.UpdatedAt = e.now()
	evt := planEvent{
		Type:     "plan.rolled_back",
		EntityID: plan.ID,
		Payload: events.EventPayload{
			"task_id":  t.ID,
			"snapshot": dir,
			"restored": len(restored.Restored),
		},
	}
	if err := e.savePlan(ctx, plan, actorID, []planEvent{evt}); err != nil {
		return RollbackResult{}, err
	}
	return RollbackResult{Plan: plan, TaskID: t.ID, Restored: restored}, nil
}
