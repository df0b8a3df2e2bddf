package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/engine"
	"buildline/internal/migrate"
	"buildline/internal/repo"
	"buildline/internal/snapshot"
)

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Workspace string
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default("proj-1")
	}
	eng := engine.New(conn, cfg, workspace)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertProject(ctx, domain.Project{
		ID:        "proj-1",
		Kind:      "software-project",
		Status:    "active",
		CreatedAt: eng.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := eng.Repo.UpsertProjectConfig(ctx, "proj-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Workspace: workspace}
}

func seedComponents(t *testing.T, env testEnv, components ...domain.Component) {
	t.Helper()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	for _, c := range components {
		c.CreatedAt = now
		c.UpdatedAt = now
		if err := env.Engine.Repo.UpsertComponent(env.Ctx, c); err != nil {
			t.Fatalf("upsert component %s: %v", c.Name, err)
		}
	}
}

func noCheckpointConfig() *config.Config {
	cfg := config.Default("proj-1")
	off := false
	cfg.Build.CheckpointEveryPhase = &off
	return cfg
}

func TestCreatePlanEmptyGraph(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if !errors.Is(err, engine.ErrEmptyGraph) {
		t.Fatalf("expected ErrEmptyGraph, got %v", err)
	}
}

func TestCreatePlanDiamond(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env,
		component("api", "auth", "store"),
		component("auth", "core"),
		component("store", "core"),
		component("core"),
	)
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "initial build", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Status != "planning" || plan.SessionID == "" {
		t.Fatalf("unexpected plan header: status=%s session=%q", plan.Status, plan.SessionID)
	}
	if len(plan.Phases) != 3 || plan.TaskCount() != 4 {
		t.Fatalf("expected 3 phases / 4 tasks, got %d / %d", len(plan.Phases), plan.TaskCount())
	}

	loaded, err := env.Engine.Repo.GetPlanBySession(env.Ctx, plan.SessionID)
	if err != nil {
		t.Fatalf("load by session: %v", err)
	}
	if loaded.ID != plan.ID || loaded.TaskCount() != 4 {
		t.Fatalf("session lookup mismatch: %s / %d tasks", loaded.ID, loaded.TaskCount())
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "plan.created", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one plan.created event, got %d (%v)", len(evts), err)
	}
}

func TestCreatePlanSupersedesPrevious(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"))
	first, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("first plan: %v", err)
	}
	second, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("second plan: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected a fresh session id")
	}
	current, err := env.Engine.Repo.GetPlanByProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if current.ID != second.ID {
		t.Fatalf("expected second plan to supersede, got %s", current.ID)
	}
	if _, err := env.Engine.Repo.GetPlanBySession(env.Ctx, first.SessionID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected stale session gone, got %v", err)
	}
}

func TestCreatePlanReportsCycle(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("a", "b"), component("b", "a"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.TaskCount() != 2 {
		t.Fatalf("cycle members must still be placed, got %d tasks", plan.TaskCount())
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "plan.cycle_detected", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one plan.cycle_detected event, got %d (%v)", len(evts), err)
	}
}

func TestNextStepIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("auth", "core"), component("core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	first, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: plan.SessionID})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first.Task == nil || first.Task.ID != "task-0-0" || first.Task.Status != "in_progress" {
		t.Fatalf("expected task-0-0 in progress, got %+v", first.Task)
	}
	if first.Plan.Status != "in_progress" || first.Plan.CurrentPhase != 0 {
		t.Fatalf("plan not advanced: %s phase %d", first.Plan.Status, first.Plan.CurrentPhase)
	}

	second, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: plan.SessionID})
	if err != nil {
		t.Fatalf("repeat next: %v", err)
	}
	if second.Task == nil || second.Task.ID != first.Task.ID {
		t.Fatalf("expected the same task again, got %+v", second.Task)
	}
}

func TestNextStepUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: "nope"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNextStepRejectsReportForUnstartedTask(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	_, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  plan.SessionID,
		LastTaskID: "task-0-0",
		Outcome:    "completed",
	})
	if !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"), component("auth", "core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	res, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid})
	if err != nil || res.Task == nil || res.Task.Component != "core" {
		t.Fatalf("expected core task, got %+v (%v)", res.Task, err)
	}

	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "completed",
	})
	if err != nil {
		t.Fatalf("report core: %v", err)
	}
	if !res.AwaitingApproval || res.Plan.Status != "paused" {
		t.Fatalf("expected checkpoint hold, got %+v", res)
	}

	// A duplicate report of a settled task is ignored, not an error.
	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "completed",
	})
	if err != nil || !res.AwaitingApproval {
		t.Fatalf("duplicate report: %+v (%v)", res, err)
	}

	approved, err := env.Engine.Approve(env.Ctx, sid, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "in_progress" || approved.CurrentPhase != 1 {
		t.Fatalf("expected phase advance, got %s phase %d", approved.Status, approved.CurrentPhase)
	}

	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid})
	if err != nil || res.Task == nil || res.Task.Component != "auth" {
		t.Fatalf("expected auth task, got %+v (%v)", res.Task, err)
	}

	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: res.Task.ID,
		Outcome:    "completed",
	})
	if err != nil {
		t.Fatalf("report auth: %v", err)
	}
	if !res.Done || res.Plan.Status != "completed" {
		t.Fatalf("expected completion, got %+v", res)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "plan.completed", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one plan.completed event, got %d (%v)", len(evts), err)
	}

	risk, err := env.Engine.Risk(env.Ctx, sid)
	if err != nil || risk.Level != "low" || risk.CompletionRatio != 1 {
		t.Fatalf("expected low risk on a finished plan, got %+v (%v)", risk, err)
	}
}

func TestRejectRevertsLastCompletedTask(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"), component("auth", "core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid}); err != nil {
		t.Fatalf("next: %v", err)
	}
	res, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "completed",
	})
	if err != nil || !res.AwaitingApproval {
		t.Fatalf("expected checkpoint hold: %+v (%v)", res, err)
	}

	rejected, err := env.Engine.Reject(env.Ctx, sid, "wrong direction", "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	task, _ := rejected.FindTask("task-0-0")
	if task.Status != "pending" || task.CompletedAt != nil {
		t.Fatalf("expected task reverted, got %+v", task)
	}
	if rejected.Status != "paused" || rejected.Phases[0].Status != "pending" {
		t.Fatalf("expected paused plan with pending phase, got %s / %s", rejected.Status, rejected.Phases[0].Status)
	}

	// Nothing left to reject in the current phase.
	if _, err := env.Engine.Reject(env.Ctx, sid, "", "reviewer"); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	resumed, err := env.Engine.Resume(env.Ctx, sid, "reviewer")
	if err != nil || resumed.Status != "in_progress" {
		t.Fatalf("resume: %+v (%v)", resumed.Status, err)
	}
	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid})
	if err != nil || res.Task == nil || res.Task.ID != "task-0-0" {
		t.Fatalf("expected rejected task handed out again, got %+v (%v)", res.Task, err)
	}
}

func TestPauseResumePreconditions(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	paused, err := env.Engine.Pause(env.Ctx, sid, "operator")
	if err != nil || paused.Status != "paused" {
		t.Fatalf("pause: %s (%v)", paused.Status, err)
	}
	if _, err := env.Engine.Pause(env.Ctx, sid, "operator"); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected double pause rejected, got %v", err)
	}

	res, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid})
	if err != nil || !res.AwaitingApproval {
		t.Fatalf("expected hold while paused, got %+v (%v)", res, err)
	}

	resumed, err := env.Engine.Resume(env.Ctx, sid, "operator")
	if err != nil || resumed.Status != "in_progress" {
		t.Fatalf("resume: %s (%v)", resumed.Status, err)
	}
	if _, err := env.Engine.Resume(env.Ctx, sid, "operator"); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected double resume rejected, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, sid, "operator"); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected approve on active plan rejected, got %v", err)
	}
}

func TestFailedTaskBlocksDependents(t *testing.T) {
	env := newTestEnv(t, noCheckpointConfig())
	seedComponents(t, env, component("core"), component("auth", "core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid}); err != nil {
		t.Fatalf("next: %v", err)
	}
	res, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "failed",
		Error:      "compile error",
	})
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if !res.Blocked || res.Plan.Status != "failed" {
		t.Fatalf("expected blocked failed plan, got %+v", res)
	}
	task, _ := res.Plan.FindTask("task-0-0")
	if task.Status != "failed" || task.Error != "compile error" {
		t.Fatalf("failure not recorded: %+v", task)
	}
	if res.Plan.Phases[0].Status != "failed" {
		t.Fatalf("expected failed phase, got %s", res.Plan.Phases[0].Status)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "proj-1", "plan.task.failed", "", "")
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one plan.task.failed event, got %d (%v)", len(evts), err)
	}
}

func TestRetryFailedTask(t *testing.T) {
	env := newTestEnv(t, noCheckpointConfig())
	seedComponents(t, env, component("core"), component("auth", "core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid}); err != nil {
		t.Fatalf("next: %v", err)
	}
	res, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "failed",
		Error:      "flaky toolchain",
	})
	if err != nil || !res.Blocked || res.Plan.Status != "failed" {
		t.Fatalf("expected blocked failed plan, got %+v (%v)", res, err)
	}

	// Reporting the same failure again is a no-op, not an error.
	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "failed",
		Error:      "flaky toolchain",
	})
	if err != nil || !res.Blocked {
		t.Fatalf("duplicate failure report: %+v (%v)", res, err)
	}

	// A new completed report against the failed task id retries it.
	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "completed",
	})
	if err != nil {
		t.Fatalf("retry report: %v", err)
	}
	core, _ := res.Plan.FindTask("task-0-0")
	if core.Status != "completed" || core.Error != "" {
		t.Fatalf("expected retried task completed with error cleared, got %+v", core)
	}
	if res.Task == nil || res.Task.Component != "auth" {
		t.Fatalf("expected auth unblocked after retry, got %+v", res.Task)
	}
	if res.Plan.Status != "in_progress" {
		t.Fatalf("expected plan active again, got %s", res.Plan.Status)
	}

	res, err = env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: res.Task.ID,
		Outcome:    "completed",
	})
	if err != nil || !res.Done || res.Plan.Status != "completed" {
		t.Fatalf("expected completion after retry, got %+v (%v)", res, err)
	}
}

func TestRiskLevels(t *testing.T) {
	cfg := noCheckpointConfig()
	cfg.Risk.HighFailedTasks = 1
	env := newTestEnv(t, cfg)
	seedComponents(t, env,
		component("api", "auth", "store"),
		component("auth", "core"),
		component("store", "core"),
		component("core"),
	)
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	risk, err := env.Engine.Risk(env.Ctx, sid)
	if err != nil || risk.Level != "low" {
		t.Fatalf("fresh plan should be low, got %+v (%v)", risk, err)
	}

	// An active plan with nothing finished yet sits below the completion bar.
	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid}); err != nil {
		t.Fatalf("next: %v", err)
	}
	risk, err = env.Engine.Risk(env.Ctx, sid)
	if err != nil || risk.Level != "medium" {
		t.Fatalf("expected medium on low completion, got %+v (%v)", risk, err)
	}

	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{
		SessionID:  sid,
		LastTaskID: "task-0-0",
		Outcome:    "failed",
		Error:      "boom",
	}); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	risk, err = env.Engine.Risk(env.Ctx, sid)
	if err != nil || risk.Level != "high" || risk.FailedTasks != 1 {
		t.Fatalf("expected high after failure, got %+v (%v)", risk, err)
	}
}

func TestRollbackRestoresWorkspace(t *testing.T) {
	env := newTestEnv(t, noCheckpointConfig())
	seedComponents(t, env, component("core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	sid := plan.SessionID

	target := filepath.Join(env.Workspace, "main.txt")
	if err := os.WriteFile(target, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	// Snapshots may only be taken for the task currently in progress.
	changes := []snapshot.Change{{Path: target, Action: "modified"}}
	if _, err := env.Engine.PrepareRollback(env.Ctx, sid, "task-0-0", changes); !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error before start, got %v", err)
	}

	if _, err := env.Engine.NextStep(env.Ctx, engine.NextStepOptions{SessionID: sid}); err != nil {
		t.Fatalf("next: %v", err)
	}
	dir, err := env.Engine.PrepareRollback(env.Ctx, sid, "task-0-0", changes)
	if err != nil || dir == "" {
		t.Fatalf("prepare rollback: %q (%v)", dir, err)
	}

	if err := os.WriteFile(target, []byte("v2"), 0o644); err != nil {
		t.Fatalf("mutate file: %v", err)
	}

	res, err := env.Engine.RollbackLastStep(env.Ctx, sid, "operator")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.TaskID != "task-0-0" {
		t.Fatalf("unexpected rolled back task %s", res.TaskID)
	}
	data, err := os.ReadFile(target)
	if err != nil || string(data) != "v1" {
		t.Fatalf("expected restored content, got %q (%v)", data, err)
	}
	task, _ := res.Plan.FindTask("task-0-0")
	if task.Status != "rolled_back" {
		t.Fatalf("expected rolled_back status, got %s", task.Status)
	}
	if res.Plan.Status != "paused" {
		t.Fatalf("expected plan paused after rollback, got %s", res.Plan.Status)
	}
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	seedComponents(t, env, component("core"))
	plan, err := env.Engine.CreatePlan(env.Ctx, "proj-1", "", "tester")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	_, err = env.Engine.RollbackLastStep(env.Ctx, plan.SessionID, "operator")
	if !errors.Is(err, engine.ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}
