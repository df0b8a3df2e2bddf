package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"buildline/internal/config"
	"buildline/internal/domain"
	"buildline/internal/events"
	"buildline/internal/repo"
)

var (
	// ErrEmptyGraph is returned when a plan is requested for a project with
	// no components.
	ErrEmptyGraph = errors.New("no components defined")
	// ErrPrecondition is returned when an operation is invalid in the plan's
	// current state.
	ErrPrecondition = errors.New("precondition failed")
)

var errNotFoundTask = repo.ErrNotFound

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string
	Now       func() time.Time
}

func New(dbc *sql.DB, cfg *config.Config, workspace string) Engine {
	return Engine{
		DB:        dbc,
		Repo:      repo.Repo{DB: dbc},
		Events:    events.Writer{DB: dbc},
		Config:    cfg,
		Workspace: workspace,
		Now:       time.Now,
	}
}

func (e Engine) now() string {
	if e.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return e.Now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default("")
}

type planEvent struct {
	Type     string
	EntityID string
	Payload  events.EventPayload
}

// savePlan persists the plan and appends the given events in one transaction.
func (e Engine) savePlan(ctx context.Context, p domain.BuildPlan, actorID string, evts []planEvent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPlanTx(ctx, tx, p); err != nil {
		return err
	}
	writer := e.Events
	writer.Now = e.Now
	for _, evt := range evts {
		if err := writer.Append(ctx, tx, evt.Type, p.ProjectID, "plan", evt.EntityID, actorID, evt.Payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreatePlan derives a phased build plan from the project's component graph
// and persists it, superseding any previous plan for the project. The
// returned plan carries a fresh session id; all later plan operations are
// addressed by that id.
func (e Engine) CreatePlan(ctx context.Context, projectID, description, actorID string) (domain.BuildPlan, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.BuildPlan{}, err
	}
	components, err := e.Repo.ListComponents(ctx, projectID)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	if len(components) == 0 {
		return domain.BuildPlan{}, fmt.Errorf("project %s: %w", projectID, ErrEmptyGraph)
	}

	cfg := e.cfg()
	res := DerivePhases(components, DeriveOptions{
		TaskPrefix:           cfg.TaskPrefix(),
		CheckpointEveryPhase: cfg.CheckpointEveryPhase(),
	})
	now := e.now()
	plan := domain.BuildPlan{
		ID:           "plan-" + uuid.NewString(),
		ProjectID:    projectID,
		Description:  description,
		Status:       "planning",
		CurrentPhase: 0,
		Phases:       res.Phases,
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	evts := []planEvent{{
		Type:     "plan.created",
		EntityID: plan.ID,
		Payload: events.EventPayload{
			"session_id": plan.SessionID,
			"phases":     len(plan.Phases),
			"tasks":      plan.TaskCount(),
		},
	}}
	if len(res.Cycles) > 0 {
		evts = append(evts, planEvent{
			Type:     "plan.cycle_detected",
			EntityID: plan.ID,
			Payload:  events.EventPayload{"components": res.Cycles},
		})
	}
	if err := e.savePlan(ctx, plan, actorID, evts); err != nil {
		return domain.BuildPlan{}, err
	}
	return plan, nil
}

type NextStepOptions struct {
	SessionID   string
	LastTaskID  string
	Outcome     string
	Error       string
	FileChanges []domain.FileChange
}

type NextStepResult struct {
	Plan             domain.BuildPlan
	Task             *domain.Task
	Done             bool
	AwaitingApproval bool
	Blocked          bool
	Message          string
}

// NextStep is the single scheduling entry point: it optionally records the
// outcome of the previously handed-out task, then returns the next runnable
// task, a checkpoint hold, a blocked notice, or completion. Calling it again
// without reporting returns the same in_progress task. A failed task accepts
// a fresh report against the same id, so retries are explicit.
func (e Engine) NextStep(ctx context.Context, opts NextStepOptions) (NextStepResult, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, opts.SessionID)
	if err != nil {
		return NextStepResult{}, err
	}
	now := e.now()
	var evts []planEvent
	phaseJustCompleted := false

	if opts.LastTaskID != "" {
		t, _ := plan.FindTask(opts.LastTaskID)
		if t == nil {
			return NextStepResult{}, fmt.Errorf("task %s: %w", opts.LastTaskID, errNotFoundTask)
		}
		record := func() error {
			done, ref, err := applyOutcome(&plan, opts.LastTaskID, opts.Outcome, opts.Error, opts.FileChanges, now)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrPrecondition, err)
			}
			phaseJustCompleted = done
			evtType := "plan.task.completed"
			payload := events.EventPayload{"task_id": t.ID, "component": t.Component, "phase": plan.Phases[ref.PhaseIndex].ID}
			if opts.Outcome == "failed" {
				evtType = "plan.task.failed"
				payload["error"] = opts.Error
			}
			evts = append(evts, planEvent{Type: evtType, EntityID: plan.ID, Payload: payload})
			return nil
		}
		switch t.Status {
		case "in_progress":
			if err := record(); err != nil {
				return NextStepResult{}, err
			}
		case opts.Outcome:
			// Duplicate report for an already-settled task; ignore.
		case "failed":
			// Retry is an explicit new report against the same task id.
			if err := record(); err != nil {
				return NextStepResult{}, err
			}
		default:
			return NextStepResult{}, fmt.Errorf("%w: task %s is %s, cannot report %s", ErrPrecondition, t.ID, t.Status, opts.Outcome)
		}
	}

	res := NextStepResult{}
	switch {
	case plan.Status == "paused":
		res.AwaitingApproval = true
		res.Message = "plan is paused awaiting approval"
	case planComplete(&plan):
		if plan.Status != "completed" {
			plan.Status = "completed"
			plan.UpdatedAt = now
			evts = append(evts, planEvent{Type: "plan.completed", EntityID: plan.ID, Payload: events.EventPayload{"tasks": plan.TaskCount()}})
		}
		res.Done = true
		res.Message = "all tasks completed"
	case phaseJustCompleted && plan.Phases[plan.CurrentPhase].Checkpoint:
		plan.Status = "paused"
		plan.UpdatedAt = now
		evts = append(evts, planEvent{
			Type:     "plan.paused",
			EntityID: plan.ID,
			Payload:  events.EventPayload{"reason": "checkpoint", "phase": plan.Phases[plan.CurrentPhase].ID},
		})
		res.AwaitingApproval = true
		res.Message = fmt.Sprintf("phase %s completed; approval required", plan.Phases[plan.CurrentPhase].ID)
	default:
		if t, _ := inProgressTask(&plan); t != nil {
			res.Task = t
			res.Message = "task already in progress"
			break
		}
		t, ref := findNextTask(&plan)
		if t == nil {
			counts := plan.CountTasksByStatus()
			if counts["failed"] > 0 {
				if plan.Status != "failed" {
					plan.Status = "failed"
					plan.UpdatedAt = now
				}
				res.Message = fmt.Sprintf("no runnable tasks: %d failed, %d blocked", counts["failed"], counts["pending"])
			} else {
				res.Message = "no runnable tasks"
			}
			res.Blocked = true
			break
		}
		advance(&plan, ref, now)
		evts = append(evts, planEvent{
			Type:     "plan.task.started",
			EntityID: plan.ID,
			Payload:  events.EventPayload{"task_id": t.ID, "component": t.Component, "phase": plan.Phases[ref.PhaseIndex].ID},
		})
		res.Task = t
	}

	if err := e.savePlan(ctx, plan, "agent", evts); err != nil {
		return NextStepResult{}, err
	}
	res.Plan = plan
	return res, nil
}
