package engine

import (
	"context"
	"fmt"

	"buildline/internal/domain"
	"buildline/internal/events"
)

// Pause holds an active plan so no further tasks are handed out until it is
// approved or resumed.
func (e Engine) Pause(ctx context.Context, sessionID, actorID string) (domain.BuildPlan, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	switch plan.Status {
	case "planning", "in_progress":
	default:
		return domain.BuildPlan{}, fmt.Errorf("%w: cannot pause a %s plan", ErrPrecondition, plan.Status)
	}
	plan.Status = "paused"
	plan.UpdatedAt = e.now()
	evt := planEvent{Type: "plan.paused", EntityID: plan.ID, Payload: events.EventPayload{"reason": "manual"}}
	if err := e.savePlan(ctx, plan, actorID, []planEvent{evt}); err != nil {
		return domain.BuildPlan{}, err
	}
	return plan, nil
}

// Approve releases a checkpoint hold. If the current phase is complete the
// plan pointer moves to the next phase; scheduling resumes on the next
// NextStep call.
func (e Engine) Approve(ctx context.Context, sessionID, actorID string) (domain.BuildPlan, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	if plan.Status != "paused" {
		return domain.BuildPlan{}, fmt.Errorf("%w: cannot approve a %s plan", ErrPrecondition, plan.Status)
	}
	approvedPhase := plan.Phases[plan.CurrentPhase].ID
	if plan.Phases[plan.CurrentPhase].Status == "completed" && plan.CurrentPhase+1 < len(plan.Phases) {
		plan.CurrentPhase++
	}
	plan.Status = "in_progress"
	plan.UpdatedAt = e.now()
	evt := planEvent{Type: "plan.approved", EntityID: plan.ID, Payload: events.EventPayload{"phase": approvedPhase}}
	if err := e.savePlan(ctx, plan, actorID, []planEvent{evt}); err != nil {
		return domain.BuildPlan{}, err
	}
	return plan, nil
}

// Reject undoes the most recently completed task of the current phase,
// returning it to pending. The plan stays paused so the caller can reject
// further steps or approve what remains.
func (e Engine) Reject(ctx context.Context, sessionID, reason, actorID string) (domain.BuildPlan, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	if plan.Status != "paused" {
		return domain.BuildPlan{}, fmt.Errorf("%w: cannot reject a %s plan", ErrPrecondition, plan.Status)
	}
	target := lastCompletedInPhase(&plan, plan.CurrentPhase)
	if target == nil {
		return domain.BuildPlan{}, fmt.Errorf("%w: no completed task in phase %s to reject", ErrPrecondition, plan.Phases[plan.CurrentPhase].ID)
	}
	target.Status = "pending"
	target.CompletedAt = nil
	refreshPhases(&plan)
	plan.UpdatedAt = e.now()
	evt := planEvent{
		Type:     "plan.rejected",
		EntityID: plan.ID,
		Payload:  events.EventPayload{"task_id": target.ID, "reason": reason},
	}
	if err := e.savePlan(ctx, plan, actorID, []planEvent{evt}); err != nil {
		return domain.BuildPlan{}, err
	}
	return plan, nil
}

// Resume is Approve without the phase advance: it lifts a manual pause and
// continues work inside the current phase.
func (e Engine) Resume(ctx context.Context, sessionID, actorID string) (domain.BuildPlan, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	if plan.Status != "paused" {
		return domain.BuildPlan{}, fmt.Errorf("%w: cannot resume a %s plan", ErrPrecondition, plan.Status)
	}
	plan.Status = "in_progress"
	plan.UpdatedAt = e.now()
	evt := planEvent{Type: "plan.resumed", EntityID: plan.ID, Payload: events.EventPayload{}}
	if err := e.savePlan(ctx, plan, actorID, []planEvent{evt}); err != nil {
		return domain.BuildPlan{}, err
	}
	return plan, nil
}

// lastCompletedInPhase returns the completed task with the latest
// CompletedAt in the given phase, scanning in reverse position order so ties
// resolve to the most recently scheduled task.
func lastCompletedInPhase(p *domain.BuildPlan, phase int) *domain.Task {
	var best *domain.Task
	tasks := p.Phases[phase].Tasks
	for ti := len(tasks) - 1; ti >= 0; ti-- {
		t := &tasks[ti]
		if t.Status != "completed" || t.CompletedAt == nil {
			continue
		}
		if best == nil || *t.CompletedAt > *best.CompletedAt {
			best = t
		}
	}
	return best
}

type RiskReport struct {
	SessionID       string  `json:"session_id"`
	Level           string  `json:"level" enum:"low,medium,high"`
	FailedTasks     int     `json:"failed_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	TotalTasks      int     `json:"total_tasks"`
	CompletionRatio float64 `json:"completion_ratio"`
}

// Risk summarizes how troubled a session is, from task failure counts and
// overall completion. Thresholds come from the project config.
func (e Engine) Risk(ctx context.Context, sessionID string) (RiskReport, error) {
	plan, err := e.Repo.GetPlanBySession(ctx, sessionID)
	if err != nil {
		return RiskReport{}, err
	}
	cfg := e.cfg()
	counts := plan.CountTasksByStatus()
	total := plan.TaskCount()
	report := RiskReport{
		SessionID:      sessionID,
		FailedTasks:    counts["failed"],
		CompletedTasks: counts["completed"],
		TotalTasks:     total,
	}
	if total > 0 {
		report.CompletionRatio = float64(counts["completed"]) / float64(total)
	}
	switch {
	case report.FailedTasks >= cfg.HighFailedTasks():
		report.Level = "high"
	case report.FailedTasks > 0 || (plan.Status == "in_progress" && report.CompletionRatio < cfg.MediumCompletionRatio()):
		report.Level = "medium"
	default:
		report.Level = "low"
	}
	return report, nil
}
