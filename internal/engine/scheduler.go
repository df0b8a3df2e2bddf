package engine

import (
	"fmt"

	"buildline/internal/domain"
)

// findNextTask scans phases in order and returns the first pending task whose
// every dependency (looked up plan-wide by id) is completed. Pure: repeated
// calls without an intervening mutation return the same task.
func findNextTask(p *domain.BuildPlan) (*domain.Task, domain.TaskRef) {
	for pi := range p.Phases {
		for ti := range p.Phases[pi].Tasks {
			t := &p.Phases[pi].Tasks[ti]
			if t.Status != "pending" {
				continue
			}
			if depsCompleted(p, t) {
				return t, domain.TaskRef{PhaseIndex: pi, TaskIndex: ti}
			}
		}
	}
	return nil, domain.TaskRef{PhaseIndex: -1, TaskIndex: -1}
}

// inProgressTask returns the currently active task, if any. At most one task
// is in_progress per plan by construction.
func inProgressTask(p *domain.BuildPlan) (*domain.Task, domain.TaskRef) {
	for pi := range p.Phases {
		for ti := range p.Phases[pi].Tasks {
			if p.Phases[pi].Tasks[ti].Status == "in_progress" {
				return &p.Phases[pi].Tasks[ti], domain.TaskRef{PhaseIndex: pi, TaskIndex: ti}
			}
		}
	}
	return nil, domain.TaskRef{PhaseIndex: -1, TaskIndex: -1}
}

func depsCompleted(p *domain.BuildPlan, t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		depTask, _ := p.FindTask(dep)
		if depTask == nil || depTask.Status != "completed" {
			return false
		}
	}
	return true
}

// refreshPhases recomputes every phase's derived status. Runs unconditionally
// after any task mutation; phase status is never set directly.
func refreshPhases(p *domain.BuildPlan) {
	for pi := range p.Phases {
		phase := &p.Phases[pi]
		var completed, failed, active int
		for ti := range phase.Tasks {
			switch phase.Tasks[ti].Status {
			case "completed":
				completed++
			case "failed":
				failed++
			case "in_progress":
				active++
			}
		}
		switch {
		case len(phase.Tasks) > 0 && completed == len(phase.Tasks):
			phase.Status = "completed"
		case failed > 0:
			phase.Status = "failed"
		case active > 0 || completed > 0:
			phase.Status = "in_progress"
		default:
			phase.Status = "pending"
		}
	}
}

// applyOutcome records a completed/failed report for a task and recomputes
// derived state. It reports whether the task's phase transitioned to
// completed as a result of this call.
func applyOutcome(p *domain.BuildPlan, taskID, outcome, errMsg string, changes []domain.FileChange, now string) (phaseCompleted bool, ref domain.TaskRef, err error) {
	if outcome != "completed" && outcome != "failed" {
		return false, ref, fmt.Errorf("outcome must be completed or failed, got %q", outcome)
	}
	t, ref := p.FindTask(taskID)
	if t == nil {
		return false, ref, fmt.Errorf("task %s: %w", taskID, errNotFoundTask)
	}
	wasCompleted := p.Phases[ref.PhaseIndex].Status == "completed"
	t.Status = outcome
	t.CompletedAt = &now
	t.Error = errMsg
	if len(changes) > 0 {
		t.FileChanges = changes
	}
	refreshPhases(p)
	p.UpdatedAt = now
	nowCompleted := p.Phases[ref.PhaseIndex].Status == "completed"
	return !wasCompleted && nowCompleted, ref, nil
}

// advance marks the given task in_progress and moves the plan pointer to its
// phase.
func advance(p *domain.BuildPlan, ref domain.TaskRef, now string) {
	t := &p.Phases[ref.PhaseIndex].Tasks[ref.TaskIndex]
	t.Status = "in_progress"
	t.StartedAt = &now
	t.Error = ""
	p.Status = "in_progress"
	p.CurrentPhase = ref.PhaseIndex
	p.UpdatedAt = now
	refreshPhases(p)
}

// planComplete is true iff every task in every phase is completed.
func planComplete(p *domain.BuildPlan) bool {
	for pi := range p.Phases {
		for ti := range p.Phases[pi].Tasks {
			if p.Phases[pi].Tasks[ti].Status != "completed" {
				return false
			}
		}
	}
	return true
}
