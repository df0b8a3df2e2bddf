package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Component is one node of a project's architecture graph. Dependencies
// reference other component names in the same project; unknown names are
// ignored during phase derivation.
type Component struct {
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action" enum:"created,modified,deleted"`
}

type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Status      string       `json:"status" enum:"pending,in_progress,completed,failed,rolled_back"`
	Component   string       `json:"component,omitempty"`
	Files       []string     `json:"files,omitempty"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
	StartedAt   *string      `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string      `json:"completed_at,omitempty" format:"date-time"`
	Error       string       `json:"error,omitempty"`
}

// Phase status is derived from its tasks and never set directly.
type Phase struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Tasks       []Task `json:"tasks"`
	Status      string `json:"status" enum:"pending,in_progress,completed,failed"`
	Checkpoint  bool   `json:"checkpoint"`
}

// BuildPlan is the full persisted build record for one project. A project has
// at most one active plan; creating a new one supersedes the previous record.
type BuildPlan struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status" enum:"planning,in_progress,paused,completed,failed"`
	CurrentPhase int     `json:"current_phase"`
	Phases       []Phase `json:"phases"`
	SessionID    string  `json:"session_id"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TaskRef locates a task inside a plan by phase/position.
type TaskRef struct {
	PhaseIndex int `json:"phase_index"`
	TaskIndex  int `json:"task_index"`
}

// FindTask returns the task with the given id, or nil if absent.
func (p *BuildPlan) FindTask(id string) (*Task, TaskRef) {
	for pi := range p.Phases {
		for ti := range p.Phases[pi].Tasks {
			if p.Phases[pi].Tasks[ti].ID == id {
				return &p.Phases[pi].Tasks[ti], TaskRef{PhaseIndex: pi, TaskIndex: ti}
			}
		}
	}
	return nil, TaskRef{PhaseIndex: -1, TaskIndex: -1}
}

// TaskCount returns the total number of tasks across all phases.
func (p *BuildPlan) TaskCount() int {
	n := 0
	for i := range p.Phases {
		n += len(p.Phases[i].Tasks)
	}
	return n
}

// CountTasksByStatus tallies tasks per status across the whole plan.
func (p *BuildPlan) CountTasksByStatus() map[string]int {
	counts := map[string]int{}
	for pi := range p.Phases {
		for ti := range p.Phases[pi].Tasks {
			counts[p.Phases[pi].Tasks[ti].Status]++
		}
	}
	return counts
}
