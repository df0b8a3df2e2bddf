package server

import (
	"encoding/json"

	"buildline/internal/config"
	"buildline/internal/domain"
)

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind,omitempty"`
	Description *string `json:"description,omitempty"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ComponentRequest struct {
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty"`
}

type ComponentResponse struct {
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on"`
	Files       []string `json:"files"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

type CreatePlanRequest struct {
	Description *string `json:"description,omitempty"`
}

type PlanResponse struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	CurrentPhase int            `json:"current_phase"`
	Phases       []domain.Phase `json:"phases"`
	SessionID    string         `json:"session_id"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

type NextStepRequest struct {
	LastTaskID  string              `json:"last_task_id,omitempty"`
	Outcome     string              `json:"outcome,omitempty" enum:"completed,failed"`
	Error       string              `json:"error,omitempty"`
	FileChanges []domain.FileChange `json:"file_changes,omitempty"`
}

type NextStepResponse struct {
	Task             *domain.Task `json:"task,omitempty"`
	Done             bool         `json:"done"`
	AwaitingApproval bool         `json:"awaiting_approval"`
	Blocked          bool         `json:"blocked"`
	Message          string       `json:"message,omitempty"`
	PlanStatus       string       `json:"plan_status"`
	CurrentPhase     int          `json:"current_phase"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SnapshotRequest struct {
	TaskID  string              `json:"task_id"`
	Changes []domain.FileChange `json:"changes"`
}

type SnapshotResponse struct {
	Dir string `json:"dir"`
}

type RollbackResponse struct {
	TaskID         string   `json:"task_id"`
	Restored       []string `json:"restored"`
	PendingRemoval []string `json:"pending_removal,omitempty"`
	PlanStatus     string   `json:"plan_status"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind,omitempty"`
	} `json:"project"`
	Build struct {
		CheckpointEveryPhase bool   `json:"checkpoint_every_phase"`
		TaskPrefix           string `json:"task_prefix"`
	} `json:"build"`
	Risk struct {
		HighFailedTasks       int     `json:"high_failed_tasks"`
		MediumCompletionRatio float64 `json:"medium_completion_ratio"`
	} `json:"risk"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func componentResponse(c domain.Component) ComponentResponse {
	return ComponentResponse{
		ProjectID:   c.ProjectID,
		Name:        c.Name,
		Description: c.Description,
		DependsOn:   nonNilSlice(c.DependsOn),
		Files:       nonNilSlice(c.Files),
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func planResponse(p domain.BuildPlan) PlanResponse {
	return PlanResponse{
		ID:           p.ID,
		ProjectID:    p.ProjectID,
		Description:  p.Description,
		Status:       p.Status,
		CurrentPhase: p.CurrentPhase,
		Phases:       p.Phases,
		SessionID:    p.SessionID,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.Build.CheckpointEveryPhase = cfg.CheckpointEveryPhase()
	res.Build.TaskPrefix = cfg.TaskPrefix()
	res.Risk.HighFailedTasks = cfg.HighFailedTasks()
	res.Risk.MediumCompletionRatio = cfg.MediumCompletionRatio()
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapComponents(items []domain.Component) []ComponentResponse {
	res := make([]ComponentResponse, 0, len(items))
	for _, c := range items {
		res = append(res, componentResponse(c))
	}
	return res
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func strPtr(in string) *string {
	return &in
}
