package buildlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Buildline HTTP API client. It covers the agent loop:
// create a plan, pull tasks with NextStep, and steer the session with
// Approve/Reject/Pause/Resume/Rollback.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// FileChange describes one file a task touched.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// Task represents the API task model.
type Task struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Status      string       `json:"status"`
	Component   string       `json:"component,omitempty"`
	Files       []string     `json:"files,omitempty"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Phase is one layer of the plan.
type Phase struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tasks      []Task `json:"tasks"`
	Status     string `json:"status"`
	Checkpoint bool   `json:"checkpoint"`
}

// Plan is the full build plan for a project.
type Plan struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Description  string  `json:"description,omitempty"`
	Status       string  `json:"status"`
	CurrentPhase int     `json:"current_phase"`
	Phases       []Phase `json:"phases"`
	SessionID    string  `json:"session_id"`
}

// StepResult is what NextStep returns: either a task to run, a checkpoint
// hold, a blocked notice, or completion.
type StepResult struct {
	Task             *Task  `json:"task,omitempty"`
	Done             bool   `json:"done"`
	AwaitingApproval bool   `json:"awaiting_approval"`
	Blocked          bool   `json:"blocked"`
	Message          string `json:"message,omitempty"`
	PlanStatus       string `json:"plan_status"`
	CurrentPhase     int    `json:"current_phase"`
}

// StepReport carries the outcome of the previously handed-out task.
type StepReport struct {
	LastTaskID  string       `json:"last_task_id,omitempty"`
	Outcome     string       `json:"outcome,omitempty"`
	Error       string       `json:"error,omitempty"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
}

// RollbackResult reports a restore.
type RollbackResult struct {
	TaskID         string   `json:"task_id"`
	Restored       []string `json:"restored"`
	PendingRemoval []string `json:"pending_removal,omitempty"`
	PlanStatus     string   `json:"plan_status"`
}

// RiskReport summarizes session risk.
type RiskReport struct {
	SessionID       string  `json:"session_id"`
	Level           string  `json:"level"`
	FailedTasks     int     `json:"failed_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	TotalTasks      int     `json:"total_tasks"`
	CompletionRatio float64 `json:"completion_ratio"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePlan derives a plan from the project's component graph. The returned
// plan carries the session id for all further calls.
func (c *Client) CreatePlan(ctx context.Context, description string) (Plan, error) {
	body := map[string]any{}
	if description != "" {
		body["description"] = description
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.projectPath("plan"), body, &resp)
	return resp, err
}

// Plan fetches the project's current plan.
func (c *Client) Plan(ctx context.Context) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.projectPath("plan"), nil, &resp)
	return resp, err
}

// NextStep reports the previous task (pass a zero StepReport for the first
// call) and fetches the next step.
func (c *Client) NextStep(ctx context.Context, sessionID string, report StepReport) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "next"), report, &resp)
	return resp, err
}

// Approve releases a checkpoint hold.
func (c *Client) Approve(ctx context.Context, sessionID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "approve"), map[string]any{}, &resp)
	return resp, err
}

// Reject undoes the most recently completed task of the current phase.
func (c *Client) Reject(ctx context.Context, sessionID, reason string) (Plan, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "reject"), body, &resp)
	return resp, err
}

// Pause holds an active plan.
func (c *Client) Pause(ctx context.Context, sessionID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "pause"), map[string]any{}, &resp)
	return resp, err
}

// Resume lifts a manual pause.
func (c *Client) Resume(ctx context.Context, sessionID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "resume"), map[string]any{}, &resp)
	return resp, err
}

// Snapshot records pre-change copies of the files a task is about to touch.
func (c *Client) Snapshot(ctx context.Context, sessionID, taskID string, changes []FileChange) (string, error) {
	body := map[string]any{
		"task_id": taskID,
		"changes": changes,
	}
	var resp struct {
		Dir string `json:"dir"`
	}
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "snapshots"), body, &resp)
	return resp.Dir, err
}

// Rollback restores the most recent snapshot and marks its task rolled_back.
func (c *Client) Rollback(ctx context.Context, sessionID string) (RollbackResult, error) {
	var resp RollbackResult
	err := c.do(ctx, http.MethodPost, c.sessionPath(sessionID, "rollback"), map[string]any{}, &resp)
	return resp, err
}

// Risk returns the session risk report.
func (c *Client) Risk(ctx context.Context, sessionID string) (RiskReport, error) {
	var resp RiskReport
	err := c.do(ctx, http.MethodGet, c.sessionPath(sessionID, "risk"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) sessionPath(sessionID, p string) string {
	return fmt.Sprintf("v0/sessions/%s/%s", url.PathEscape(sessionID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
