// Package events appends to the project journal. Every plan mutation is
// recorded in the same transaction that persists the plan, so the journal
// replays the full scheduling history: creation, task hand-outs and reports,
// checkpoint holds, approvals, and rollbacks.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends journal rows. Now is injectable so tests get stable
// timestamps.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// EventPayload carries the free-form JSON details of one journal entry, such
// as the task id and phase of a report or the components of a cycle.
type EventPayload map[string]any

// Append writes one event inside the caller's transaction. Empty project and
// entity ids are stored as NULL; a nil payload becomes an empty object.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
