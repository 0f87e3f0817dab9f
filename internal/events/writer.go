package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Workflow event types written by the refinement loop.
const (
	WorkflowStarted   = "workflow.started"
	WorkflowDraft     = "workflow.draft"
	WorkflowAwaiting  = "workflow.awaiting"
	WorkflowReviewed  = "workflow.reviewed"
	WorkflowCompleted = "workflow.completed"
	WorkflowFailed    = "workflow.failed"
	WorkflowAborted   = "workflow.aborted"
)

// Terminal lists the event types that end a session.
var Terminal = []string{WorkflowCompleted, WorkflowFailed, WorkflowAborted}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event in the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, itemID, sessionID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,item_id,session_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(itemID), nullable(sessionID), string(data))
	return err
}

// Record appends an event in its own transaction.
func (w Writer) Record(ctx context.Context, evtType, itemID, sessionID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, itemID, sessionID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
