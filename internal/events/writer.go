package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the audit log.
const (
	ProjectCreated = "project.created"
	RunCreated     = "run.created"
	RunRunning     = "run.running"
	RunSucceeded   = "run.succeeded"
	RunFailed      = "run.failed"
)

// Writer appends to the events table inside the caller's transaction so an event is
// recorded iff the change it describes commits.
type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, runID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,run_id,payload_json) VALUES (?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(projectID), nullable(runID), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// ForStatus maps a run status to its lifecycle event type.
func ForStatus(status string) string {
	return "run." + status
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
