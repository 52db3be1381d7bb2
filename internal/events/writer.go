package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends rows to the events table inside the caller's transaction,
// so an event row exists exactly when the state change it records does.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one event to record. PipelineID and EntityID may be empty for
// events not tied to a pipeline or entity.
type Entry struct {
	Type       string
	PipelineID string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := entry.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,pipeline_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), entry.Type,
		nullable(entry.PipelineID), entry.EntityKind, nullable(entry.EntityID),
		entry.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
