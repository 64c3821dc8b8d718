package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
)

// Writer appends audit rows inside the caller's transaction, so an audit row
// exists exactly when the change it describes commits.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Actor identifies who caused an event.
type Actor struct {
	Type string
	Ref  string
}

// Event is one timeline entry to append.
type Event struct {
	TenantID string
	CaseID   string
	Type     string
	Actor    Actor
	Message  string
	Meta     EventPayload
}

func (w Writer) now() string {
	if w.Now == nil {
		return time.Now().UTC().Format(TimeLayout)
	}
	return w.Now().UTC().Format(TimeLayout)
}

// Append writes a timeline event and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt Event) (int64, error) {
	if evt.TenantID == "" || evt.Type == "" {
		return 0, fmt.Errorf("event requires tenant and type")
	}
	actorType := evt.Actor.Type
	if actorType == "" {
		actorType = domain.ActorSystem
	}
	payload := evt.Meta
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event meta: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO timeline_events(tenant_id,case_id,type,actor_type,actor_ref,message,meta_json,occurred_at) VALUES (?,?,?,?,?,?,?,?)`,
		evt.TenantID, nullable(evt.CaseID), evt.Type, actorType, nullable(evt.Actor.Ref), evt.Message, string(data), w.now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AppendDecision writes a write-once machine rationale record.
func (w Writer) AppendDecision(ctx context.Context, tx *sql.Tx, d domain.DecisionLog) (domain.DecisionLog, error) {
	if d.TenantID == "" || d.Kind == "" {
		return d, fmt.Errorf("decision requires tenant and kind")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.OccurredAt == "" {
		d.OccurredAt = w.now()
	}
	why, err := marshalMap(d.Why)
	if err != nil {
		return d, fmt.Errorf("marshal decision why: %w", err)
	}
	confidence, err := marshalMap(d.Confidence)
	if err != nil {
		return d, fmt.Errorf("marshal decision confidence: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decision_logs(id,tenant_id,case_id,kind,input_summary,output_summary,reasoning_text,why_json,confidence_json,occurred_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TenantID, nullable(d.CaseID), d.Kind, d.InputSummary, d.OutputSummary, nullable(d.ReasoningText), why, confidence, d.OccurredAt)
	return d, err
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	return string(data), err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
