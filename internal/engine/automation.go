package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/app"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// Outcome statuses.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// ActionOutcome records what one automation action did.
type ActionOutcome struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Status string `json:"status" enum:"ok,failed"`
	Error  string `json:"error,omitempty"`
	RefID  string `json:"ref_id,omitempty"`
}

type RunInput struct {
	Case    domain.Case
	From    string
	To      string
	Journey domain.Journey
	Actor   app.Actor
}

// Runner executes the declarative actions bound to a transition. Each action
// runs in its own savepoint so a failure undoes only that action.
type Runner struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() string
	Logger *log.Logger
}

func (e Engine) runner() Runner {
	return Runner{Repo: e.Repo, Events: e.events(), Now: e.timestamp, Logger: e.Logger}
}

// Run executes the actions declared for in.From -> in.To in order. It never
// stops early: every action gets an outcome.
func (r Runner) Run(ctx context.Context, tx *sql.Tx, in RunInput) []ActionOutcome {
	actions := in.Journey.ActionsFor(in.From, in.To)
	outcomes := make([]ActionOutcome, 0, len(actions))
	for i, action := range actions {
		out := ActionOutcome{Index: i, Kind: action.Kind, Status: OutcomeOK}
		ref, err := r.runOne(ctx, tx, i, in, action)
		if err != nil {
			out.Status = OutcomeFailed
			out.Error = err.Error()
			if r.Logger != nil {
				r.Logger.Printf("automation: case %s action %d (%s) failed: %v", in.Case.ID, i, action.Kind, err)
			}
		}
		out.RefID = ref
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (r Runner) runOne(ctx context.Context, tx *sql.Tx, index int, in RunInput, action domain.ActionSpec) (string, error) {
	sp := fmt.Sprintf("automation_%d", index)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return "", newError(CodeActionFailed, err.Error(), nil)
	}
	ref, err := r.execute(ctx, tx, in, action)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+sp); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE "+sp)
		return "", err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+sp); err != nil {
		return ref, newError(CodeActionFailed, err.Error(), nil)
	}
	return ref, nil
}

func (r Runner) execute(ctx context.Context, tx *sql.Tx, in RunInput, action domain.ActionSpec) (string, error) {
	switch action.Kind {
	case domain.ActionCreatePendency:
		return r.createPendency(ctx, tx, in, action.Params)
	case domain.ActionCreateTask:
		return r.createTask(ctx, tx, in, action.Params)
	case domain.ActionNotifyCustomer:
		return r.prepareMessage(ctx, tx, in, action.Params)
	case domain.ActionLogEvent:
		return r.logEvent(ctx, tx, in, action.Params)
	default:
		return "", newError(CodeActionFailed, fmt.Sprintf("unknown action kind %q", action.Kind), nil)
	}
}

func actionFailed(kind, format string, args ...any) error {
	return newError(CodeActionFailed, fmt.Sprintf(format, args...), map[string]any{"kind": kind})
}

func (r Runner) subEvent(ctx context.Context, tx *sql.Tx, in RunInput, evtType, message string, meta events.EventPayload) error {
	meta["from"] = in.From
	meta["to"] = in.To
	_, err := r.Events.Append(ctx, tx, events.Event{
		TenantID: in.Case.TenantID,
		CaseID:   in.Case.ID,
		Type:     evtType,
		Actor:    events.Actor{Type: domain.ActorSystem, Ref: "automation"},
		Message:  message,
		Meta:     meta,
	})
	return err
}

func (r Runner) createPendency(ctx context.Context, tx *sql.Tx, in RunInput, params map[string]any) (string, error) {
	question := paramString(params, "question")
	if question == "" {
		return "", actionFailed(domain.ActionCreatePendency, "question param is required")
	}
	now := r.Now()
	p := domain.Pendency{
		ID:           uuid.NewString(),
		TenantID:     in.Case.TenantID,
		CaseID:       in.Case.ID,
		Type:         paramStringDefault(params, "type", "checklist"),
		AssignedRole: paramString(params, "assigned_role"),
		QuestionText: question,
		Required:     paramBool(params, "required"),
		Status:       domain.PendencyOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.Repo.InsertPendency(ctx, tx, p); err != nil {
		return "", actionFailed(domain.ActionCreatePendency, "insert pendency: %v", err)
	}
	if err := r.subEvent(ctx, tx, in, "automation.pendency_created", question, events.EventPayload{
		"pendency_id": p.ID,
		"required":    p.Required,
	}); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (r Runner) createTask(ctx context.Context, tx *sql.Tx, in RunInput, params map[string]any) (string, error) {
	title := paramString(params, "title")
	if title == "" {
		return "", actionFailed(domain.ActionCreateTask, "title param is required")
	}
	t := domain.Task{
		ID:           uuid.NewString(),
		TenantID:     in.Case.TenantID,
		CaseID:       in.Case.ID,
		Title:        title,
		AssignedRole: paramString(params, "assigned_role"),
		Status:       "open",
		CreatedAt:    r.Now(),
	}
	if hours, ok := paramFloat(params, "due_in_hours"); ok && hours > 0 {
		created, err := time.Parse(events.TimeLayout, t.CreatedAt)
		if err == nil {
			due := created.Add(time.Duration(hours * float64(time.Hour))).Format(events.TimeLayout)
			t.DueAt = &due
		}
	}
	if err := r.Repo.InsertTask(ctx, tx, t); err != nil {
		return "", actionFailed(domain.ActionCreateTask, "insert task: %v", err)
	}
	if err := r.subEvent(ctx, tx, in, "automation.task_created", title, events.EventPayload{"task_id": t.ID}); err != nil {
		return "", err
	}
	return t.ID, nil
}

// prepareMessage only drafts the communication. Dispatch waits for a human
// approval of the outbox row.
func (r Runner) prepareMessage(ctx context.Context, tx *sql.Tx, in RunInput, params map[string]any) (string, error) {
	body := paramString(params, "body")
	template := paramString(params, "template")
	if body == "" && template == "" {
		return "", actionFailed(domain.ActionNotifyCustomer, "body or template param is required")
	}
	now := r.Now()
	m := domain.OutboxMessage{
		ID:         uuid.NewString(),
		TenantID:   in.Case.TenantID,
		CaseID:     in.Case.ID,
		Channel:    paramStringDefault(params, "channel", "email"),
		Template:   template,
		Body:       body,
		Status:     domain.OutboxAwaitingApproval,
		PreparedBy: in.Actor.Ref,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.Repo.InsertOutboxMessage(ctx, tx, m); err != nil {
		return "", actionFailed(domain.ActionNotifyCustomer, "queue message: %v", err)
	}
	if err := r.subEvent(ctx, tx, in, "automation.message_prepared", "Customer message awaiting approval", events.EventPayload{
		"message_id": m.ID,
		"channel":    m.Channel,
	}); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (r Runner) logEvent(ctx context.Context, tx *sql.Tx, in RunInput, params map[string]any) (string, error) {
	evtType := paramStringDefault(params, "type", "automation.log")
	if domain.EngineOwnedEvent(evtType) {
		return "", actionFailed(domain.ActionLogEvent, "log_event cannot write %s events", evtType)
	}
	message := paramStringDefault(params, "message", evtType)
	meta := events.EventPayload{}
	if extra, ok := params["meta"].(map[string]any); ok {
		for k, v := range extra {
			meta[k] = v
		}
	}
	if err := r.subEvent(ctx, tx, in, evtType, message, meta); err != nil {
		return "", err
	}
	return "", nil
}

func warningsFrom(outcomes []ActionOutcome) []string {
	var out []string
	for _, o := range outcomes {
		if o.Status == OutcomeFailed {
			out = append(out, fmt.Sprintf("action %d (%s): %s", o.Index, o.Kind, o.Error))
		}
	}
	return out
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func paramStringDefault(params map[string]any, key, def string) string {
	if s := paramString(params, key); s != "" {
		return s
	}
	return def
}

func paramBool(params map[string]any, key string) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "yes" || v == "1"
	}
	return false
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
