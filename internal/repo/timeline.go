package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseflow/internal/domain"
)

const timelineColumns = `id,tenant_id,case_id,type,actor_type,actor_ref,message,meta_json,occurred_at`

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var e domain.TimelineEvent
	var caseID, actorRef, meta sql.NullString
	if err := row.Scan(&e.ID, &e.TenantID, &caseID, &e.Type, &e.ActorType, &actorRef, &e.Message, &meta, &e.OccurredAt); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	e.CaseID = caseID.String
	e.ActorRef = actorRef.String
	e.Meta = decodeJSON(meta)
	return e, nil
}

type TimelineFilters struct {
	TenantID string
	CaseID   string
	Type     string
	// ExcludePrefixes drops event types starting with any of these.
	ExcludePrefixes  []string
	Limit            int
	CursorOccurredAt string
	CursorID         int64
}

// ListTimeline returns events newest first, ordered by occurred_at then id.
func (r Repo) ListTimeline(ctx context.Context, f TimelineFilters) ([]domain.TimelineEvent, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	for _, p := range f.ExcludePrefixes {
		clauses = append(clauses, "substr(type,1,?) <> ?")
		args = append(args, len(p), p)
	}
	if f.CursorOccurredAt != "" && f.CursorID > 0 {
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, f.CursorOccurredAt, f.CursorOccurredAt, f.CursorID)
	}
	query := `SELECT ` + timelineColumns + ` FROM timeline_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountTimelineEvents counts a case's events of one type.
func (r Repo) CountTimelineEvents(ctx context.Context, tenantID, caseID, evtType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline_events WHERE tenant_id=? AND case_id=? AND type=?`, tenantID, caseID, evtType).Scan(&n)
	return n, err
}

// EventsAfter returns the tenant's events with ids greater than the cursor in
// ascending order. Clients poll it to invalidate cached case views.
func (r Repo) EventsAfter(ctx context.Context, tenantID string, cursor int64, limit int) ([]domain.TimelineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+timelineColumns+` FROM timeline_events WHERE tenant_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		tenantID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id for a tenant.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM timeline_events WHERE tenant_id=?`, tenantID).Scan(&id)
	return id, err
}

type DecisionFilters struct {
	TenantID         string
	CaseID           string
	Kind             string
	Limit            int
	CursorOccurredAt string
	CursorID         string
}

func (r Repo) ListDecisions(ctx context.Context, f DecisionFilters) ([]domain.DecisionLog, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorOccurredAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(occurred_at < ? OR (occurred_at = ? AND id < ?))")
		args = append(args, f.CursorOccurredAt, f.CursorOccurredAt, f.CursorID)
	}
	query := `SELECT id,tenant_id,case_id,kind,input_summary,output_summary,reasoning_text,why_json,confidence_json,occurred_at
FROM decision_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionLog
	for rows.Next() {
		var d domain.DecisionLog
		var caseID, reasoning, why, confidence sql.NullString
		if err := rows.Scan(&d.ID, &d.TenantID, &caseID, &d.Kind, &d.InputSummary, &d.OutputSummary, &reasoning, &why, &confidence, &d.OccurredAt); err != nil {
			return nil, err
		}
		d.CaseID = caseID.String
		d.ReasoningText = reasoning.String
		d.Why = decodeJSON(why)
		d.Confidence = decodeJSON(confidence)
		res = append(res, d)
	}
	return res, rows.Err()
}
