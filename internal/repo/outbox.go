package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseflow/internal/domain"
)

const outboxColumns = `id,tenant_id,case_id,channel,template,body,status,prepared_by,approved_by,approved_at,attempt_count,next_attempt_at,last_error,sent_at,created_at,updated_at`

func scanOutbox(row rowScanner) (domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	var template, approvedBy, approvedAt, nextAttempt, lastErr, sentAt sql.NullString
	err := row.Scan(&m.ID, &m.TenantID, &m.CaseID, &m.Channel, &template, &m.Body, &m.Status, &m.PreparedBy, &approvedBy, &approvedAt,
		&m.AttemptCount, &nextAttempt, &lastErr, &sentAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Template = template.String
	m.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		m.ApprovedAt = &approvedAt.String
	}
	m.NextAttemptAt = nextAttempt.String
	m.LastError = lastErr.String
	if sentAt.Valid {
		m.SentAt = &sentAt.String
	}
	return m, nil
}

func (r Repo) InsertOutboxMessage(ctx context.Context, tx *sql.Tx, m domain.OutboxMessage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO outbox_messages(`+outboxColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.CaseID, m.Channel, nullable(m.Template), m.Body, m.Status, m.PreparedBy,
		nullable(m.ApprovedBy), nullableStringPtr(m.ApprovedAt), m.AttemptCount, nullable(m.NextAttemptAt),
		nullable(m.LastError), nullableStringPtr(m.SentAt), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetOutboxMessage(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.OutboxMessage, error) {
	return scanOutbox(r.q(tx).QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE tenant_id=? AND id=?`, tenantID, id))
}

type OutboxFilters struct {
	TenantID string
	CaseID   string
	Status   string
	Limit    int
}

func (r Repo) ListOutboxMessages(ctx context.Context, f OutboxFilters) ([]domain.OutboxMessage, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox_messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryOutbox(ctx, query, args...)
}

func (r Repo) queryOutbox(ctx context.Context, query string, args ...any) ([]domain.OutboxMessage, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// DecideOutboxMessage records the human decision on a message still awaiting
// approval. It reports false when the message was already decided.
func (r Repo) DecideOutboxMessage(ctx context.Context, tx *sql.Tx, tenantID, id, status, actorRef, reason, now string) (bool, error) {
	var approvedAt any
	nextAttempt := any(nil)
	if status == domain.OutboxApproved {
		approvedAt = now
		nextAttempt = now
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE outbox_messages SET status=?, approved_by=?, approved_at=?, next_attempt_at=?, last_error=?, updated_at=?
WHERE tenant_id=? AND id=? AND status=?`,
		status, actorRef, approvedAt, nextAttempt, nullable(reason), now, tenantID, id, domain.OutboxAwaitingApproval)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DueOutboxMessages returns approved messages whose next attempt is due,
// across tenants. Only human-approved rows are ever returned.
func (r Repo) DueOutboxMessages(ctx context.Context, now string, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.queryOutbox(ctx, `SELECT `+outboxColumns+` FROM outbox_messages
WHERE status=? AND approved_by IS NOT NULL AND next_attempt_at <= ? ORDER BY next_attempt_at ASC, id ASC LIMIT ?`,
		domain.OutboxApproved, now, limit)
}

func (r Repo) MarkOutboxSent(ctx context.Context, tx *sql.Tx, tenantID, id, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE outbox_messages SET status=?, sent_at=?, attempt_count=attempt_count+1, last_error=NULL, updated_at=?
WHERE tenant_id=? AND id=? AND status=?`, domain.OutboxSent, now, now, tenantID, id, domain.OutboxApproved)
	return err
}

// MarkOutboxAttemptFailed records a failed delivery. A terminal failure moves
// the message to failed; otherwise it is rescheduled for nextAttempt.
func (r Repo) MarkOutboxAttemptFailed(ctx context.Context, tx *sql.Tx, tenantID, id, lastErr, nextAttempt, now string, terminal bool) error {
	status := domain.OutboxApproved
	if terminal {
		status = domain.OutboxFailed
	}
	_, err := r.q(tx).ExecContext(ctx, `UPDATE outbox_messages SET status=?, attempt_count=attempt_count+1, last_error=?, next_attempt_at=?, updated_at=?
WHERE tenant_id=? AND id=? AND status=?`, status, lastErr, nullable(nextAttempt), now, tenantID, id, domain.OutboxApproved)
	return err
}
