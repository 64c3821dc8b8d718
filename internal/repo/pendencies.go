package repo

import (
	"context"
	"database/sql"
	"strings"

	"caseflow/internal/domain"
)

const pendencyColumns = `id,tenant_id,case_id,type,assigned_role,question_text,required,status,answer_text,answered_by,resolved_by,created_at,updated_at`

func scanPendency(row rowScanner) (domain.Pendency, error) {
	var p domain.Pendency
	var role, answer, answeredBy, resolvedBy sql.NullString
	var required int
	err := row.Scan(&p.ID, &p.TenantID, &p.CaseID, &p.Type, &role, &p.QuestionText, &required, &p.Status, &answer, &answeredBy, &resolvedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.AssignedRole = role.String
	p.Required = required == 1
	p.AnswerText = answer.String
	p.AnsweredBy = answeredBy.String
	p.ResolvedBy = resolvedBy.String
	return p, nil
}

func (r Repo) InsertPendency(ctx context.Context, tx *sql.Tx, p domain.Pendency) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pendencies(`+pendencyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.CaseID, p.Type, nullable(p.AssignedRole), p.QuestionText, boolInt(p.Required), p.Status,
		nullable(p.AnswerText), nullable(p.AnsweredBy), nullable(p.ResolvedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPendency(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Pendency, error) {
	return scanPendency(r.q(tx).QueryRowContext(ctx, `SELECT `+pendencyColumns+` FROM pendencies WHERE tenant_id=? AND id=?`, tenantID, id))
}

// UpdatePendencyStatus moves a pendency out of one of the from statuses. It
// reports false when the pendency was no longer in any of them.
func (r Repo) UpdatePendencyStatus(ctx context.Context, tx *sql.Tx, p domain.Pendency, from ...string) (bool, error) {
	args := []any{p.Status, nullable(p.AnswerText), nullable(p.AnsweredBy), nullable(p.ResolvedBy), p.UpdatedAt, p.TenantID, p.ID}
	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE pendencies SET status=?, answer_text=?, answered_by=?, resolved_by=?, updated_at=?
WHERE tenant_id=? AND id=? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type PendencyFilters struct {
	TenantID     string
	CaseID       string
	Status       string
	RequiredOnly bool
	// Unresolved keeps open and answered pendencies.
	Unresolved bool
}

func (r Repo) ListPendencies(ctx context.Context, tx *sql.Tx, f PendencyFilters) ([]domain.Pendency, error) {
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
	if f.RequiredOnly {
		clauses = append(clauses, "required=1")
	}
	if f.Unresolved {
		clauses = append(clauses, "status IN ('open','answered')")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+pendencyColumns+` FROM pendencies WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pendency
	for rows.Next() {
		p, err := scanPendency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
