package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,tenant_id,case_id,title,assigned_role,status,due_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.CaseID, t.Title, nullable(t.AssignedRole), t.Status, nullableStringPtr(t.DueAt), t.CreatedAt)
	return err
}

func (r Repo) ListTasks(ctx context.Context, tenantID, caseID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,case_id,title,assigned_role,status,due_at,created_at
FROM tasks WHERE tenant_id=? AND case_id=? ORDER BY created_at ASC, id ASC`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var role, due sql.NullString
		if err := rows.Scan(&t.ID, &t.TenantID, &t.CaseID, &t.Title, &role, &t.Status, &due, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.AssignedRole = role.String
		if due.Valid {
			t.DueAt = &due.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
