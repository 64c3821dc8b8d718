package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"caseflow/internal/domain"
)

const caseColumns = `id,tenant_id,journey_key,state,status,owner_ref,subject_ref,external_key,metadata_json,created_at,updated_at,archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var owner, subject, external, meta, archived sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.JourneyKey, &c.State, &c.Status, &owner, &subject, &external, &meta, &c.CreatedAt, &c.UpdatedAt, &archived)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.OwnerRef = owner.String
	c.SubjectRef = subject.String
	c.ExternalKey = external.String
	c.Metadata = decodeJSON(meta)
	if archived.Valid {
		c.ArchivedAt = &archived.String
	}
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	var meta any
	if len(c.Metadata) > 0 {
		data, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		meta = string(data)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TenantID, c.JourneyKey, c.State, c.Status, nullable(c.OwnerRef), nullable(c.SubjectRef), nullable(c.ExternalKey),
		meta, c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.ArchivedAt))
	return err
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.Case, error) {
	return scanCase(r.q(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetCaseByExternalKey(ctx context.Context, tx *sql.Tx, tenantID, journeyKey, externalKey string) (domain.Case, error) {
	return scanCase(r.q(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE tenant_id=? AND journey_key=? AND external_key=?`,
		tenantID, journeyKey, externalKey))
}

// CompareAndSwapState moves a case to next only if its stored state still
// equals expected. It reports false when another writer got there first.
func (r Repo) CompareAndSwapState(ctx context.Context, tx *sql.Tx, tenantID, id, expected, next, status, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cases SET state=?, status=?, updated_at=? WHERE tenant_id=? AND id=? AND state=?`,
		next, status, now, tenantID, id, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ArchiveCase sets the soft-delete marker; cases are never removed.
func (r Repo) ArchiveCase(ctx context.Context, tx *sql.Tx, tenantID, id, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cases SET archived_at=?, updated_at=? WHERE tenant_id=? AND id=? AND archived_at IS NULL`,
		now, now, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	TenantID        string
	JourneyKey      string
	State           string
	Status          string
	SubjectRef      string
	IncludeArchived bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{f.TenantID}
	if f.JourneyKey != "" {
		clauses = append(clauses, "journey_key=?")
		args = append(args, f.JourneyKey)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SubjectRef != "" {
		clauses = append(clauses, "subject_ref=?")
		args = append(args, f.SubjectRef)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + caseColumns + ` FROM cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
