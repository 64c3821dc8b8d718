package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, tenantID, actorID, actorType, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id,tenant_id,actor_type,created_at) VALUES (?,?,?,?)`, actorID, tenantID, actorType, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, tenantID, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO tenant_roles(tenant_id,actor_id,role) VALUES (?,?,?)`, tenantID, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, tenantID, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM tenant_roles WHERE tenant_id=? AND actor_id=? AND role=?`, tenantID, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, tenantID, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM tenant_roles WHERE tenant_id=? AND actor_id=? ORDER BY role`, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
