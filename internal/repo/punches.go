package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

func (r Repo) InsertPunch(ctx context.Context, tx *sql.Tx, p domain.Punch) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO punches(id,tenant_id,case_id,seq,ts,type,latitude,longitude,accuracy_meters,within_radius,distance_meters,status,source,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.CaseID, p.Seq, p.Timestamp, p.Type, p.Latitude, p.Longitude, p.AccuracyMeters,
		boolInt(p.WithinRadius), nullableFloatPtr(p.DistanceMeters), p.Status, nullable(p.Source), p.CreatedAt)
	return err
}

// ListPunches returns a day's punches in recording order.
func (r Repo) ListPunches(ctx context.Context, tx *sql.Tx, tenantID, caseID string) ([]domain.Punch, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,tenant_id,case_id,seq,ts,type,latitude,longitude,accuracy_meters,within_radius,distance_meters,status,source,created_at
FROM punches WHERE tenant_id=? AND case_id=? ORDER BY seq ASC`, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Punch
	for rows.Next() {
		var p domain.Punch
		var within int
		var distance sql.NullFloat64
		var source sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.CaseID, &p.Seq, &p.Timestamp, &p.Type, &p.Latitude, &p.Longitude, &p.AccuracyMeters,
			&within, &distance, &p.Status, &source, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.WithinRadius = within == 1
		if distance.Valid {
			d := distance.Float64
			p.DistanceMeters = &d
		}
		p.Source = source.String
		res = append(res, p)
	}
	return res, rows.Err()
}
