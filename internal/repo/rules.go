package repo

import (
	"context"
	"database/sql"

	"caseflow/internal/domain"
)

const ruleColumns = `id,tenant_id,pattern_normalized,category_id,confidence,used_count,created_at,updated_at`

func scanRule(row rowScanner) (domain.ClassificationRule, error) {
	var rule domain.ClassificationRule
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.PatternNormalized, &rule.CategoryID, &rule.Confidence, &rule.UsedCount, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	return rule, err
}

func (r Repo) ListRules(ctx context.Context, tx *sql.Tx, tenantID string) ([]domain.ClassificationRule, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+ruleColumns+` FROM classification_rules WHERE tenant_id=? ORDER BY used_count DESC, pattern_normalized ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClassificationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ClassificationRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM classification_rules WHERE tenant_id=? AND id=?`, tenantID, id))
}

func (r Repo) GetRuleByPattern(ctx context.Context, tx *sql.Tx, tenantID, pattern string) (domain.ClassificationRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM classification_rules WHERE tenant_id=? AND pattern_normalized=?`, tenantID, pattern))
}

// UpsertRule writes a rule by id. The schema refuses a lower used_count.
func (r Repo) UpsertRule(ctx context.Context, tx *sql.Tx, rule domain.ClassificationRule) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO classification_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET category_id=excluded.category_id, confidence=excluded.confidence,
  used_count=excluded.used_count, updated_at=excluded.updated_at`,
		rule.ID, rule.TenantID, rule.PatternNormalized, rule.CategoryID, rule.Confidence, rule.UsedCount, rule.CreatedAt, rule.UpdatedAt)
	return err
}
