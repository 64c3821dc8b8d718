package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and ensures the tenant and
// its config exist in the DB, seeding defaults if missing. It prefers the
// override, then a single-tenant DB.
func ResolveTenantAndConfig(ctx context.Context, tenantOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	tenantID := tenantOverride
	if tenantID == "" {
		t, err := r.SingleTenant(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("tenant not specified; use --tenant")
		}
		tenantID = t.ID
	}
	seedCfg := config.Default(tenantID)

	if _, err := r.GetTenant(ctx, tenantID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := CreateTenant(ctx, r, tenantID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if errors.Is(err, repo.ErrNotFound) {
		if err := r.UpsertTenantConfig(ctx, nil, tenantID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed tenant config: %w", err)
		}
		cfg = seedCfg
	} else if err != nil {
		return "", nil, err
	}
	return tenantID, cfg, nil
}

// CreateTenant inserts a tenant, its config and an owner actor.
func CreateTenant(ctx context.Context, r repo.Repo, tenantID string, cfg *config.Config, ownerID string) error {
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	now := time.Now().UTC().Format(events.TimeLayout)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := cfg.Tenant.Name
	if name == "" {
		name = tenantID
	}
	if err := r.InsertTenant(ctx, tx, domain.Tenant{ID: tenantID, Name: name, CreatedAt: now}); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if err := r.UpsertTenantConfig(ctx, tx, tenantID, cfg); err != nil {
		return fmt.Errorf("insert tenant config: %w", err)
	}
	if ownerID == "" {
		ownerID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, tenantID, ownerID, domain.ActorHuman, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, tenantID, ownerID, "owner"); err != nil {
		return fmt.Errorf("assign owner role: %w", err)
	}
	for actorID, role := range cfg.Actors {
		if err := r.EnsureActor(ctx, tx, tenantID, actorID, domain.ActorHuman, now); err != nil {
			return fmt.Errorf("ensure actor %s: %w", actorID, err)
		}
		if err := r.AssignRole(ctx, tx, tenantID, actorID, role); err != nil {
			return fmt.Errorf("assign role %s: %w", role, err)
		}
	}
	return tx.Commit()
}
