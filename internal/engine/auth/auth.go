package auth

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

// Permissions checked by the engine.
const (
	PermPendencyApprove = "pendency.approve"
	PermOutboxApprove   = "outbox.approve"
	PermTenantAdmin     = "tenant.admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// HumanRequiredError rejects non-human actors from human-only actions.
type HumanRequiredError struct {
	Action    string
	ActorType string
}

func (e HumanRequiredError) Error() string {
	return fmt.Sprintf("%s requires a human actor, got %s", e.Action, e.ActorType)
}

// Service resolves role grants from tenant_roles against the tenant config.
type Service struct {
	Repo repo.Repo
}

// ActorPermissions returns the permissions granted to the actor through its
// roles plus any carried on its credentials.
func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, cfg *config.Config, a app.Actor) ([]string, error) {
	roles, err := s.Repo.ActorRoles(ctx, tx, a.TenantID, a.Ref)
	if err != nil {
		return nil, err
	}
	perms := slices.Clone(a.Permissions)
	for _, role := range roles {
		for _, p := range cfg.RolePermissions(role) {
			if !slices.Contains(perms, p) {
				perms = append(perms, p)
			}
		}
	}
	slices.Sort(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, cfg *config.Config, a app.Actor, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, tx, cfg, a)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

// RequireHuman enforces the human-only governance actions: only a person may
// approve a justification or release a customer message.
func (s Service) RequireHuman(ctx context.Context, tx *sql.Tx, cfg *config.Config, a app.Actor, action, perm string) error {
	if a.Type != domain.ActorHuman {
		return HumanRequiredError{Action: action, ActorType: a.Type}
	}
	ok, err := s.ActorHasPermission(ctx, tx, cfg, a, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
