package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"caseflow/internal/app"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// blockingPendencies returns the required pendencies that keep a case out of
// its journey's closing states.
func (e Engine) blockingPendencies(ctx context.Context, tx *sql.Tx, tenantID, caseID string, j domain.Journey) ([]domain.Pendency, error) {
	unresolved, err := e.Repo.ListPendencies(ctx, tx, repo.PendencyFilters{
		TenantID:     tenantID,
		CaseID:       caseID,
		RequiredOnly: true,
		Unresolved:   true,
	})
	if err != nil {
		return nil, err
	}
	var out []domain.Pendency
	for _, p := range unresolved {
		if j.AnsweredUnblocks && p.Status == domain.PendencyAnswered {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// CanTransition reports whether the gate lets a case move from -> to. Moves
// into non-closing states are never blocked.
func (e Engine) CanTransition(ctx context.Context, caseID, from, to string, j domain.Journey) (bool, []domain.Pendency, error) {
	a, err := caller(ctx)
	if err != nil {
		return false, nil, err
	}
	if !j.IsClosing(to) {
		return true, nil, nil
	}
	blocking, err := e.blockingPendencies(ctx, nil, a.TenantID, caseID, j)
	if err != nil {
		return false, nil, err
	}
	return len(blocking) == 0, blocking, nil
}

// ListOpenRequired returns the required pendencies still blocking the case.
func (e Engine) ListOpenRequired(ctx context.Context, caseID string) ([]domain.Pendency, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	c, err := e.Repo.GetCase(ctx, nil, a.TenantID, caseID)
	if err != nil {
		return nil, err
	}
	j, err := e.journeyFor(ctx, c)
	if err != nil {
		return nil, err
	}
	return e.blockingPendencies(ctx, nil, a.TenantID, caseID, j)
}

func (e Engine) journeyFor(ctx context.Context, c domain.Case) (domain.Journey, error) {
	cfg, err := e.TenantConfig(ctx, c.TenantID)
	if err != nil {
		return domain.Journey{}, err
	}
	j, ok := cfg.Journey(c.JourneyKey)
	if !ok {
		// Drifted journeys keep a strict gate.
		return domain.Journey{Key: c.JourneyKey}, nil
	}
	return j, nil
}

func (e Engine) ListPendencies(ctx context.Context, caseID, status string) ([]domain.Pendency, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListPendencies(ctx, nil, repo.PendencyFilters{TenantID: a.TenantID, CaseID: caseID, Status: status})
}

type PendencyInput struct {
	CaseID       string
	Type         string
	AssignedRole string
	Question     string
	Required     bool
}

// CreatePendency opens a pendency on a case by hand.
func (e Engine) CreatePendency(ctx context.Context, in PendencyInput) (domain.Pendency, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Pendency{}, err
	}
	if strings.TrimSpace(in.Question) == "" {
		return domain.Pendency{}, validationError("question is required")
	}
	if in.Type == "" {
		in.Type = "checklist"
	}
	var p domain.Pendency
	err = e.withCaseTx(ctx, a, in.CaseID, func(tx *sql.Tx, c domain.Case) error {
		now := e.timestamp()
		p = domain.Pendency{
			ID:           uuid.NewString(),
			TenantID:     a.TenantID,
			CaseID:       c.ID,
			Type:         in.Type,
			AssignedRole: in.AssignedRole,
			QuestionText: in.Question,
			Required:     in.Required,
			Status:       domain.PendencyOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertPendency(ctx, tx, p); err != nil {
			return fmt.Errorf("insert pendency: %w", err)
		}
		return e.pendencyEvent(ctx, tx, a, p, "pendency.created", in.Question)
	})
	return p, err
}

// AnswerPendency records an answer. A required pendency stays blocking until
// a human approves it, unless the journey lets answers unblock.
func (e Engine) AnswerPendency(ctx context.Context, id, text string) (domain.Pendency, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Pendency{}, validationError("answer text is required")
	}
	return e.updatePendency(ctx, id, "pendency.answered", func(p *domain.Pendency, a app.Actor) []string {
		p.Status = domain.PendencyAnswered
		p.AnswerText = text
		p.AnsweredBy = a.Ref
		return []string{domain.PendencyOpen, domain.PendencyAnswered}
	}, nil)
}

// ApprovePendency is the human approval that resolves an answered pendency.
func (e Engine) ApprovePendency(ctx context.Context, id string) (domain.Pendency, error) {
	return e.updatePendency(ctx, id, "pendency.approved", func(p *domain.Pendency, a app.Actor) []string {
		p.Status = domain.PendencyApproved
		p.ResolvedBy = a.Ref
		return []string{domain.PendencyAnswered}
	}, e.requireApprover)
}

// DismissPendency resolves a pendency without an answer.
func (e Engine) DismissPendency(ctx context.Context, id, reason string) (domain.Pendency, error) {
	return e.updatePendency(ctx, id, "pendency.dismissed", func(p *domain.Pendency, a app.Actor) []string {
		p.Status = domain.PendencyDismissed
		p.ResolvedBy = a.Ref
		if reason != "" && p.AnswerText == "" {
			p.AnswerText = reason
		}
		return []string{domain.PendencyOpen, domain.PendencyAnswered}
	}, e.requireApprover)
}

func (e Engine) requireApprover(ctx context.Context, tx *sql.Tx, a app.Actor) error {
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return err
	}
	return e.Auth.RequireHuman(ctx, tx, cfg, a, "pendency approval", auth.PermPendencyApprove)
}

func (e Engine) updatePendency(ctx context.Context, id, evtType string, mutate func(*domain.Pendency, app.Actor) []string, check func(context.Context, *sql.Tx, app.Actor) error) (domain.Pendency, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Pendency{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pendency{}, err
	}
	defer tx.Rollback()
	if check != nil {
		if err := check(ctx, tx, a); err != nil {
			return domain.Pendency{}, err
		}
	}
	p, err := e.Repo.GetPendency(ctx, tx, a.TenantID, id)
	if err != nil {
		return domain.Pendency{}, err
	}
	before := p.Status
	from := mutate(&p, a)
	p.UpdatedAt = e.timestamp()
	ok, err := e.Repo.UpdatePendencyStatus(ctx, tx, p, from...)
	if err != nil {
		return domain.Pendency{}, err
	}
	if !ok {
		return domain.Pendency{}, validationError("pendency %s cannot move from %s to %s", id, before, p.Status)
	}
	if err := e.pendencyEvent(ctx, tx, a, p, evtType, p.AnswerText); err != nil {
		return domain.Pendency{}, err
	}
	c, err := e.Repo.GetCase(ctx, tx, a.TenantID, p.CaseID)
	if err != nil {
		return domain.Pendency{}, err
	}
	if err := e.rederiveDay(ctx, tx, a, c); err != nil {
		return domain.Pendency{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pendency{}, err
	}
	return p, nil
}

func (e Engine) pendencyEvent(ctx context.Context, tx *sql.Tx, a app.Actor, p domain.Pendency, evtType, message string) error {
	if message == "" {
		message = evtType
	}
	_, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   p.CaseID,
		Type:     evtType,
		Actor:    eventActor(a),
		Message:  message,
		Meta: events.EventPayload{
			"pendency_id": p.ID,
			"type":        p.Type,
			"required":    p.Required,
			"status":      p.Status,
		},
	})
	return err
}

// withCaseTx runs fn in a transaction holding the case's current row.
func (e Engine) withCaseTx(ctx context.Context, a app.Actor, caseID string, fn func(*sql.Tx, domain.Case) error) error {
	if strings.TrimSpace(caseID) == "" {
		return validationError("case id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCase(ctx, tx, a.TenantID, caseID)
	if err != nil {
		return err
	}
	if err := fn(tx, c); err != nil {
		return err
	}
	if err := e.rederiveDay(ctx, tx, a, c); err != nil {
		return err
	}
	return tx.Commit()
}
