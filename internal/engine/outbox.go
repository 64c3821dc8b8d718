package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/app"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// DecisionCommunicationDraft is recorded when an ai actor drafts a message.
const DecisionCommunicationDraft = "communication.draft"

func (e Engine) ListOutbox(ctx context.Context, caseID, status string, limit int) ([]domain.OutboxMessage, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	msgs, err := e.Repo.ListOutboxMessages(ctx, repo.OutboxFilters{TenantID: a.TenantID, CaseID: caseID, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []domain.OutboxMessage{}
	}
	return msgs, nil
}

func (e Engine) GetOutboxMessage(ctx context.Context, id string) (domain.OutboxMessage, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	return e.Repo.GetOutboxMessage(ctx, nil, a.TenantID, id)
}

// PrepareCustomerMessage drafts a customer communication. It never sends: the
// row waits in the outbox until a human approves it.
func (e Engine) PrepareCustomerMessage(ctx context.Context, caseID, channel, template, body string) (domain.OutboxMessage, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if strings.TrimSpace(body) == "" && strings.TrimSpace(template) == "" {
		return domain.OutboxMessage{}, validationError("body or template is required")
	}
	if channel == "" {
		channel = "email"
	}
	var m domain.OutboxMessage
	err = e.withCaseTx(ctx, a, caseID, func(tx *sql.Tx, c domain.Case) error {
		now := e.timestamp()
		m = domain.OutboxMessage{
			ID:         uuid.NewString(),
			TenantID:   a.TenantID,
			CaseID:     c.ID,
			Channel:    channel,
			Template:   template,
			Body:       body,
			Status:     domain.OutboxAwaitingApproval,
			PreparedBy: a.Ref,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertOutboxMessage(ctx, tx, m); err != nil {
			return fmt.Errorf("queue message: %w", err)
		}
		if _, err := e.events().Append(ctx, tx, events.Event{
			TenantID: a.TenantID,
			CaseID:   c.ID,
			Type:     "outbox.prepared",
			Actor:    eventActor(a),
			Message:  "Customer message awaiting approval",
			Meta:     events.EventPayload{"message_id": m.ID, "channel": channel},
		}); err != nil {
			return err
		}
		if a.Type != domain.ActorAI {
			return nil
		}
		_, err := e.events().AppendDecision(ctx, tx, domain.DecisionLog{
			TenantID:      a.TenantID,
			CaseID:        c.ID,
			Kind:          DecisionCommunicationDraft,
			InputSummary:  fmt.Sprintf("case %s in %s", c.ID, c.State),
			OutputSummary: m.ID,
			ReasoningText: "draft queued for human approval",
			Why:           map[string]any{"channel": channel, "template": template},
		})
		return err
	})
	return m, err
}

// ApproveMessage releases a drafted message for dispatch.
func (e Engine) ApproveMessage(ctx context.Context, id string) (domain.OutboxMessage, error) {
	return e.decideMessage(ctx, id, domain.OutboxApproved, "", "outbox.approved")
}

// RejectMessage discards a drafted message. It is never sent.
func (e Engine) RejectMessage(ctx context.Context, id, reason string) (domain.OutboxMessage, error) {
	return e.decideMessage(ctx, id, domain.OutboxRejected, reason, "outbox.rejected")
}

func (e Engine) decideMessage(ctx context.Context, id, status, reason, evtType string) (domain.OutboxMessage, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	defer tx.Rollback()
	if err := e.Auth.RequireHuman(ctx, tx, cfg, a, "message approval", auth.PermOutboxApprove); err != nil {
		return domain.OutboxMessage{}, err
	}
	m, err := e.Repo.GetOutboxMessage(ctx, tx, a.TenantID, id)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	ok, err := e.Repo.DecideOutboxMessage(ctx, tx, a.TenantID, id, status, a.Ref, reason, e.timestamp())
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if !ok {
		return domain.OutboxMessage{}, validationError("message %s is %s, not awaiting approval", id, m.Status)
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   m.CaseID,
		Type:     evtType,
		Actor:    eventActor(a),
		Message:  fmt.Sprintf("Message %s %s", id, status),
		Meta:     events.EventPayload{"message_id": id, "reason": reason},
	}); err != nil {
		return domain.OutboxMessage{}, err
	}
	m, err = e.Repo.GetOutboxMessage(ctx, tx, a.TenantID, id)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OutboxMessage{}, err
	}
	return m, nil
}

// DueMessages lists approved messages ready for a delivery attempt, across
// tenants. Used by the dispatcher only.
func (e Engine) DueMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	return e.Repo.DueOutboxMessages(ctx, e.timestamp(), limit)
}

// MarkMessageSent records a successful delivery. ctx must carry the system
// actor of the message's tenant (see SystemContext).
func (e Engine) MarkMessageSent(ctx context.Context, m domain.OutboxMessage) error {
	return e.dispatchUpdate(ctx, m, "outbox.sent", "Message delivered", nil, func(tx *sql.Tx, now string) error {
		return e.Repo.MarkOutboxSent(ctx, tx, m.TenantID, m.ID, now)
	})
}

// MarkMessageFailed records a failed attempt. A zero next time marks the
// message as terminally failed.
func (e Engine) MarkMessageFailed(ctx context.Context, m domain.OutboxMessage, cause error, next time.Time) error {
	terminal := next.IsZero()
	nextAt := ""
	if !terminal {
		nextAt = next.UTC().Format(events.TimeLayout)
	}
	meta := events.EventPayload{"error": cause.Error(), "attempt": m.AttemptCount + 1, "terminal": terminal}
	return e.dispatchUpdate(ctx, m, "outbox.failed", "Message delivery failed", meta, func(tx *sql.Tx, now string) error {
		return e.Repo.MarkOutboxAttemptFailed(ctx, tx, m.TenantID, m.ID, cause.Error(), nextAt, now, terminal)
	})
}

func (e Engine) dispatchUpdate(ctx context.Context, m domain.OutboxMessage, evtType, message string, meta events.EventPayload, write func(*sql.Tx, string) error) error {
	a, err := caller(ctx)
	if err != nil {
		return err
	}
	if a.Type != domain.ActorSystem {
		return validationError("delivery results are recorded by the system actor, not %s", a.Type)
	}
	if a.TenantID != m.TenantID {
		return fmt.Errorf("outbox message %s: %w", m.ID, repo.ErrNotFound)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := write(tx, e.timestamp()); err != nil {
		return err
	}
	if meta == nil {
		meta = events.EventPayload{}
	}
	meta["message_id"] = m.ID
	meta["channel"] = m.Channel
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: m.TenantID,
		CaseID:   m.CaseID,
		Type:     evtType,
		Actor:    eventActor(a),
		Message:  message,
		Meta:     meta,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SystemContext returns ctx acting as the system actor of tenantID.
func SystemContext(ctx context.Context, tenantID, ref string) context.Context {
	return app.WithActor(ctx, app.Actor{TenantID: tenantID, Ref: ref, Type: domain.ActorSystem})
}
