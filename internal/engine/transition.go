package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"caseflow/internal/domain"
	"caseflow/internal/events"
)

// EventTransition is the one timeline event written per successful move.
const EventTransition = "transition"

type TransitionResult struct {
	Case     domain.Case     `json:"case"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Outcomes []ActionOutcome `json:"outcomes"`
	Warnings []string        `json:"warnings,omitempty"`
	EventID  int64           `json:"event_id"`
}

func guardKey(tenantID, caseID string) string {
	return tenantID + "/" + caseID
}

// TransitionCase moves a case using the journey currently configured for it.
func (e Engine) TransitionCase(ctx context.Context, caseID, expected, next string) (TransitionResult, error) {
	a, err := caller(ctx)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := checkTransitionInput(caseID, expected, next); err != nil {
		return TransitionResult{}, err
	}
	c, err := e.Repo.GetCase(ctx, nil, a.TenantID, caseID)
	if err != nil {
		return TransitionResult{}, err
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return TransitionResult{}, err
	}
	j, ok := cfg.Journey(c.JourneyKey)
	if !ok {
		return TransitionResult{}, invalidTransition(fmt.Sprintf("journey %s is no longer configured", c.JourneyKey), nil)
	}
	return e.Transition(ctx, caseID, expected, next, j)
}

func checkTransitionInput(caseID, expected, next string) error {
	if strings.TrimSpace(caseID) == "" {
		return validationError("case id is required")
	}
	if strings.TrimSpace(expected) == "" || strings.TrimSpace(next) == "" {
		return validationError("expected and next state are required")
	}
	if expected == next {
		return newError(CodeValidation, "no-op transition", map[string]any{"state": next})
	}
	return nil
}

// Transition moves caseID from expected to next under journey j. The state
// write is a compare-and-swap on the stored state; automations run after it
// and their failures only surface as warnings on the transition event.
func (e Engine) Transition(ctx context.Context, caseID, expected, next string, j domain.Journey) (res TransitionResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.transition",
		attribute.String("case.id", caseID),
		attribute.String("journey", j.Key),
		attribute.String("from", expected),
		attribute.String("to", next))
	defer func() { endSpan(span, err) }()

	a, err := caller(ctx)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := checkTransitionInput(caseID, expected, next); err != nil {
		return TransitionResult{}, err
	}
	details := map[string]any{"journey": j.Key, "from": expected, "to": next}
	if j.Kind == domain.JourneyPresence {
		return TransitionResult{}, invalidTransition("presence day state is derived from punches", details)
	}
	if !j.HasState(next) {
		return TransitionResult{}, invalidTransition(fmt.Sprintf("state %s is not part of journey %s", next, j.Key), details)
	}
	if !j.Allows(expected, next) {
		return TransitionResult{}, invalidTransition(fmt.Sprintf("journey %s does not allow %s -> %s", j.Key, expected, next), details)
	}
	if j.Governed && a.Type == domain.ActorAI && j.IsClosing(next) {
		return TransitionResult{}, invalidTransition("ai actors cannot close governed cases", details)
	}

	release, ok := e.Guard.TryAcquire(guardKey(a.TenantID, caseID))
	if !ok {
		return TransitionResult{}, newError(CodeBusy, "another transition for this case is in flight", map[string]any{"case_id": caseID})
	}
	defer release()

	current, err := e.Repo.GetCase(ctx, nil, a.TenantID, caseID)
	if err != nil {
		return TransitionResult{}, err
	}
	if current.JourneyKey != j.Key {
		return TransitionResult{}, invalidTransition(fmt.Sprintf("case belongs to journey %s", current.JourneyKey), details)
	}
	if current.State != expected {
		return TransitionResult{}, staleState(caseID, expected, current.State)
	}
	if current.ArchivedAt != nil {
		return TransitionResult{}, invalidTransition("case is archived", details)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	status := j.StatusFor(next, current.Status)
	now := e.timestamp()
	swapped, err := e.Repo.CompareAndSwapState(ctx, tx, a.TenantID, caseID, expected, next, status, now)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("write state: %w", err)
	}
	if !swapped {
		latest, _ := e.Repo.GetCase(ctx, tx, a.TenantID, caseID)
		return TransitionResult{}, staleState(caseID, expected, latest.State)
	}

	if j.IsClosing(next) {
		blocking, err := e.blockingPendencies(ctx, tx, a.TenantID, caseID, j)
		if err != nil {
			return TransitionResult{}, err
		}
		if len(blocking) > 0 {
			ids := make([]string, 0, len(blocking))
			for _, p := range blocking {
				ids = append(ids, p.ID)
			}
			details["pendency_ids"] = ids
			return TransitionResult{}, invalidTransition(fmt.Sprintf("%d required pendencies are unresolved", len(blocking)), details)
		}
	}

	current.State, current.Status, current.UpdatedAt = next, status, now
	outcomes := e.runner().Run(ctx, tx, RunInput{
		Case:    current,
		From:    expected,
		To:      next,
		Journey: j,
		Actor:   a,
	})
	warnings := warningsFrom(outcomes)
	for _, w := range warnings {
		e.logf("engine: transition %s %s->%s: %s", caseID, expected, next, w)
	}

	evtID, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   caseID,
		Type:     EventTransition,
		Actor:    eventActor(a),
		Message:  fmt.Sprintf("%s -> %s", expected, next),
		Meta: events.EventPayload{
			"from":     expected,
			"to":       next,
			"journey":  j.Key,
			"outcomes": outcomes,
			"warnings": warnings,
		},
	})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("append transition event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		Case:     current,
		From:     expected,
		To:       next,
		Outcomes: outcomes,
		Warnings: warnings,
		EventID:  evtID,
	}, nil
}
