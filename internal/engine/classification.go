package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"caseflow/internal/classify"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

// Decision kinds written by the classifier.
const DecisionClassificationSuggest = "classification.suggest"

// txRules adapts the repo to classify.Store inside one transaction.
type txRules struct {
	repo repo.Repo
	tx   *sql.Tx
}

func (s txRules) Rules(ctx context.Context, tenantID string) ([]domain.ClassificationRule, error) {
	return s.repo.ListRules(ctx, s.tx, tenantID)
}

func (s txRules) RuleByPattern(ctx context.Context, tenantID, pattern string) (*domain.ClassificationRule, error) {
	return optionalRule(s.repo.GetRuleByPattern(ctx, s.tx, tenantID, pattern))
}

func (s txRules) RuleByID(ctx context.Context, tenantID, id string) (*domain.ClassificationRule, error) {
	return optionalRule(s.repo.GetRule(ctx, s.tx, tenantID, id))
}

func (s txRules) SaveRule(ctx context.Context, rule domain.ClassificationRule) error {
	return s.repo.UpsertRule(ctx, s.tx, rule)
}

func optionalRule(rule domain.ClassificationRule, err error) (*domain.ClassificationRule, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (e Engine) learner(ctx context.Context, tenantID string, tx *sql.Tx) (classify.Learner, error) {
	cfg, err := e.TenantConfig(ctx, tenantID)
	if err != nil {
		return classify.Learner{}, err
	}
	return classify.Learner{Store: txRules{repo: e.Repo, tx: tx}, Params: cfg.LearnerParams(), Now: e.now}, nil
}

type SuggestResult struct {
	Found      bool                `json:"found"`
	Suggestion classify.Suggestion `json:"suggestion"`
	DecisionID string              `json:"decision_id"`
}

// SuggestCategory proposes a category and records the rationale as a
// decision log. caseID may be empty for subject-level queries.
func (e Engine) SuggestCategory(ctx context.Context, caseID, description string) (res SuggestResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.suggest_category")
	defer func() { endSpan(span, err) }()

	a, err := caller(ctx)
	if err != nil {
		return SuggestResult{}, err
	}
	if classify.Normalize(description) == "" {
		return SuggestResult{}, validationError("description is empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SuggestResult{}, err
	}
	defer tx.Rollback()
	if caseID != "" {
		if _, err := e.Repo.GetCase(ctx, tx, a.TenantID, caseID); err != nil {
			return SuggestResult{}, err
		}
	}
	l, err := e.learner(ctx, a.TenantID, tx)
	if err != nil {
		return SuggestResult{}, err
	}
	s, found, err := l.Suggest(ctx, a.TenantID, description)
	if err != nil {
		return SuggestResult{}, err
	}
	span.SetAttributes(attribute.Bool("classification.found", found))

	output := "none"
	why := map[string]any{"normalized": s.Normalized}
	confidence := map[string]any{"min": l.Params.MinConfidence}
	reasoning := "no learned rule matched with enough confidence"
	if found {
		output = s.CategoryID
		why["rule_id"] = s.RuleID
		why["pattern"] = s.Pattern
		why["match"] = s.Match
		why["used_count"] = s.UsedCount
		confidence["score"] = s.Confidence
		reasoning = fmt.Sprintf("%s match on learned pattern %q", s.Match, s.Pattern)
	}
	d, err := e.events().AppendDecision(ctx, tx, domain.DecisionLog{
		TenantID:      a.TenantID,
		CaseID:        caseID,
		Kind:          DecisionClassificationSuggest,
		InputSummary:  s.Normalized,
		OutputSummary: output,
		ReasoningText: reasoning,
		Why:           why,
		Confidence:    confidence,
	})
	if err != nil {
		return SuggestResult{}, fmt.Errorf("record decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return SuggestResult{}, err
	}
	return SuggestResult{Found: found, Suggestion: s, DecisionID: d.ID}, nil
}

// LearnCategory feeds a human acceptance or correction back into the rules.
func (e Engine) LearnCategory(ctx context.Context, in classify.LearnInput) (classify.LearnResult, error) {
	a, err := caller(ctx)
	if err != nil {
		return classify.LearnResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return classify.LearnResult{}, err
	}
	defer tx.Rollback()
	l, err := e.learner(ctx, a.TenantID, tx)
	if err != nil {
		return classify.LearnResult{}, err
	}
	res, err := l.Learn(ctx, a.TenantID, in)
	switch {
	case errors.Is(err, classify.ErrEmptyDescription), errors.Is(err, classify.ErrEmptyCategory):
		return classify.LearnResult{}, validationError("%v", err)
	case err != nil:
		return classify.LearnResult{}, err
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		Type:     "classification.learned",
		Actor:    eventActor(a),
		Message:  fmt.Sprintf("rule %q %s as %s", res.Rule.PatternNormalized, res.Outcome, res.Rule.CategoryID),
		Meta: events.EventPayload{
			"rule_id":           res.Rule.ID,
			"outcome":           res.Outcome,
			"category_id":       res.Rule.CategoryID,
			"used_count":        res.Rule.UsedCount,
			"confidence":        res.Rule.Confidence,
			"accepted":          in.Accepted,
			"suggested_rule_id": in.SuggestedRuleID,
		},
	}); err != nil {
		return classify.LearnResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return classify.LearnResult{}, err
	}
	return res, nil
}

func (e Engine) ListRules(ctx context.Context) ([]domain.ClassificationRule, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListRules(ctx, nil, a.TenantID)
}
