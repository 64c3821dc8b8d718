// Package classify suggests transaction categories from learned rules and
// retrains those rules from human feedback.
package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseflow/internal/domain"
	"caseflow/internal/events"
)

var (
	ErrEmptyDescription = errors.New("description is empty after normalization")
	ErrEmptyCategory    = errors.New("category is required")
)

// Store persists rules for one tenant namespace. Lookups return nil, nil
// when nothing matches.
type Store interface {
	Rules(ctx context.Context, tenantID string) ([]domain.ClassificationRule, error)
	RuleByPattern(ctx context.Context, tenantID, pattern string) (*domain.ClassificationRule, error)
	RuleByID(ctx context.Context, tenantID, id string) (*domain.ClassificationRule, error)
	SaveRule(ctx context.Context, rule domain.ClassificationRule) error
}

type Params struct {
	BaseConfidence float64
	MaxConfidence  float64
	ReinforceRate  float64
	MinConfidence  float64
}

func DefaultParams() Params {
	return Params{BaseConfidence: 0.6, MaxConfidence: 0.99, ReinforceRate: 0.25, MinConfidence: 0.5}
}

// Match kinds.
const (
	MatchExact    = "exact"
	MatchContains = "contains"
)

type Suggestion struct {
	RuleID     string  `json:"rule_id"`
	CategoryID string  `json:"category_id"`
	Confidence float64 `json:"confidence"`
	Pattern    string  `json:"pattern"`
	Normalized string  `json:"normalized"`
	Match      string  `json:"match" enum:"exact,contains"`
	UsedCount  int     `json:"used_count"`
}

// Learn outcomes.
const (
	OutcomeReinforced = "reinforced"
	OutcomeCorrected  = "corrected"
	OutcomeCreated    = "created"
)

type LearnInput struct {
	Description     string
	CategoryID      string
	Accepted        bool
	SuggestedRuleID string
}

type LearnResult struct {
	Rule    domain.ClassificationRule `json:"rule"`
	Outcome string                    `json:"outcome" enum:"reinforced,corrected,created"`
}

type Learner struct {
	Store  Store
	Params Params
	Now    func() time.Time
}

func (l Learner) now() string {
	if l.Now == nil {
		return time.Now().UTC().Format(events.TimeLayout)
	}
	return l.Now().UTC().Format(events.TimeLayout)
}

// Suggest returns the best rule for a description, or false when no rule
// matches with enough confidence.
func (l Learner) Suggest(ctx context.Context, tenantID, description string) (Suggestion, bool, error) {
	normalized := Normalize(description)
	if normalized == "" {
		return Suggestion{}, false, ErrEmptyDescription
	}
	rules, err := l.Store.Rules(ctx, tenantID)
	if err != nil {
		return Suggestion{}, false, err
	}
	s, ok := Best(rules, normalized)
	if !ok || s.Confidence < l.Params.MinConfidence {
		return Suggestion{Normalized: normalized}, false, nil
	}
	return s, true, nil
}

// Best picks the matching rule for an already normalized text: an exact
// pattern wins, otherwise the longest whole-token pattern contained in the
// text, ties broken by confidence then usage.
func Best(rules []domain.ClassificationRule, normalized string) (Suggestion, bool) {
	var best *domain.ClassificationRule
	for i := range rules {
		r := &rules[i]
		if r.PatternNormalized == normalized {
			return toSuggestion(*r, normalized, MatchExact), true
		}
		if !containsToken(normalized, r.PatternNormalized) {
			continue
		}
		if best == nil || better(*r, *best) {
			best = r
		}
	}
	if best == nil {
		return Suggestion{}, false
	}
	return toSuggestion(*best, normalized, MatchContains), true
}

func better(a, b domain.ClassificationRule) bool {
	if len(a.PatternNormalized) != len(b.PatternNormalized) {
		return len(a.PatternNormalized) > len(b.PatternNormalized)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.UsedCount != b.UsedCount {
		return a.UsedCount > b.UsedCount
	}
	return a.PatternNormalized < b.PatternNormalized
}

func toSuggestion(r domain.ClassificationRule, normalized, match string) Suggestion {
	return Suggestion{
		RuleID:     r.ID,
		CategoryID: r.CategoryID,
		Confidence: r.Confidence,
		Pattern:    r.PatternNormalized,
		Normalized: normalized,
		Match:      match,
		UsedCount:  r.UsedCount,
	}
}

// Learn applies human feedback. Accepting a suggestion reinforces the
// suggested rule; anything else upserts the rule keyed by the normalized
// description. UsedCount grows by one either way.
func (l Learner) Learn(ctx context.Context, tenantID string, in LearnInput) (LearnResult, error) {
	normalized := Normalize(in.Description)
	if normalized == "" {
		return LearnResult{}, ErrEmptyDescription
	}
	if in.CategoryID == "" {
		return LearnResult{}, ErrEmptyCategory
	}
	now := l.now()

	if in.Accepted && in.SuggestedRuleID != "" {
		rule, err := l.Store.RuleByID(ctx, tenantID, in.SuggestedRuleID)
		if err != nil {
			return LearnResult{}, err
		}
		if rule != nil && rule.CategoryID == in.CategoryID {
			l.reinforce(rule, now)
			if err := l.Store.SaveRule(ctx, *rule); err != nil {
				return LearnResult{}, fmt.Errorf("reinforce rule: %w", err)
			}
			return LearnResult{Rule: *rule, Outcome: OutcomeReinforced}, nil
		}
	}

	rule, err := l.Store.RuleByPattern(ctx, tenantID, normalized)
	if err != nil {
		return LearnResult{}, err
	}
	if rule == nil {
		created := domain.ClassificationRule{
			ID:                uuid.NewString(),
			TenantID:          tenantID,
			PatternNormalized: normalized,
			CategoryID:        in.CategoryID,
			Confidence:        l.Params.BaseConfidence,
			UsedCount:         1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := l.Store.SaveRule(ctx, created); err != nil {
			return LearnResult{}, fmt.Errorf("create rule: %w", err)
		}
		return LearnResult{Rule: created, Outcome: OutcomeCreated}, nil
	}

	outcome := OutcomeCorrected
	if rule.CategoryID == in.CategoryID {
		l.reinforce(rule, now)
		outcome = OutcomeReinforced
	} else {
		rule.CategoryID = in.CategoryID
		rule.Confidence = l.Params.BaseConfidence
		rule.UsedCount++
		rule.UpdatedAt = now
	}
	if err := l.Store.SaveRule(ctx, *rule); err != nil {
		return LearnResult{}, fmt.Errorf("update rule: %w", err)
	}
	return LearnResult{Rule: *rule, Outcome: outcome}, nil
}

func (l Learner) reinforce(rule *domain.ClassificationRule, now string) {
	rule.UsedCount++
	if rule.Confidence < l.Params.MaxConfidence {
		rule.Confidence += (l.Params.MaxConfidence - rule.Confidence) * l.Params.ReinforceRate
	}
	rule.UpdatedAt = now
}
