package classify

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"caseflow/internal/domain"
)

type memStore struct {
	rules map[string]domain.ClassificationRule
}

func newMemStore() *memStore {
	return &memStore{rules: map[string]domain.ClassificationRule{}}
}

func (m *memStore) Rules(_ context.Context, tenantID string) ([]domain.ClassificationRule, error) {
	var out []domain.ClassificationRule
	for _, r := range m.rules {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) RuleByPattern(_ context.Context, tenantID, pattern string) (*domain.ClassificationRule, error) {
	for _, r := range m.rules {
		if r.TenantID == tenantID && r.PatternNormalized == pattern {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memStore) RuleByID(_ context.Context, tenantID, id string) (*domain.ClassificationRule, error) {
	r, ok := m.rules[id]
	if !ok || r.TenantID != tenantID {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) SaveRule(_ context.Context, rule domain.ClassificationRule) error {
	m.rules[rule.ID] = rule
	return nil
}

func newLearner(store Store) Learner {
	return Learner{
		Store:  store,
		Params: DefaultParams(),
		Now:    func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"PAGTO  Energia-Elétrica!!": "pagto energia eletrica",
		"  Açaí & Cia. ":            "acai cia",
		"UBER *TRIP 1234":           "uber trip 1234",
		"---":                       "",
		"São Paulo":                 "sao paulo",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestPropertyNormalizeIdempotent verifies normalize(normalize(x)) == normalize(x).
func TestPropertyNormalizeIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.String().Draw(rt, "input")
		once := Normalize(s)
		if twice := Normalize(once); twice != once {
			rt.Fatalf("Normalize not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}

func TestPropertyNormalizeAccentedLatin(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := rapid.StringMatching(`[A-Za-zÀ-ÿ0-9 .,;*\-]{0,40}`).Draw(rt, "input")
		once := Normalize(s)
		if Normalize(once) != once {
			rt.Fatalf("Normalize not idempotent for %q", s)
		}
		for _, r := range once {
			if r >= 'A' && r <= 'Z' {
				rt.Fatalf("uppercase survived in %q", once)
			}
		}
	})
}

func TestSuggestPrefersExactThenLongest(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.rules["r1"] = domain.ClassificationRule{ID: "r1", TenantID: "t1", PatternNormalized: "uber", CategoryID: "transport", Confidence: 0.9, UsedCount: 10}
	store.rules["r2"] = domain.ClassificationRule{ID: "r2", TenantID: "t1", PatternNormalized: "uber eats", CategoryID: "food", Confidence: 0.7, UsedCount: 2}
	store.rules["r3"] = domain.ClassificationRule{ID: "r3", TenantID: "t1", PatternNormalized: "uber eats pedido", CategoryID: "food-exact", Confidence: 0.6}
	store.rules["r4"] = domain.ClassificationRule{ID: "r4", TenantID: "t2", PatternNormalized: "uber eats sp", CategoryID: "other-tenant", Confidence: 0.99}
	l := newLearner(store)

	s, ok, err := l.Suggest(ctx, "t1", "UBER EATS Pedido")
	if err != nil || !ok {
		t.Fatalf("suggest: ok=%v err=%v", ok, err)
	}
	if s.RuleID != "r3" || s.Match != MatchExact {
		t.Fatalf("expected exact r3, got %+v", s)
	}

	s, ok, err = l.Suggest(ctx, "t1", "Uber Eats SP 123")
	if err != nil || !ok {
		t.Fatalf("suggest: ok=%v err=%v", ok, err)
	}
	if s.RuleID != "r2" || s.Match != MatchContains {
		t.Fatalf("expected longest contained r2, got %+v", s)
	}

	if _, ok, _ := l.Suggest(ctx, "t1", "ubering"); ok {
		t.Fatalf("partial token must not match")
	}
	if _, _, err := l.Suggest(ctx, "t1", "  ...  "); err != ErrEmptyDescription {
		t.Fatalf("expected ErrEmptyDescription, got %v", err)
	}
}

func TestSuggestBelowMinConfidence(t *testing.T) {
	store := newMemStore()
	store.rules["r1"] = domain.ClassificationRule{ID: "r1", TenantID: "t1", PatternNormalized: "padaria", CategoryID: "food", Confidence: 0.3}
	l := newLearner(store)
	if _, ok, err := l.Suggest(context.Background(), "t1", "Padaria"); err != nil || ok {
		t.Fatalf("expected no suggestion, ok=%v err=%v", ok, err)
	}
}

func TestLearnReinforceCorrectCreate(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := newLearner(store)

	res, err := l.Learn(ctx, "t1", LearnInput{Description: "Posto Shell", CategoryID: "fuel"})
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Rule.UsedCount != 1 || res.Rule.PatternNormalized != "posto shell" {
		t.Fatalf("unexpected create result: %+v", res)
	}
	if res.Rule.CreatedAt != "2024-01-01T00:00:00.000000Z" || res.Rule.UpdatedAt != res.Rule.CreatedAt {
		t.Fatalf("rule timestamps not in the stored layout: %q / %q", res.Rule.CreatedAt, res.Rule.UpdatedAt)
	}
	ruleID := res.Rule.ID

	res, err = l.Learn(ctx, "t1", LearnInput{Description: "POSTO SHELL 22", CategoryID: "fuel", Accepted: true, SuggestedRuleID: ruleID})
	if err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	if res.Outcome != OutcomeReinforced || res.Rule.ID != ruleID || res.Rule.UsedCount != 2 {
		t.Fatalf("unexpected reinforce result: %+v", res)
	}
	if res.Rule.PatternNormalized != "posto shell" {
		t.Fatalf("reinforcement changed pattern: %q", res.Rule.PatternNormalized)
	}
	if res.Rule.Confidence <= 0.6 {
		t.Fatalf("confidence did not grow: %v", res.Rule.Confidence)
	}

	res, err = l.Learn(ctx, "t1", LearnInput{Description: "posto shell", CategoryID: "convenience", Accepted: false, SuggestedRuleID: ruleID})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if res.Outcome != OutcomeCorrected || res.Rule.ID != ruleID || res.Rule.CategoryID != "convenience" || res.Rule.UsedCount != 3 {
		t.Fatalf("unexpected correct result: %+v", res)
	}
	if res.Rule.Confidence != 0.6 {
		t.Fatalf("correction should reset confidence, got %v", res.Rule.Confidence)
	}

	if _, err := l.Learn(ctx, "t1", LearnInput{Description: "x", CategoryID: ""}); err != ErrEmptyCategory {
		t.Fatalf("expected ErrEmptyCategory, got %v", err)
	}
}

// TestPropertyLearningMonotonic verifies usedCount never decreases across any
// sequence of learn calls.
func TestPropertyLearningMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := newMemStore()
		l := newLearner(store)
		descriptions := []string{"Mercado Extra", "mercado  extra!", "Farmácia", "farmacia sp", "Uber"}
		categories := []string{"groceries", "health", "transport"}
		seen := map[string]int{}

		n := rapid.IntRange(1, 30).Draw(rt, "calls")
		for i := 0; i < n; i++ {
			in := LearnInput{
				Description: rapid.SampledFrom(descriptions).Draw(rt, "description"),
				CategoryID:  rapid.SampledFrom(categories).Draw(rt, "category"),
				Accepted:    rapid.Bool().Draw(rt, "accepted"),
			}
			if rapid.Bool().Draw(rt, "with_suggestion") {
				if s, ok, _ := l.Suggest(ctx, "t1", in.Description); ok {
					in.SuggestedRuleID = s.RuleID
				}
			}
			if _, err := l.Learn(ctx, "t1", in); err != nil {
				rt.Fatalf("learn: %v", err)
			}
			for id, r := range store.rules {
				if r.UsedCount < seen[id] {
					rt.Fatalf("rule %s usedCount decreased %d -> %d", id, seen[id], r.UsedCount)
				}
				if r.Confidence > l.Params.MaxConfidence {
					rt.Fatalf("rule %s confidence %v above max", id, r.Confidence)
				}
				seen[id] = r.UsedCount
			}
		}
	})
}
