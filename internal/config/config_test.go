package config

import (
	"strings"
	"testing"
	"time"

	"caseflow/internal/domain"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("acme")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id = %q", cfg.Tenant.ID)
	}
	content, ok := cfg.Journey("content")
	if !ok {
		t.Fatalf("content journey missing")
	}
	if !content.IsClosing("PUBLICADO") || content.IsClosing("APROVACAO") {
		t.Fatalf("unexpected closing states: %v", content.ClosingStates)
	}
	if acts := content.ActionsFor("PRODUCAO", "APROVACAO"); len(acts) != 2 || acts[1].Kind != domain.ActionNotifyCustomer {
		t.Fatalf("unexpected actions: %+v", acts)
	}
	if !cfg.IsInternalEvent("automation.task_created") || cfg.IsInternalEvent("transition") {
		t.Fatalf("internal event prefixes not applied")
	}
}

func TestValidateRejectsBadJourneys(t *testing.T) {
	cases := map[string]string{
		"duplicate key": `
tenant: {id: t}
journeys:
  - {key: a, kind: pipeline, states: [X, Y]}
  - {key: a, kind: pipeline, states: [X]}
classification: {base_confidence: 0.6, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
		"unknown closing state": `
tenant: {id: t}
journeys:
  - {key: a, kind: pipeline, states: [X, Y], closing_states: [Z]}
classification: {base_confidence: 0.6, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
		"unknown action kind": `
tenant: {id: t}
journeys:
  - key: a
    kind: pipeline
    states: [X, Y]
    transitions:
      - from: X
        to: Y
        actions: [{kind: send_sms}]
classification: {base_confidence: 0.6, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
		"log_event in engine namespace": `
tenant: {id: t}
journeys:
  - key: a
    kind: pipeline
    states: [X, Y]
    transitions:
      - from: X
        to: Y
        actions: [{kind: log_event, params: {type: pendency.approved}}]
classification: {base_confidence: 0.6, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
		"presence missing day state": `
tenant: {id: t}
journeys:
  - {key: p, kind: presence, states: [AGUARDANDO_ENTRADA]}
classification: {base_confidence: 0.6, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
		"bad confidences": `
tenant: {id: t}
journeys:
  - {key: a, kind: pipeline, states: [X]}
classification: {base_confidence: 0.95, max_confidence: 0.9, reinforce_rate: 0.2, min_confidence: 0.5}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestWildcardTransitionsAndStrictness(t *testing.T) {
	cfg := Default("acme")
	crm, _ := cfg.Journey("crm")
	if !crm.Allows("LEAD", "QUALIFICADO") {
		t.Fatalf("declared edge rejected")
	}
	if crm.Allows("LEAD", "GANHO") {
		t.Fatalf("undeclared edge allowed on strict journey")
	}
	if !crm.Allows("PROPOSTA", "PERDIDO") {
		t.Fatalf("wildcard edge rejected")
	}
	content, _ := cfg.Journey("content")
	if !content.Allows("CRIAR", "APROVACAO") {
		t.Fatalf("non-strict journey should allow any configured move")
	}
	if content.Allows("CRIAR", "NOPE") {
		t.Fatalf("unconfigured target allowed")
	}
}

func TestLoadServerEnv(t *testing.T) {
	t.Setenv("CASEFLOW_JWT_SECRET", "s3cret")
	t.Setenv("CASEFLOW_OUTBOX_POLL_INTERVAL", "2s")
	env, err := LoadServerEnv()
	if err != nil {
		t.Fatalf("load env: %v", err)
	}
	if env.JWTSecret != "s3cret" || env.OutboxPollInterval != 2*time.Second {
		t.Fatalf("unexpected env: %+v", env)
	}
	if env.BasePath != "/v0" || env.Addr != "127.0.0.1:8080" {
		t.Fatalf("defaults not applied: %+v", env)
	}

	t.Setenv("CASEFLOW_OUTBOX_BATCH_SIZE", "many")
	if _, err := LoadServerEnv(); err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}
