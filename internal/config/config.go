package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"caseflow/internal/classify"
	"caseflow/internal/domain"
	"caseflow/internal/presence"
)

// Config models a tenant's caseflow.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"tenant" json:"tenant"`
	Journeys       []domain.Journey  `yaml:"journeys" json:"journeys"`
	Presence       Presence          `yaml:"presence" json:"presence"`
	Classification Classification    `yaml:"classification" json:"classification"`
	Audit          Audit             `yaml:"audit" json:"audit"`
	Roles          map[string]Role   `yaml:"roles" json:"roles"`
	Actors         map[string]string `yaml:"actors,omitempty" json:"actors,omitempty"`
}

type Presence struct {
	Journey           string `yaml:"journey" json:"journey"`
	BreakRequired     bool   `yaml:"break_required" json:"break_required"`
	JustificationRole string `yaml:"justification_role" json:"justification_role"`
	Site              struct {
		Latitude     float64 `yaml:"latitude" json:"latitude"`
		Longitude    float64 `yaml:"longitude" json:"longitude"`
		RadiusMeters float64 `yaml:"radius_meters" json:"radius_meters"`
	} `yaml:"site" json:"site"`
}

type Classification struct {
	BaseConfidence float64 `yaml:"base_confidence" json:"base_confidence"`
	MaxConfidence  float64 `yaml:"max_confidence" json:"max_confidence"`
	ReinforceRate  float64 `yaml:"reinforce_rate" json:"reinforce_rate"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
}

type Audit struct {
	InternalEventPrefixes []string `yaml:"internal_event_prefixes" json:"internal_event_prefixes"`
}

type Role struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

var actionKinds = []string{
	domain.ActionCreatePendency,
	domain.ActionCreateTask,
	domain.ActionNotifyCustomer,
	domain.ActionLogEvent,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.Journeys) == 0 {
		return fmt.Errorf("config.journeys must declare at least one journey")
	}
	seen := map[string]bool{}
	for _, j := range c.Journeys {
		if j.Key == "" {
			return fmt.Errorf("journey with empty key")
		}
		if seen[j.Key] {
			return fmt.Errorf("duplicate journey key %s", j.Key)
		}
		seen[j.Key] = true
		if err := validateJourney(j); err != nil {
			return err
		}
	}
	if c.Presence.Journey != "" {
		j, ok := c.Journey(c.Presence.Journey)
		if !ok {
			return fmt.Errorf("presence.journey %s is not a configured journey", c.Presence.Journey)
		}
		if j.Kind != domain.JourneyPresence {
			return fmt.Errorf("presence.journey %s must have kind presence", j.Key)
		}
		if c.Presence.Site.RadiusMeters <= 0 {
			return fmt.Errorf("presence.site.radius_meters must be positive")
		}
	}
	cl := c.Classification
	if cl.BaseConfidence <= 0 || cl.BaseConfidence > cl.MaxConfidence || cl.MaxConfidence > 1 {
		return fmt.Errorf("classification confidences must satisfy 0 < base <= max <= 1")
	}
	if cl.ReinforceRate <= 0 || cl.ReinforceRate > 1 {
		return fmt.Errorf("classification.reinforce_rate must be in (0,1]")
	}
	if cl.MinConfidence < 0 || cl.MinConfidence > 1 {
		return fmt.Errorf("classification.min_confidence must be in [0,1]")
	}
	for _, p := range c.Audit.InternalEventPrefixes {
		if p == "" {
			return fmt.Errorf("audit.internal_event_prefixes contains an empty prefix")
		}
	}
	for roleID, role := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
		}
	}
	for actor, role := range c.Actors {
		if _, ok := c.Roles[role]; !ok {
			return fmt.Errorf("actor %s references unknown role %s", actor, role)
		}
	}
	return nil
}

func validateJourney(j domain.Journey) error {
	switch j.Kind {
	case domain.JourneyPipeline, domain.JourneyPresence:
	default:
		return fmt.Errorf("journey %s has unknown kind %q", j.Key, j.Kind)
	}
	if len(j.States) == 0 {
		return fmt.Errorf("journey %s has no states", j.Key)
	}
	states := map[string]bool{}
	for _, s := range j.States {
		if s == "" || s == domain.AnyState || s == domain.UnclassifiedState {
			return fmt.Errorf("journey %s has invalid state %q", j.Key, s)
		}
		if states[s] {
			return fmt.Errorf("journey %s has duplicate state %s", j.Key, s)
		}
		states[s] = true
	}
	member := func(s string) bool { return s == domain.AnyState || states[s] }
	for _, s := range j.ClosingStates {
		if !states[s] {
			return fmt.Errorf("journey %s closing state %s is not a journey state", j.Key, s)
		}
	}
	for s, status := range j.StatusMap {
		if !states[s] {
			return fmt.Errorf("journey %s status_map state %s is not a journey state", j.Key, s)
		}
		switch status {
		case domain.CaseOpen, domain.CaseConfirmed, domain.CaseClosed:
		default:
			return fmt.Errorf("journey %s maps %s to unknown status %q", j.Key, s, status)
		}
	}
	for _, t := range j.Transitions {
		if !member(t.From) || !member(t.To) {
			return fmt.Errorf("journey %s transition %s->%s references unknown state", j.Key, t.From, t.To)
		}
		for i, a := range t.Actions {
			if !slices.Contains(actionKinds, a.Kind) {
				return fmt.Errorf("journey %s transition %s->%s action %d has unknown kind %q", j.Key, t.From, t.To, i, a.Kind)
			}
			if a.Kind == domain.ActionLogEvent {
				if evtType, _ := a.Params["type"].(string); domain.EngineOwnedEvent(evtType) {
					return fmt.Errorf("journey %s transition %s->%s action %d cannot log engine event %q", j.Key, t.From, t.To, i, evtType)
				}
			}
		}
	}
	if j.Kind == domain.JourneyPresence {
		for _, s := range presence.DayStates {
			if !states[s] {
				return fmt.Errorf("presence journey %s is missing day state %s", j.Key, s)
			}
		}
	}
	return nil
}

// Journey looks up a journey by key.
func (c *Config) Journey(key string) (domain.Journey, bool) {
	for _, j := range c.Journeys {
		if j.Key == key {
			return j, true
		}
	}
	return domain.Journey{}, false
}

// IsInternalEvent reports whether an event type is hidden from the public
// timeline.
func (c *Config) IsInternalEvent(eventType string) bool {
	for _, p := range c.Audit.InternalEventPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// LearnerParams returns the classification tuning for the rule learner.
func (c *Config) LearnerParams() classify.Params {
	return classify.Params{
		BaseConfidence: c.Classification.BaseConfidence,
		MaxConfidence:  c.Classification.MaxConfidence,
		ReinforceRate:  c.Classification.ReinforceRate,
		MinConfidence:  c.Classification.MinConfidence,
	}
}

// Site returns the presence geofence.
func (c *Config) Site() presence.Site {
	return presence.Site{
		Latitude:     c.Presence.Site.Latitude,
		Longitude:    c.Presence.Site.Longitude,
		RadiusMeters: c.Presence.Site.RadiusMeters,
	}
}

// RolePermissions returns the permissions granted by a role.
func (c *Config) RolePermissions(role string) []string {
	return c.Roles[role].Permissions
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "caseflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(tenantID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `tenant:
  id: %s
  name: %s

journeys:
  - key: content
    name: Content production
    kind: pipeline
    governed: true
    states: [CRIAR, PRODUCAO, APROVACAO, PUBLICADO]
    closing_states: [PUBLICADO]
    status_map:
      APROVACAO: confirmed
    transitions:
      - from: PRODUCAO
        to: APROVACAO
        actions:
          - kind: create_pendency
            params:
              type: review
              assigned_role: manager
              question: "Approve the final piece?"
              required: true
          - kind: notify_customer
            params:
              channel: email
              template: content_ready
              body: "Your content is ready for review."
      - from: "*"
        to: PUBLICADO
        actions:
          - kind: log_event
            params:
              type: content.published
              message: "Content published"

  - key: crm
    name: Sales pipeline
    kind: pipeline
    governed: true
    strict_transitions: true
    states: [LEAD, QUALIFICADO, PROPOSTA, GANHO, PERDIDO]
    closing_states: [GANHO, PERDIDO]
    status_map:
      PROPOSTA: confirmed
    transitions:
      - from: LEAD
        to: QUALIFICADO
        actions:
          - kind: create_task
            params:
              title: "Schedule discovery call"
              assigned_role: sales
      - from: QUALIFICADO
        to: PROPOSTA
      - from: PROPOSTA
        to: GANHO
      - from: "*"
        to: PERDIDO
        actions:
          - kind: create_pendency
            params:
              type: loss_reason
              question: "Why was the deal lost?"
              required: false

  - key: ponto
    name: Attendance day
    kind: presence
    governed: true
    states: [AGUARDANDO_ENTRADA, EM_EXPEDIENTE, EM_INTERVALO, AGUARDANDO_SAIDA, PENDENTE_JUSTIFICATIVA, PENDENTE_APROVACAO, FECHADO, AJUSTADO]
    closing_states: [FECHADO, AJUSTADO]

presence:
  journey: ponto
  break_required: false
  justification_role: manager
  site:
    latitude: -23.5505
    longitude: -46.6333
    radius_meters: 150

classification:
  base_confidence: 0.6
  max_confidence: 0.99
  reinforce_rate: 0.25
  min_confidence: 0.5

audit:
  internal_event_prefixes: [automation., pendency., classification., outbox., decision.]

roles:
  owner:
    description: "Tenant owner"
    permissions: [pendency.approve, outbox.approve, tenant.admin]
  manager:
    description: "Approves justifications and customer messages"
    permissions: [pendency.approve, outbox.approve]
  operator:
    description: "Moves cases and answers pendencies"
    permissions: []
`
