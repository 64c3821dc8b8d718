package server

import (
	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

// Request payloads

type CreateCaseRequest struct {
	JourneyKey  string         `json:"journey_key"`
	State       string         `json:"state,omitempty"`
	OwnerRef    string         `json:"owner_ref,omitempty"`
	SubjectRef  string         `json:"subject_ref,omitempty"`
	ExternalKey string         `json:"external_key,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type TransitionRequest struct {
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
}

type ArchiveRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreatePendencyRequest struct {
	Type         string `json:"type,omitempty"`
	AssignedRole string `json:"assigned_role,omitempty"`
	Question     string `json:"question"`
	Required     bool   `json:"required,omitempty"`
}

type AnswerPendencyRequest struct {
	Text string `json:"text"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type OpenDayRequest struct {
	SubjectRef string `json:"subject_ref"`
	Day        string `json:"day,omitempty" example:"2024-01-01"`
}

type PunchRequest struct {
	Timestamp      string  `json:"timestamp,omitempty" format:"date-time"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	Source         string  `json:"source,omitempty"`
	ExpectedType   string  `json:"expected_type,omitempty" enum:"ENTRY,BREAK_START,BREAK_END,BREAK2_START,BREAK2_END,EXIT"`
}

type SuggestRequest struct {
	Description string `json:"description"`
	CaseID      string `json:"case_id,omitempty"`
}

type LearnRequest struct {
	Description     string `json:"description"`
	CategoryID      string `json:"category_id"`
	Accepted        bool   `json:"accepted,omitempty"`
	SuggestedRuleID string `json:"suggested_rule_id,omitempty"`
}

type PrepareMessageRequest struct {
	Channel  string `json:"channel,omitempty"`
	Template string `json:"template,omitempty"`
	Body     string `json:"body,omitempty"`
}

type DevLoginRequest struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	ActorType   string   `json:"actor_type,omitempty" enum:"human,system,ai"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	OK       bool                   `json:"ok"`
	Case     domain.Case            `json:"case"`
	From     string                 `json:"from"`
	To       string                 `json:"to"`
	Outcomes []engine.ActionOutcome `json:"outcomes"`
	Warnings []string               `json:"warnings"`
	EventID  int64                  `json:"event_id"`
}

type PendencyListResponse struct {
	Items []domain.Pendency `json:"items"`
}

type PunchListResponse struct {
	Items []domain.Punch `json:"items"`
}

type JourneyListResponse struct {
	Items []domain.Journey `json:"items"`
}

type RuleListResponse struct {
	Items []domain.ClassificationRule `json:"items"`
}

type OutboxListResponse struct {
	Items []domain.OutboxMessage `json:"items"`
}

type EventFeedResponse struct {
	Items      []domain.TimelineEvent `json:"items"`
	NextCursor int64                  `json:"next_cursor"`
}

type WhoAmIResponse struct {
	TenantID    string   `json:"tenant_id"`
	ActorID     string   `json:"actor_id"`
	ActorType   string   `json:"actor_type"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		OK:       true,
		Case:     res.Case,
		From:     res.From,
		To:       res.To,
		Outcomes: nonNilSlice(res.Outcomes),
		Warnings: nonNilSlice(res.Warnings),
		EventID:  res.EventID,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
