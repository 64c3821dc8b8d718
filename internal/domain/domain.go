package domain

// Actor types recorded on every audit row.
const (
	ActorHuman  = "human"
	ActorSystem = "system"
	ActorAI     = "ai"
)

// Coarse case lifecycle.
const (
	CaseOpen      = "open"
	CaseConfirmed = "confirmed"
	CaseClosed    = "closed"
)

// Pendency statuses.
const (
	PendencyOpen      = "open"
	PendencyAnswered  = "answered"
	PendencyApproved  = "approved"
	PendencyDismissed = "dismissed"
)

// Outbox statuses. A message only leaves awaiting_approval through a human action.
const (
	OutboxAwaitingApproval = "awaiting_approval"
	OutboxApproved         = "approved"
	OutboxRejected         = "rejected"
	OutboxSent             = "sent"
	OutboxFailed           = "failed"
)

// UnclassifiedState is the board bucket for case states no longer present in
// their journey configuration.
const UnclassifiedState = "unclassified"

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Case struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	JourneyKey  string         `json:"journey_key"`
	State       string         `json:"state"`
	Status      string         `json:"status" enum:"open,confirmed,closed"`
	OwnerRef    string         `json:"owner_ref,omitempty"`
	SubjectRef  string         `json:"subject_ref,omitempty"`
	ExternalKey string         `json:"external_key,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
	ArchivedAt  *string        `json:"archived_at,omitempty" format:"date-time"`
}

type TimelineEvent struct {
	ID         int64          `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CaseID     string         `json:"case_id,omitempty"`
	Type       string         `json:"type"`
	ActorType  string         `json:"actor_type" enum:"human,system,ai"`
	ActorRef   string         `json:"actor_ref,omitempty"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
}

type DecisionLog struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	CaseID        string         `json:"case_id,omitempty"`
	Kind          string         `json:"kind"`
	InputSummary  string         `json:"input_summary"`
	OutputSummary string         `json:"output_summary"`
	ReasoningText string         `json:"reasoning_text,omitempty"`
	Why           map[string]any `json:"why,omitempty"`
	Confidence    map[string]any `json:"confidence,omitempty"`
	OccurredAt    string         `json:"occurred_at" format:"date-time"`
}

type Pendency struct {
	ID           string `json:"id"`
	TenantID     string `json:"tenant_id"`
	CaseID       string `json:"case_id"`
	Type         string `json:"type"`
	AssignedRole string `json:"assigned_role,omitempty"`
	QuestionText string `json:"question_text"`
	Required     bool   `json:"required"`
	Status       string `json:"status" enum:"open,answered,approved,dismissed"`
	AnswerText   string `json:"answer_text,omitempty"`
	AnsweredBy   string `json:"answered_by,omitempty"`
	ResolvedBy   string `json:"resolved_by,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Resolved reports whether the pendency no longer needs attention.
func (p Pendency) Resolved() bool {
	return p.Status == PendencyApproved || p.Status == PendencyDismissed
}

type Punch struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	CaseID         string   `json:"case_id"`
	Seq            int      `json:"seq"`
	Timestamp      string   `json:"timestamp" format:"date-time"`
	Type           string   `json:"type" enum:"ENTRY,BREAK_START,BREAK_END,BREAK2_START,BREAK2_END,EXIT"`
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy_meters"`
	WithinRadius   bool     `json:"within_radius"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	Status         string   `json:"status"`
	Source         string   `json:"source,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type ClassificationRule struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	PatternNormalized string  `json:"pattern_normalized"`
	CategoryID        string  `json:"category_id"`
	Confidence        float64 `json:"confidence"`
	UsedCount         int     `json:"used_count"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	CaseID       string  `json:"case_id"`
	Title        string  `json:"title"`
	AssignedRole string  `json:"assigned_role,omitempty"`
	Status       string  `json:"status" enum:"open,done,canceled"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type OutboxMessage struct {
	ID            string  `json:"id"`
	TenantID      string  `json:"tenant_id"`
	CaseID        string  `json:"case_id"`
	Channel       string  `json:"channel"`
	Template      string  `json:"template,omitempty"`
	Body          string  `json:"body"`
	Status        string  `json:"status" enum:"awaiting_approval,approved,rejected,sent,failed"`
	PreparedBy    string  `json:"prepared_by"`
	ApprovedBy    string  `json:"approved_by,omitempty"`
	ApprovedAt    *string `json:"approved_at,omitempty" format:"date-time"`
	AttemptCount  int     `json:"attempt_count"`
	NextAttemptAt string  `json:"next_attempt_at,omitempty" format:"date-time"`
	LastError     string  `json:"last_error,omitempty"`
	SentAt        *string `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// BoardColumn is one journey state with the cases currently in it.
type BoardColumn struct {
	State string `json:"state"`
	Cases []Case `json:"cases"`
}

// Board groups a journey's cases by configured state. Cases whose state drifted
// out of the configuration land in Unclassified.
type Board struct {
	JourneyKey   string        `json:"journey_key"`
	Columns      []BoardColumn `json:"columns"`
	Unclassified []Case        `json:"unclassified"`
}
