package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Guard  *Guard
	Now    func() time.Time
	Logger *log.Logger
	Tracer trace.Tracer
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Guard:  NewGuard(),
		Now:    time.Now,
		Logger: log.Default(),
		Tracer: otel.Tracer("caseflow/engine"),
	}
}

// events returns an audit writer stamped with the engine clock.
func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(events.TimeLayout)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger == nil {
		log.Printf(format, args...)
		return
	}
	e.Logger.Printf(format, args...)
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer("caseflow/engine")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// caller returns the actor on ctx or a validation error when unauthenticated.
func caller(ctx context.Context) (app.Actor, error) {
	a, ok := app.ActorFrom(ctx)
	if !ok {
		return app.Actor{}, validationError("actor and tenant are required")
	}
	switch a.Type {
	case domain.ActorHuman, domain.ActorSystem, domain.ActorAI:
	default:
		return app.Actor{}, validationError("unknown actor type %q", a.Type)
	}
	return a, nil
}

func eventActor(a app.Actor) events.Actor {
	return events.Actor{Type: a.Type, Ref: a.Ref}
}

// TenantConfig loads the stored config of a tenant.
func (e Engine) TenantConfig(ctx context.Context, tenantID string) (*config.Config, error) {
	cfg, err := e.Repo.GetTenantConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s config: %w", tenantID, err)
	}
	return cfg, nil
}

// Journeys lists the caller tenant's journeys.
func (e Engine) Journeys(ctx context.Context) ([]domain.Journey, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return nil, err
	}
	return cfg.Journeys, nil
}

// Journey resolves a journey of the caller tenant.
func (e Engine) Journey(ctx context.Context, key string) (domain.Journey, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Journey{}, err
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return domain.Journey{}, err
	}
	j, ok := cfg.Journey(key)
	if !ok {
		return domain.Journey{}, fmt.Errorf("journey %s: %w", key, repo.ErrNotFound)
	}
	return j, nil
}

// CaseInput are parameters for opening a case.
type CaseInput struct {
	JourneyKey  string
	State       string
	OwnerRef    string
	SubjectRef  string
	ExternalKey string
	Metadata    map[string]any
}

// CreateCase opens a pipeline case in the journey's first state unless an
// initial state is given.
func (e Engine) CreateCase(ctx context.Context, in CaseInput) (domain.Case, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Case{}, err
	}
	if strings.TrimSpace(in.JourneyKey) == "" {
		return domain.Case{}, validationError("journey_key is required")
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return domain.Case{}, err
	}
	j, ok := cfg.Journey(in.JourneyKey)
	if !ok {
		return domain.Case{}, validationError("unknown journey %s", in.JourneyKey)
	}
	if j.Kind == domain.JourneyPresence {
		return domain.Case{}, validationError("presence days are opened through attendance")
	}
	state := in.State
	if state == "" {
		state = j.InitialState()
	}
	if !j.HasState(state) {
		return domain.Case{}, validationError("state %s is not part of journey %s", state, j.Key)
	}
	return e.insertCase(ctx, a, j, domain.Case{
		ID:          uuid.NewString(),
		TenantID:    a.TenantID,
		JourneyKey:  j.Key,
		State:       state,
		Status:      j.StatusFor(state, ""),
		OwnerRef:    in.OwnerRef,
		SubjectRef:  in.SubjectRef,
		ExternalKey: in.ExternalKey,
		Metadata:    in.Metadata,
	})
}

func (e Engine) insertCase(ctx context.Context, a app.Actor, j domain.Journey, c domain.Case) (domain.Case, error) {
	now := e.timestamp()
	c.CreatedAt, c.UpdatedAt = now, now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: c.TenantID,
		CaseID:   c.ID,
		Type:     "case.created",
		Actor:    eventActor(a),
		Message:  fmt.Sprintf("Case opened in %s at %s", j.Name, c.State),
		Meta:     events.EventPayload{"journey": j.Key, "state": c.State},
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Case{}, err
	}
	return e.Repo.GetCase(ctx, nil, a.TenantID, id)
}

type CaseQuery struct {
	JourneyKey      string
	State           string
	Status          string
	SubjectRef      string
	IncludeArchived bool
	Page            Page
}

type CasePage struct {
	Cases      []domain.Case `json:"cases"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (e Engine) ListCases(ctx context.Context, q CaseQuery) (CasePage, error) {
	a, err := caller(ctx)
	if err != nil {
		return CasePage{}, err
	}
	limit := q.Page.limit()
	ts, id, err := parseCursor(q.Page.Cursor)
	if err != nil {
		return CasePage{}, err
	}
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{
		TenantID:        a.TenantID,
		JourneyKey:      q.JourneyKey,
		State:           q.State,
		Status:          q.Status,
		SubjectRef:      q.SubjectRef,
		IncludeArchived: q.IncludeArchived,
		Limit:           limit + 1,
		CursorCreatedAt: ts,
		CursorID:        id,
	})
	if err != nil {
		return CasePage{}, err
	}
	page := CasePage{Cases: cases}
	if len(cases) > limit {
		page.Cases = cases[:limit]
		last := page.Cases[limit-1]
		page.NextCursor = composeCursor(last.CreatedAt, last.ID)
	}
	if page.Cases == nil {
		page.Cases = []domain.Case{}
	}
	return page, nil
}

// ArchiveCase sets the soft-removal marker. The case and its history stay.
func (e Engine) ArchiveCase(ctx context.Context, id, reason string) (domain.Case, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Case{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ArchiveCase(ctx, tx, a.TenantID, id, e.timestamp()); err != nil {
		return domain.Case{}, err
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   id,
		Type:     "case.archived",
		Actor:    eventActor(a),
		Message:  "Case archived",
		Meta:     events.EventPayload{"reason": reason},
	}); err != nil {
		return domain.Case{}, err
	}
	c, err := e.Repo.GetCase(ctx, tx, a.TenantID, id)
	if err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// Board groups a journey's open cases by configured state. Cases whose state
// is no longer configured land in the unclassified bucket.
func (e Engine) Board(ctx context.Context, journeyKey string) (domain.Board, error) {
	j, err := e.Journey(ctx, journeyKey)
	if err != nil {
		return domain.Board{}, err
	}
	a, _ := caller(ctx)
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{TenantID: a.TenantID, JourneyKey: j.Key})
	if err != nil {
		return domain.Board{}, err
	}
	board := domain.Board{JourneyKey: j.Key, Unclassified: []domain.Case{}}
	index := map[string]int{}
	for i, s := range j.States {
		index[s] = i
		board.Columns = append(board.Columns, domain.BoardColumn{State: s, Cases: []domain.Case{}})
	}
	for _, c := range cases {
		i, ok := index[c.State]
		if !ok {
			board.Unclassified = append(board.Unclassified, c)
			continue
		}
		board.Columns[i].Cases = append(board.Columns[i].Cases, c)
	}
	return board, nil
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
