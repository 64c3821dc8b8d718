package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/events"
	"caseflow/internal/presence"
	"caseflow/internal/repo"
)

// PendencyGeofence is the pendency type opened for out-of-radius punches.
const PendencyGeofence = "geofence_justification"

// Punch statuses.
const (
	PunchRecorded  = "recorded"
	PunchException = "exception"
)

func (e Engine) presenceJourney(cfg *config.Config) (domain.Journey, error) {
	if cfg.Presence.Journey == "" {
		return domain.Journey{}, validationError("tenant has no presence journey configured")
	}
	j, ok := cfg.Journey(cfg.Presence.Journey)
	if !ok {
		return domain.Journey{}, validationError("presence journey %s is not configured", cfg.Presence.Journey)
	}
	return j, nil
}

// OpenAttendanceDay returns the subject's case for a day, creating it on
// first use. There is one case per subject and day.
func (e Engine) OpenAttendanceDay(ctx context.Context, subjectRef, day string) (domain.Case, error) {
	a, err := caller(ctx)
	if err != nil {
		return domain.Case{}, err
	}
	if strings.TrimSpace(subjectRef) == "" {
		return domain.Case{}, validationError("subject_ref is required")
	}
	if day == "" {
		day = e.now().UTC().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return domain.Case{}, validationError("day must be YYYY-MM-DD")
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return domain.Case{}, err
	}
	j, err := e.presenceJourney(cfg)
	if err != nil {
		return domain.Case{}, err
	}
	key := subjectRef + "|" + day
	if c, err := e.Repo.GetCaseByExternalKey(ctx, nil, a.TenantID, j.Key, key); err == nil {
		return c, nil
	} else if !IsNotFound(err) {
		return domain.Case{}, err
	}
	c, err := e.insertCase(ctx, a, j, domain.Case{
		ID:          uuid.NewString(),
		TenantID:    a.TenantID,
		JourneyKey:  j.Key,
		State:       presence.AguardandoEntrada,
		Status:      j.StatusFor(presence.AguardandoEntrada, ""),
		SubjectRef:  subjectRef,
		ExternalKey: key,
		Metadata:    map[string]any{"day": day},
	})
	if err != nil {
		// Lost a race with a concurrent open of the same day.
		if existing, getErr := e.Repo.GetCaseByExternalKey(ctx, nil, a.TenantID, j.Key, key); getErr == nil {
			return existing, nil
		}
		return domain.Case{}, err
	}
	return c, nil
}

type PunchRequest struct {
	CaseID         string
	Timestamp      time.Time
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	Source         string
	// ExpectedType, when set, must match the inferred next punch.
	ExpectedType string
}

type PunchResult struct {
	Punch           domain.Punch `json:"punch"`
	RecordedType    string       `json:"recorded_type"`
	WithinRadius    bool         `json:"within_radius"`
	DistanceMeters  float64      `json:"distance_meters"`
	PendencyCreated string       `json:"pendency_created,omitempty"`
	DayState        string       `json:"day_state"`
}

// SubmitPunch records the next punch of an attendance day. Location never
// blocks recording: a fix outside the site radius is stored and opens one
// required justification pendency.
func (e Engine) SubmitPunch(ctx context.Context, req PunchRequest) (res PunchResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.submit_punch", attribute.String("case.id", req.CaseID))
	defer func() { endSpan(span, err) }()

	a, err := caller(ctx)
	if err != nil {
		return PunchResult{}, err
	}
	if strings.TrimSpace(req.CaseID) == "" {
		return PunchResult{}, validationError("case id is required")
	}
	if err := presence.ValidateFix(req.Latitude, req.Longitude, req.AccuracyMeters); err != nil {
		return PunchResult{}, validationError("%v", err)
	}
	if req.ExpectedType != "" {
		if _, err := presence.ParsePunchType(req.ExpectedType); err != nil {
			return PunchResult{}, validationError("%v", err)
		}
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = e.now()
	}
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return PunchResult{}, err
	}
	j, err := e.presenceJourney(cfg)
	if err != nil {
		return PunchResult{}, err
	}

	release, ok := e.Guard.TryAcquire(guardKey(a.TenantID, req.CaseID))
	if !ok {
		return PunchResult{}, newError(CodeBusy, "another punch for this day is in flight", map[string]any{"case_id": req.CaseID})
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PunchResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCase(ctx, tx, a.TenantID, req.CaseID)
	if err != nil {
		return PunchResult{}, err
	}
	if c.JourneyKey != j.Key {
		return PunchResult{}, invalidTransition("case is not an attendance day", map[string]any{"journey": c.JourneyKey})
	}
	if c.ArchivedAt != nil {
		return PunchResult{}, invalidTransition("case is archived", nil)
	}
	punches, err := e.Repo.ListPunches(ctx, tx, a.TenantID, c.ID)
	if err != nil {
		return PunchResult{}, err
	}
	var last *presence.PunchType
	if n := len(punches); n > 0 {
		t := presence.PunchType(punches[n-1].Type)
		last = &t
		prev, err := time.Parse(events.TimeLayout, punches[n-1].Timestamp)
		if err == nil && req.Timestamp.Before(prev) {
			return PunchResult{}, validationError("punch timestamp precedes the previous punch")
		}
	}
	next, ok := presence.InferNextPunchType(last, cfg.Presence.BreakRequired)
	if !ok {
		return PunchResult{}, invalidTransition("attendance day is closed to further punches", map[string]any{"case_id": c.ID})
	}
	if req.ExpectedType != "" && req.ExpectedType != string(next) {
		return PunchResult{}, invalidTransition(fmt.Sprintf("next punch is %s, not %s", next, req.ExpectedType), map[string]any{"next": string(next)})
	}

	within, distance := cfg.Site().Within(req.Latitude, req.Longitude)
	now := e.timestamp()
	p := domain.Punch{
		ID:             uuid.NewString(),
		TenantID:       a.TenantID,
		CaseID:         c.ID,
		Seq:            len(punches) + 1,
		Timestamp:      req.Timestamp.UTC().Format(events.TimeLayout),
		Type:           string(next),
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		WithinRadius:   within,
		DistanceMeters: &distance,
		Status:         PunchRecorded,
		Source:         req.Source,
		CreatedAt:      now,
	}
	if !within {
		p.Status = PunchException
	}
	if err := e.Repo.InsertPunch(ctx, tx, p); err != nil {
		return PunchResult{}, fmt.Errorf("insert punch: %w", err)
	}

	res = PunchResult{Punch: p, RecordedType: p.Type, WithinRadius: within, DistanceMeters: distance}
	if !within {
		pend := domain.Pendency{
			ID:           uuid.NewString(),
			TenantID:     a.TenantID,
			CaseID:       c.ID,
			Type:         PendencyGeofence,
			AssignedRole: cfg.Presence.JustificationRole,
			QuestionText: fmt.Sprintf("%s punch recorded %.0fm from the site (radius %.0fm). Please justify.", p.Type, distance, cfg.Presence.Site.RadiusMeters),
			Required:     true,
			Status:       domain.PendencyOpen,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertPendency(ctx, tx, pend); err != nil {
			return PunchResult{}, fmt.Errorf("insert geofence pendency: %w", err)
		}
		if err := e.pendencyEvent(ctx, tx, app.Actor{TenantID: a.TenantID, Ref: "presence", Type: domain.ActorSystem}, pend, "pendency.created", pend.QuestionText); err != nil {
			return PunchResult{}, err
		}
		res.PendencyCreated = pend.ID
	}

	from := c.State
	state, err := e.deriveDayState(ctx, tx, cfg, j, a.TenantID, c.ID, append(punches, p))
	if err != nil {
		return PunchResult{}, err
	}
	if state != from {
		if err := e.setDerivedState(ctx, tx, j, c, state); err != nil {
			return PunchResult{}, err
		}
	}
	res.DayState = state

	meta := events.EventPayload{
		"punch_id":      p.ID,
		"punch_type":    p.Type,
		"seq":           p.Seq,
		"within_radius": within,
		"distance_m":    distance,
		"from":          from,
		"to":            state,
	}
	if res.PendencyCreated != "" {
		meta["pendency_id"] = res.PendencyCreated
	}
	if _, err := e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   c.ID,
		Type:     "punch.recorded",
		Actor:    eventActor(a),
		Message:  fmt.Sprintf("%s punch recorded", p.Type),
		Meta:     meta,
	}); err != nil {
		return PunchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PunchResult{}, err
	}
	return res, nil
}

func (e Engine) ListPunches(ctx context.Context, caseID string) ([]domain.Punch, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListPunches(ctx, nil, a.TenantID, caseID)
}

func (e Engine) deriveDayState(ctx context.Context, tx *sql.Tx, cfg *config.Config, j domain.Journey, tenantID, caseID string, punches []domain.Punch) (string, error) {
	in := presence.DayInput{BreakRequired: cfg.Presence.BreakRequired}
	for _, p := range punches {
		in.Punches = append(in.Punches, presence.PunchType(p.Type))
		if !p.WithinRadius {
			in.OutOfRadius = true
		}
	}
	pending, err := e.Repo.ListPendencies(ctx, tx, repo.PendencyFilters{
		TenantID:     tenantID,
		CaseID:       caseID,
		RequiredOnly: true,
		Unresolved:   true,
	})
	if err != nil {
		return "", err
	}
	for _, p := range pending {
		switch {
		case p.Status == domain.PendencyOpen:
			in.Pendencies.OpenRequired++
		case p.Status == domain.PendencyAnswered && !j.AnsweredUnblocks:
			in.Pendencies.AwaitingApproval++
		}
	}
	return presence.DeriveDayState(in), nil
}

// setDerivedState writes a derived day state without the optimistic check:
// the caller holds the write transaction and computed the state from it.
func (e Engine) setDerivedState(ctx context.Context, tx *sql.Tx, j domain.Journey, c domain.Case, state string) error {
	if !j.HasState(state) {
		return invalidTransition(fmt.Sprintf("derived state %s is not configured on %s", state, j.Key), nil)
	}
	ok, err := e.Repo.CompareAndSwapState(ctx, tx, c.TenantID, c.ID, c.State, state, j.StatusFor(state, c.Status), e.timestamp())
	if err != nil {
		return err
	}
	if !ok {
		return staleState(c.ID, c.State, "")
	}
	return nil
}

// rederiveDay refreshes an attendance day's state after its pendencies
// changed. Non-presence cases are left alone.
func (e Engine) rederiveDay(ctx context.Context, tx *sql.Tx, a app.Actor, c domain.Case) error {
	cfg, err := e.TenantConfig(ctx, a.TenantID)
	if err != nil {
		return err
	}
	if cfg.Presence.Journey == "" || c.JourneyKey != cfg.Presence.Journey {
		return nil
	}
	j, err := e.presenceJourney(cfg)
	if err != nil {
		return err
	}
	punches, err := e.Repo.ListPunches(ctx, tx, a.TenantID, c.ID)
	if err != nil {
		return err
	}
	state, err := e.deriveDayState(ctx, tx, cfg, j, a.TenantID, c.ID, punches)
	if err != nil {
		return err
	}
	if state == c.State {
		return nil
	}
	if err := e.setDerivedState(ctx, tx, j, c, state); err != nil {
		return err
	}
	_, err = e.events().Append(ctx, tx, events.Event{
		TenantID: a.TenantID,
		CaseID:   c.ID,
		Type:     "presence.state_derived",
		Actor:    events.Actor{Type: domain.ActorSystem, Ref: "presence"},
		Message:  fmt.Sprintf("%s -> %s", c.State, state),
		Meta:     events.EventPayload{"from": c.State, "to": state},
	})
	return err
}
