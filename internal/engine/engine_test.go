package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"pgregory.net/rapid"

	"caseflow/internal/app"
	"caseflow/internal/classify"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/events"
	"caseflow/internal/migrate"
	"caseflow/internal/presence"
)

const tenantID = "acme"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Cfg    *config.Config
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(tenantID)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	eng.Logger = nil
	if err := app.CreateTenant(context.Background(), eng.Repo, tenantID, cfg, "owner"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	ctx := app.WithActor(context.Background(), app.Actor{TenantID: tenantID, Ref: "owner", Type: domain.ActorHuman})
	return testEnv{Engine: eng, Ctx: ctx, Cfg: cfg}
}

func (env testEnv) as(ref, actorType string) context.Context {
	return app.WithActor(context.Background(), app.Actor{TenantID: tenantID, Ref: ref, Type: actorType})
}

func (env testEnv) updateConfig(t *testing.T, mutate func(*config.Config)) {
	t.Helper()
	mutate(env.Cfg)
	if err := env.Engine.Repo.UpsertTenantConfig(context.Background(), nil, tenantID, env.Cfg); err != nil {
		t.Fatalf("update config: %v", err)
	}
}

func mustCase(t *testing.T, env testEnv, journey string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseInput{JourneyKey: journey})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func mustMove(t *testing.T, env testEnv, ctx context.Context, id, from, to string) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.TransitionCase(ctx, id, from, to)
	if err != nil {
		t.Fatalf("%s -> %s: %v", from, to, err)
	}
	return res
}

func TestCreateCaseStartsInFirstState(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	if c.State != "CRIAR" || c.Status != domain.CaseOpen {
		t.Fatalf("unexpected case %+v", c)
	}
	if _, err := env.Engine.CreateCase(env.Ctx, engine.CaseInput{JourneyKey: "ponto"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("presence case via CreateCase should fail, got %v", err)
	}
	if _, err := env.Engine.CreateCase(env.Ctx, engine.CaseInput{JourneyKey: "missing"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("unknown journey should fail, got %v", err)
	}
}

func TestContentJourneyScenario(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")

	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")
	res := mustMove(t, env, env.Ctx, c.ID, "PRODUCAO", "APROVACAO")
	if res.Case.Status != domain.CaseConfirmed {
		t.Fatalf("expected confirmed status, got %s", res.Case.Status)
	}
	if len(res.Outcomes) != 2 || len(res.Warnings) != 0 {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}

	msgs, err := env.Engine.ListOutbox(env.Ctx, c.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != domain.OutboxAwaitingApproval {
		t.Fatalf("notify_customer must only queue a draft, got %+v", msgs)
	}

	_, err = env.Engine.TransitionCase(env.Ctx, c.ID, "APROVACAO", "PUBLICADO")
	var engErr *engine.Error
	if !errors.As(err, &engErr) || engErr.Code != engine.CodeInvalidTransition {
		t.Fatalf("expected gate rejection, got %v", err)
	}
	ids, _ := engErr.Details["pendency_ids"].([]string)
	if len(ids) != 1 {
		t.Fatalf("expected one blocking pendency, got %v", engErr.Details)
	}
	got, err := env.Engine.GetCase(env.Ctx, c.ID)
	if err != nil || got.State != "APROVACAO" {
		t.Fatalf("rejected transition must not move the case: %+v %v", got, err)
	}

	if _, err := env.Engine.AnswerPendency(env.Ctx, ids[0], "looks good"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := env.Engine.TransitionCase(env.Ctx, c.ID, "APROVACAO", "PUBLICADO"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("answered pendency should still block, got %v", err)
	}
	if _, err := env.Engine.ApprovePendency(env.Ctx, ids[0]); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res = mustMove(t, env, env.Ctx, c.ID, "APROVACAO", "PUBLICADO")
	if res.Case.Status != domain.CaseClosed {
		t.Fatalf("closing state should close the case, got %s", res.Case.Status)
	}

	n, err := env.Engine.CountTransitions(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3 transition events, got %d", n)
	}
}

func TestNoOpTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	j, err := env.Engine.Journey(env.Ctx, "content")
	if err != nil {
		t.Fatal(err)
	}
	rapid.Check(t, func(rt *rapid.T) {
		state := rapid.SampledFrom(j.States).Draw(rt, "state")
		if _, err := env.Engine.Transition(env.Ctx, c.ID, state, state, j); !errors.Is(err, engine.ErrValidation) {
			rt.Fatalf("no-op %s accepted: %v", state, err)
		}
	})
	n, err := env.Engine.CountTransitions(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("no-op must not write events, got %d", n)
	}
}

func TestStaleAndStrictTransitions(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "crm")
	if _, err := env.Engine.TransitionCase(env.Ctx, c.ID, "QUALIFICADO", "PROPOSTA"); !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if _, err := env.Engine.TransitionCase(env.Ctx, c.ID, "LEAD", "GANHO"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("strict journey must reject undeclared move, got %v", err)
	}
	if _, err := env.Engine.TransitionCase(env.Ctx, c.ID, "LEAD", "NOPE"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("unknown state must be rejected, got %v", err)
	}
	res := mustMove(t, env, env.Ctx, c.ID, "LEAD", "QUALIFICADO")
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, tenantID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != res.Outcomes[0].RefID {
		t.Fatalf("expected create_task outcome, got %+v", tasks)
	}
	// Wildcard rule: non-required pendency does not block a closing state.
	mustMove(t, env, env.Ctx, c.ID, "QUALIFICADO", "PERDIDO")
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.TransitionCase(env.Ctx, c.ID, "CRIAR", "PRODUCAO")
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrStaleState), errors.Is(err, engine.ErrBusy):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	n, err := env.Engine.CountTransitions(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one transition event, got %d", n)
	}
}

func TestSeparateInstancesRaceOnStoredState(t *testing.T) {
	env := newTestEnv(t)
	// Two handler instances share the database but not the in-process guard.
	other := engine.New(env.Engine.DB)
	other.Now = env.Engine.Now
	other.Logger = nil
	instances := []engine.Engine{env.Engine, other}

	for round := 0; round < 20; round++ {
		c := mustCase(t, env, "content")
		var wg sync.WaitGroup
		errs := make([]error, len(instances))
		start := make(chan struct{})
		for i, inst := range instances {
			wg.Add(1)
			go func(i int, inst engine.Engine) {
				defer wg.Done()
				<-start
				_, errs[i] = inst.TransitionCase(env.Ctx, c.ID, "CRIAR", "PRODUCAO")
			}(i, inst)
		}
		close(start)
		wg.Wait()

		wins, stale := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, engine.ErrStaleState):
				stale++
			default:
				t.Fatalf("round %d: unexpected error: %v", round, err)
			}
		}
		if wins != 1 || stale != 1 {
			t.Fatalf("round %d: expected one winner and one stale, got %d/%d", round, wins, stale)
		}
		n, err := env.Engine.CountTransitions(env.Ctx, c.ID)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("round %d: expected one transition event, got %d", round, n)
		}
	}
}

func TestCompareAndSwapRejectsStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")

	ctx := context.Background()
	tx, err := env.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	swapped, err := env.Engine.Repo.CompareAndSwapState(ctx, tx, tenantID, c.ID, "CRIAR", "APROVACAO", domain.CaseOpen, "2024-01-01T09:00:00.000000Z")
	if err != nil {
		t.Fatal(err)
	}
	if swapped {
		t.Fatal("write against a stale expected state must not apply")
	}
	got, err := env.Engine.Repo.GetCase(ctx, tx, tenantID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "PRODUCAO" {
		t.Fatalf("stored state changed to %s", got.State)
	}
}

func TestLogEventCannotForgeEngineEvents(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	forged := []string{"transition", "pendency.approved", "outbox.approved", "punch.recorded", "presence.state_derived", "case.archived"}
	actions := []domain.ActionSpec{{Kind: domain.ActionLogEvent}}
	for _, evtType := range forged {
		actions = append(actions, domain.ActionSpec{Kind: domain.ActionLogEvent, Params: map[string]any{"type": evtType}})
	}
	j := domain.Journey{
		Key:         "content",
		Kind:        domain.JourneyPipeline,
		States:      []string{"CRIAR", "PRODUCAO"},
		Transitions: []domain.TransitionRule{{From: "CRIAR", To: "PRODUCAO", Actions: actions}},
	}
	runner := engine.Runner{
		Repo:   env.Engine.Repo,
		Events: events.Writer{Now: env.Engine.Now},
		Now:    func() string { return env.Engine.Now().UTC().Format(events.TimeLayout) },
	}

	ctx := context.Background()
	tx, err := env.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	outcomes := runner.Run(ctx, tx, engine.RunInput{
		Case:    c,
		From:    "CRIAR",
		To:      "PRODUCAO",
		Journey: j,
		Actor:   app.Actor{TenantID: tenantID, Ref: "owner", Type: domain.ActorHuman},
	})
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != len(actions) {
		t.Fatalf("expected %d outcomes, got %+v", len(actions), outcomes)
	}
	if outcomes[0].Status != engine.OutcomeOK {
		t.Fatalf("default log type should be accepted, got %+v", outcomes[0])
	}
	for i, o := range outcomes[1:] {
		if o.Status != engine.OutcomeFailed {
			t.Fatalf("log_event %s should fail, got %+v", forged[i], o)
		}
	}

	page, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	for _, evt := range page.Events {
		if evt.Type != "case.created" && evt.Type != "automation.log" {
			t.Fatalf("forged event %s reached the timeline", evt.Type)
		}
	}
}

func TestFailingAutomationStillAudited(t *testing.T) {
	env := newTestEnv(t)
	env.updateConfig(t, func(cfg *config.Config) {
		for i := range cfg.Journeys {
			if cfg.Journeys[i].Key != "content" {
				continue
			}
			cfg.Journeys[i].Transitions = append(cfg.Journeys[i].Transitions, domain.TransitionRule{
				From: "CRIAR",
				To:   "PRODUCAO",
				Actions: []domain.ActionSpec{
					{Kind: domain.ActionCreatePendency, Params: map[string]any{"required": true}},
					{Kind: domain.ActionLogEvent, Params: map[string]any{"type": "content.started"}},
				},
			})
		}
	})
	c := mustCase(t, env, "content")
	res := mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")
	if len(res.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %+v", res.Outcomes)
	}
	if res.Outcomes[0].Status != engine.OutcomeFailed || res.Outcomes[1].Status != engine.OutcomeOK {
		t.Fatalf("unexpected outcomes %+v", res.Outcomes)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
	pend, err := env.Engine.ListPendencies(env.Ctx, c.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pend) != 0 {
		t.Fatalf("failed action must leave nothing behind, got %+v", pend)
	}

	page, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	var transitions int
	var started bool
	for _, evt := range page.Events {
		switch evt.Type {
		case engine.EventTransition:
			transitions++
			warnings, _ := evt.Meta["warnings"].([]any)
			if len(warnings) != 1 {
				t.Fatalf("transition event should carry the warning, got %v", evt.Meta)
			}
		case "content.started":
			started = true
		}
	}
	if transitions != 1 || !started {
		t.Fatalf("timeline incomplete: %+v", page.Events)
	}
}

func TestGateOnlyGuardsClosingStates(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	p, err := env.Engine.CreatePendency(env.Ctx, engine.PendencyInput{CaseID: c.ID, Question: "Brief attached?", Required: true})
	if err != nil {
		t.Fatal(err)
	}
	j, _ := env.Engine.Journey(env.Ctx, "content")
	ok, blocking, err := env.Engine.CanTransition(env.Ctx, c.ID, "CRIAR", "PRODUCAO", j)
	if err != nil || !ok || len(blocking) != 0 {
		t.Fatalf("non-closing target must pass: %v %v %v", ok, blocking, err)
	}
	ok, blocking, err = env.Engine.CanTransition(env.Ctx, c.ID, "CRIAR", "PUBLICADO", j)
	if err != nil || ok || len(blocking) != 1 || blocking[0].ID != p.ID {
		t.Fatalf("closing target must be blocked: %v %v %v", ok, blocking, err)
	}
	if _, err := env.Engine.DismissPendency(env.Ctx, p.ID, "not needed"); err != nil {
		t.Fatal(err)
	}
	open, err := env.Engine.ListOpenRequired(env.Ctx, c.ID)
	if err != nil || len(open) != 0 {
		t.Fatalf("dismissed pendency still blocking: %v %v", open, err)
	}
}

func TestAnsweredUnblocksJourney(t *testing.T) {
	env := newTestEnv(t)
	env.updateConfig(t, func(cfg *config.Config) {
		for i := range cfg.Journeys {
			if cfg.Journeys[i].Key == "content" {
				cfg.Journeys[i].AnsweredUnblocks = true
			}
		}
	})
	c := mustCase(t, env, "content")
	p, err := env.Engine.CreatePendency(env.Ctx, engine.PendencyInput{CaseID: c.ID, Question: "Rights cleared?", Required: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AnswerPendency(env.Ctx, p.ID, "yes"); err != nil {
		t.Fatal(err)
	}
	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PUBLICADO")
}

func TestGovernanceRequiresHumans(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")
	ai := env.as("assistant", domain.ActorAI)

	// ai may advance non-closing states.
	mustMove(t, env, ai, c.ID, "PRODUCAO", "APROVACAO")
	if _, err := env.Engine.TransitionCase(ai, c.ID, "APROVACAO", "PUBLICADO"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("ai must not close governed case, got %v", err)
	}

	pend, err := env.Engine.ListOpenRequired(env.Ctx, c.ID)
	if err != nil || len(pend) != 1 {
		t.Fatalf("expected review pendency: %v %v", pend, err)
	}
	if _, err := env.Engine.AnswerPendency(ai, pend[0].ID, "draft ok"); err != nil {
		t.Fatalf("ai may answer: %v", err)
	}
	var human auth.HumanRequiredError
	if _, err := env.Engine.ApprovePendency(ai, pend[0].ID); !errors.As(err, &human) {
		t.Fatalf("ai approval must be refused, got %v", err)
	}
	var forbidden auth.ForbiddenError
	if _, err := env.Engine.ApprovePendency(env.as("intern", domain.ActorHuman), pend[0].ID); !errors.As(err, &forbidden) {
		t.Fatalf("human without permission must be refused, got %v", err)
	}

	msgs, err := env.Engine.ListOutbox(env.Ctx, c.ID, domain.OutboxAwaitingApproval, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one draft: %v %v", msgs, err)
	}
	if _, err := env.Engine.ApproveMessage(ai, msgs[0].ID); !errors.As(err, &human) {
		t.Fatalf("ai must not release messages, got %v", err)
	}
	due, err := env.Engine.DueMessages(env.Ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("unapproved message must not be due: %v %v", due, err)
	}
	m, err := env.Engine.ApproveMessage(env.Ctx, msgs[0].ID)
	if err != nil {
		t.Fatalf("approve message: %v", err)
	}
	if m.Status != domain.OutboxApproved || m.ApprovedBy != "owner" {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, err := env.Engine.RejectMessage(env.Ctx, m.ID, "late"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("decided message must not be decided again, got %v", err)
	}
	due, err = env.Engine.DueMessages(env.Ctx, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("approved message should be due: %v %v", due, err)
	}
	if err := env.Engine.MarkMessageSent(env.Ctx, due[0]); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("a human must not record deliveries, got %v", err)
	}
	dispatcher := engine.SystemContext(context.Background(), tenantID, "dispatcher")
	if err := env.Engine.MarkMessageSent(dispatcher, due[0]); err != nil {
		t.Fatal(err)
	}
	sent, err := env.Engine.GetOutboxMessage(env.Ctx, m.ID)
	if err != nil || sent.Status != domain.OutboxSent {
		t.Fatalf("expected sent, got %+v %v", sent, err)
	}
}

func TestAIDraftRecordsDecision(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "crm")
	ai := env.as("assistant", domain.ActorAI)
	m, err := env.Engine.PrepareCustomerMessage(ai, c.ID, "", "", "Following up on your proposal.")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != domain.OutboxAwaitingApproval || m.Channel != "email" {
		t.Fatalf("unexpected draft %+v", m)
	}
	page, err := env.Engine.Decisions(env.Ctx, c.ID, engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Decisions) != 1 || page.Decisions[0].Kind != engine.DecisionCommunicationDraft {
		t.Fatalf("expected draft decision, got %+v", page.Decisions)
	}
}

func TestDispatchFailureBackoff(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "crm")
	m, err := env.Engine.PrepareCustomerMessage(env.Ctx, c.ID, "sms", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ApproveMessage(env.Ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	dispatcher := engine.SystemContext(context.Background(), tenantID, "dispatcher")
	other := engine.SystemContext(context.Background(), "other-tenant", "dispatcher")
	if err := env.Engine.MarkMessageFailed(other, m, errors.New("gateway down"), time.Time{}); !engine.IsNotFound(err) {
		t.Fatalf("another tenant's dispatcher must not see the message, got %v", err)
	}
	next := env.Engine.Now().Add(time.Minute)
	if err := env.Engine.MarkMessageFailed(dispatcher, m, errors.New("gateway down"), next); err != nil {
		t.Fatal(err)
	}
	due, err := env.Engine.DueMessages(env.Ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("rescheduled message must wait: %v %v", due, err)
	}
	got, _ := env.Engine.GetOutboxMessage(env.Ctx, m.ID)
	if got.AttemptCount != 1 || got.LastError != "gateway down" || got.Status != domain.OutboxApproved {
		t.Fatalf("unexpected message %+v", got)
	}
	if err := env.Engine.MarkMessageFailed(dispatcher, got, errors.New("gateway down"), time.Time{}); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetOutboxMessage(env.Ctx, m.ID)
	if got.Status != domain.OutboxFailed {
		t.Fatalf("expected terminal failure, got %s", got.Status)
	}
}

func TestAttendanceDayGeofence(t *testing.T) {
	env := newTestEnv(t)
	day, err := env.Engine.OpenAttendanceDay(env.Ctx, "emp-7", "2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.OpenAttendanceDay(env.Ctx, "emp-7", "2024-01-01")
	if err != nil || again.ID != day.ID {
		t.Fatalf("day must be opened once: %v %v", again.ID, err)
	}
	if day.State != presence.AguardandoEntrada {
		t.Fatalf("unexpected initial state %s", day.State)
	}

	// Far from the site: recorded anyway, with a justification pendency.
	res, err := env.Engine.SubmitPunch(env.Ctx, engine.PunchRequest{CaseID: day.ID, Latitude: -23.60, Longitude: -46.70, AccuracyMeters: 10})
	if err != nil {
		t.Fatalf("out-of-radius punch must not be blocked: %v", err)
	}
	if res.RecordedType != string(presence.Entry) || res.WithinRadius || res.PendencyCreated == "" {
		t.Fatalf("unexpected punch result %+v", res)
	}
	if res.DayState != presence.EmExpediente {
		t.Fatalf("expected EM_EXPEDIENTE, got %s", res.DayState)
	}

	res, err = env.Engine.SubmitPunch(env.Ctx, engine.PunchRequest{CaseID: day.ID, Latitude: -23.5505, Longitude: -46.6333, AccuracyMeters: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordedType != string(presence.Exit) || res.DayState != presence.PendenteJustificativa {
		t.Fatalf("unexpected exit result %+v", res)
	}
	if _, err := env.Engine.SubmitPunch(env.Ctx, engine.PunchRequest{CaseID: day.ID, Latitude: -23.5505, Longitude: -46.6333}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("punch after exit must be refused, got %v", err)
	}

	pend, err := env.Engine.ListOpenRequired(env.Ctx, day.ID)
	if err != nil || len(pend) != 1 || pend[0].Type != engine.PendencyGeofence {
		t.Fatalf("expected geofence pendency: %+v %v", pend, err)
	}
	if _, err := env.Engine.AnswerPendency(env.as("emp-7", domain.ActorHuman), pend[0].ID, "client visit"); err != nil {
		t.Fatal(err)
	}
	c, _ := env.Engine.GetCase(env.Ctx, day.ID)
	if c.State != presence.PendenteAprovacao {
		t.Fatalf("expected PENDENTE_APROVACAO, got %s", c.State)
	}
	if _, err := env.Engine.ApprovePendency(env.Ctx, pend[0].ID); err != nil {
		t.Fatal(err)
	}
	c, _ = env.Engine.GetCase(env.Ctx, day.ID)
	if c.State != presence.Ajustado || c.Status != domain.CaseClosed {
		t.Fatalf("expected AJUSTADO/closed, got %s/%s", c.State, c.Status)
	}

	if _, err := env.Engine.TransitionCase(env.Ctx, day.ID, presence.Ajustado, presence.Fechado); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("presence states are derived only, got %v", err)
	}
	punches, err := env.Engine.ListPunches(env.Ctx, day.ID)
	if err != nil || len(punches) != 2 {
		t.Fatalf("expected 2 punches: %v %v", punches, err)
	}
}

func TestBoardUnclassifiedBucket(t *testing.T) {
	env := newTestEnv(t)
	drifted := mustCase(t, env, "content")
	kept := mustCase(t, env, "content")
	mustMove(t, env, env.Ctx, kept.ID, "CRIAR", "PRODUCAO")
	env.updateConfig(t, func(cfg *config.Config) {
		for i := range cfg.Journeys {
			if cfg.Journeys[i].Key == "content" {
				cfg.Journeys[i].States = []string{"PRODUCAO", "APROVACAO", "PUBLICADO"}
			}
		}
	})
	board, err := env.Engine.Board(env.Ctx, "content")
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Unclassified) != 1 || board.Unclassified[0].ID != drifted.ID {
		t.Fatalf("expected drifted case unclassified, got %+v", board.Unclassified)
	}
	if len(board.Columns) != 3 || len(board.Columns[0].Cases) != 1 {
		t.Fatalf("unexpected columns %+v", board.Columns)
	}
}

func TestPublicTimelineHidesInternalEvents(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "content")
	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")
	mustMove(t, env, env.Ctx, c.ID, "PRODUCAO", "APROVACAO")

	full, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	public, err := env.Engine.PublicTimeline(env.Ctx, c.ID, engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(public.Events) >= len(full.Events) {
		t.Fatalf("public timeline should be smaller: %d vs %d", len(public.Events), len(full.Events))
	}
	for _, evt := range public.Events {
		if env.Cfg.IsInternalEvent(evt.Type) {
			t.Fatalf("internal event leaked: %s", evt.Type)
		}
	}

	first, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Events) != 2 || first.NextCursor == "" {
		t.Fatalf("expected a cursor, got %+v", first)
	}
	rest, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{Limit: 100, Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Events)+len(rest.Events) != len(full.Events) {
		t.Fatalf("pages do not cover timeline: %d + %d != %d", len(first.Events), len(rest.Events), len(full.Events))
	}
	if _, err := env.Engine.Timeline(env.Ctx, c.ID, engine.Page{Cursor: "garbage"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("bad cursor must be rejected, got %v", err)
	}
}

func TestClassificationLoop(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SuggestCategory(env.Ctx, "", "Pagamento PIX Padaria")
	if err != nil {
		t.Fatal(err)
	}
	if res.Found || res.DecisionID == "" {
		t.Fatalf("expected miss with decision, got %+v", res)
	}
	learned, err := env.Engine.LearnCategory(env.Ctx, classify.LearnInput{Description: "Pagamento PIX Padaria", CategoryID: "food"})
	if err != nil {
		t.Fatal(err)
	}
	if learned.Outcome != classify.OutcomeCreated {
		t.Fatalf("expected created, got %s", learned.Outcome)
	}
	res, err = env.Engine.SuggestCategory(env.Ctx, "", "pagamento pix padaria")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || res.Suggestion.CategoryID != "food" {
		t.Fatalf("expected food suggestion, got %+v", res)
	}
	if _, err := env.Engine.LearnCategory(env.Ctx, classify.LearnInput{Description: "  ", CategoryID: "food"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("empty description must be rejected, got %v", err)
	}
	decisions, err := env.Engine.Decisions(env.Ctx, "", engine.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions.Decisions) != 2 {
		t.Fatalf("expected 2 suggestion decisions, got %d", len(decisions.Decisions))
	}
}

func TestArchiveKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "crm")
	archived, err := env.Engine.ArchiveCase(env.Ctx, c.ID, "duplicate")
	if err != nil {
		t.Fatal(err)
	}
	if archived.ArchivedAt == nil {
		t.Fatalf("expected archived marker")
	}
	if _, err := env.Engine.TransitionCase(env.Ctx, c.ID, "LEAD", "QUALIFICADO"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("archived case must not move, got %v", err)
	}
	page, err := env.Engine.ListCases(env.Ctx, engine.CaseQuery{JourneyKey: "crm"})
	if err != nil || len(page.Cases) != 0 {
		t.Fatalf("archived case listed: %+v %v", page, err)
	}
	page, err = env.Engine.ListCases(env.Ctx, engine.CaseQuery{JourneyKey: "crm", IncludeArchived: true})
	if err != nil || len(page.Cases) != 1 {
		t.Fatalf("archived case missing: %+v %v", page, err)
	}
}

func TestTransitionSpans(t *testing.T) {
	env := newTestEnv(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	env.Engine.Tracer = tp.Tracer("test")

	c := mustCase(t, env, "content")
	mustMove(t, env, env.Ctx, c.ID, "CRIAR", "PRODUCAO")
	_, _ = env.Engine.TransitionCase(env.Ctx, c.ID, "CRIAR", "PRODUCAO")

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "engine.transition" || spans[0].Status().Code == codes.Error {
		t.Fatalf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	if len(spans[1].Events()) == 0 {
		t.Fatalf("stale transition span should record the error")
	}
}
