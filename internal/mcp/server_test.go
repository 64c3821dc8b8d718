package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"caseflow/internal/app"
	"caseflow/internal/classify"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
)

const tenantID = "acme"

func newTestServer(t *testing.T) (*Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	if err := app.CreateTenant(context.Background(), e.Repo, tenantID, config.Default(tenantID), "owner"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return NewServer(e, tenantID, "assistant", "test"), e
}

func humanCtx() context.Context {
	return app.WithActor(context.Background(), app.Actor{TenantID: tenantID, Ref: "owner", Type: domain.ActorHuman})
}

// callTool connects a client to the server and calls a tool.
func callTool(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	t1, t2 := gomcp.NewInMemoryTransports()
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool %s: %v", toolName, err)
	}
	return result
}

func decode(t *testing.T, result *gomcp.CallToolResult, out any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
	if err := json.Unmarshal([]byte(extractText(result)), out); err == nil {
		return
	}
	data, _ := json.Marshal(result.StructuredContent)
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode tool output: %v", err)
	}
}

func TestGetCase(t *testing.T) {
	srv, e := newTestServer(t)
	c, err := e.CreateCase(humanCtx(), engine.CaseInput{JourneyKey: "crm", SubjectRef: "lead-1"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	var out caseOutput
	decode(t, callTool(t, srv, "get_case", map[string]any{"case_id": c.ID}), &out)
	if out.ID != c.ID || out.State != "LEAD" || out.SubjectRef != "lead-1" {
		t.Fatalf("unexpected case %+v", out)
	}

	result := callTool(t, srv, "get_case", map[string]any{"case_id": "missing"})
	if !result.IsError || !strings.Contains(extractText(result), "not found") {
		t.Fatalf("expected not found error, got %s", extractText(result))
	}
}

func TestTransitionActsAsAI(t *testing.T) {
	srv, e := newTestServer(t)
	c, err := e.CreateCase(humanCtx(), engine.CaseInput{JourneyKey: "crm"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	var moved transitionOutput
	decode(t, callTool(t, srv, "transition_case", map[string]any{
		"case_id": c.ID, "from_state": "LEAD", "to_state": "QUALIFICADO",
	}), &moved)
	if moved.Case.State != "QUALIFICADO" || moved.EventID == 0 {
		t.Fatalf("unexpected transition %+v", moved)
	}

	stale := callTool(t, srv, "transition_case", map[string]any{
		"case_id": c.ID, "from_state": "LEAD", "to_state": "QUALIFICADO",
	})
	if !stale.IsError || !strings.Contains(extractText(stale), "re-read") {
		t.Fatalf("expected stale hint, got %s", extractText(stale))
	}

	decode(t, callTool(t, srv, "transition_case", map[string]any{
		"case_id": c.ID, "from_state": "QUALIFICADO", "to_state": "PROPOSTA",
	}), &moved)
	closing := callTool(t, srv, "transition_case", map[string]any{
		"case_id": c.ID, "from_state": "PROPOSTA", "to_state": "GANHO",
	})
	if !closing.IsError || !strings.Contains(extractText(closing), engine.CodeInvalidTransition) {
		t.Fatalf("ai must not close a governed case, got %s", extractText(closing))
	}

	page, err := e.Timeline(humanCtx(), c.ID, engine.Page{})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	var transitions int
	for _, evt := range page.Events {
		if evt.Type == "transition" {
			transitions++
			if evt.ActorType != domain.ActorAI || evt.ActorRef != "assistant" {
				t.Fatalf("transition attributed to %s/%s", evt.ActorType, evt.ActorRef)
			}
		}
	}
	if transitions != 2 {
		t.Fatalf("expected 2 transition events, got %d", transitions)
	}
}

func TestDraftCustomerMessageWaitsForHuman(t *testing.T) {
	srv, e := newTestServer(t)
	c, err := e.CreateCase(humanCtx(), engine.CaseInput{JourneyKey: "crm"})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}

	var out draftOutput
	decode(t, callTool(t, srv, "draft_customer_message", map[string]any{
		"case_id": c.ID, "body": "Proposal attached",
	}), &out)
	if out.Status != domain.OutboxAwaitingApproval {
		t.Fatalf("expected awaiting approval, got %+v", out)
	}
	decisions, err := e.Decisions(humanCtx(), c.ID, engine.Page{})
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(decisions.Decisions) != 1 || decisions.Decisions[0].Kind != engine.DecisionCommunicationDraft {
		t.Fatalf("expected a draft decision log, got %+v", decisions.Decisions)
	}
}

func TestSuggestCategory(t *testing.T) {
	srv, e := newTestServer(t)

	var miss suggestOutput
	decode(t, callTool(t, srv, "suggest_category", map[string]any{"description": "Uber to airport"}), &miss)
	if miss.Found {
		t.Fatalf("expected no suggestion without rules, got %+v", miss)
	}

	if _, err := e.LearnCategory(humanCtx(), classify.LearnInput{Description: "Uber to airport", CategoryID: "transport"}); err != nil {
		t.Fatalf("learn: %v", err)
	}
	var hit suggestOutput
	decode(t, callTool(t, srv, "suggest_category", map[string]any{"description": "UBER TO AIRPORT"}), &hit)
	if !hit.Found || hit.CategoryID != "transport" || hit.DecisionID == "" {
		t.Fatalf("expected transport suggestion, got %+v", hit)
	}
}

func TestMissingArguments(t *testing.T) {
	srv, _ := newTestServer(t)
	result := callTool(t, srv, "case_timeline", map[string]any{"case_id": ""})
	if !result.IsError {
		t.Fatal("expected error for empty case_id")
	}
}

// extractText returns the text of the first TextContent in a result.
func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
