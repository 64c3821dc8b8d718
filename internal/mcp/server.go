// Package mcp exposes case operations as MCP tools for AI assistants. Every
// tool call runs as an ai actor, so governance rules that reserve decisions
// for humans apply to it.
package mcp

import (
	"context"
	"errors"
	"fmt"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"caseflow/internal/app"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

type Server struct {
	server *gomcp.Server
	engine engine.Engine
	actor  app.Actor
}

// NewServer builds an MCP server acting as the ai actor agentRef of tenantID.
func NewServer(e engine.Engine, tenantID, agentRef, version string) *Server {
	if version == "" {
		version = "dev"
	}
	if agentRef == "" {
		agentRef = "assistant"
	}
	s := &Server{
		engine: e,
		actor:  app.Actor{TenantID: tenantID, Ref: agentRef, Type: domain.ActorAI},
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "caseflow", Version: version}, nil)
	s.registerTools()
	return s
}

// Run serves on stdio until the client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying server for tests.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

func (s *Server) ctx(ctx context.Context) context.Context {
	return app.WithActor(ctx, s.actor)
}

// --- Tool input/output types ---

type caseIDInput struct {
	CaseID string `json:"case_id" jsonschema:"the case identifier"`
}

type caseOutput struct {
	ID          string         `json:"id"`
	JourneyKey  string         `json:"journey_key"`
	State       string         `json:"state"`
	Status      string         `json:"status"`
	SubjectRef  string         `json:"subject_ref,omitempty"`
	ExternalKey string         `json:"external_key,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   string         `json:"updated_at"`
	Archived    bool           `json:"archived"`
}

type listCasesInput struct {
	Journey string `json:"journey,omitempty" jsonschema:"filter by journey key"`
	State   string `json:"state,omitempty" jsonschema:"filter by state"`
	Limit   int    `json:"limit,omitempty" jsonschema:"page size, default 50"`
	Cursor  string `json:"cursor,omitempty" jsonschema:"cursor from a previous page"`
}

type listCasesOutput struct {
	Cases      []caseOutput `json:"cases"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type timelineInput struct {
	CaseID string `json:"case_id" jsonschema:"the case identifier"`
	Public bool   `json:"public,omitempty" jsonschema:"only customer-facing events"`
	Limit  int    `json:"limit,omitempty" jsonschema:"page size, default 50"`
	Cursor string `json:"cursor,omitempty" jsonschema:"cursor from a previous page"`
}

type eventOutput struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	ActorType  string         `json:"actor_type"`
	ActorRef   string         `json:"actor_ref,omitempty"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

type timelineOutput struct {
	Events     []eventOutput `json:"events"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type pendencyOutput struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Question string `json:"question"`
	Status   string `json:"status"`
	Required bool   `json:"required"`
}

type pendenciesOutput struct {
	Pendencies []pendencyOutput `json:"pendencies"`
	Count      int              `json:"count"`
}

type suggestInput struct {
	Description string `json:"description" jsonschema:"free-text description to classify"`
	CaseID      string `json:"case_id,omitempty" jsonschema:"case the suggestion is for"`
}

type suggestOutput struct {
	Found      bool    `json:"found"`
	CategoryID string  `json:"category_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Match      string  `json:"match,omitempty"`
	DecisionID string  `json:"decision_id,omitempty"`
}

type transitionInput struct {
	CaseID    string `json:"case_id" jsonschema:"the case identifier"`
	FromState string `json:"from_state" jsonschema:"the state you last observed"`
	ToState   string `json:"to_state" jsonschema:"the target state"`
}

type transitionOutput struct {
	Case     caseOutput `json:"case"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	Warnings []string   `json:"warnings,omitempty"`
	EventID  int64      `json:"event_id"`
}

type answerInput struct {
	PendencyID string `json:"pendency_id" jsonschema:"the pendency identifier"`
	Text       string `json:"text" jsonschema:"the answer"`
}

type draftInput struct {
	CaseID  string `json:"case_id" jsonschema:"the case identifier"`
	Channel string `json:"channel,omitempty" jsonschema:"email, sms or whatsapp; default email"`
	Body    string `json:"body" jsonschema:"message text"`
}

type draftOutput struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_case",
		Description: "Get a case by ID, including its journey, state and metadata.",
	}, s.handleGetCase)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_cases",
		Description: "List active cases, optionally filtered by journey and state.",
	}, s.handleListCases)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "case_timeline",
		Description: "Read a case's timeline, newest first. Set public to see only customer-facing events.",
	}, s.handleTimeline)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "blocking_pendencies",
		Description: "List required pendencies that block a case from closing.",
	}, s.handleBlockingPendencies)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "answer_pendency",
		Description: "Answer an open pendency. A human still has to approve the answer.",
	}, s.handleAnswerPendency)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "suggest_category",
		Description: "Suggest a category for a description from learned rules. The rationale is recorded.",
	}, s.handleSuggest)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "transition_case",
		Description: "Move a case from from_state to to_state. Fails if the state changed since you read it.",
	}, s.handleTransition)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "draft_customer_message",
		Description: "Draft a customer message. It is queued for human approval and never sent directly.",
	}, s.handleDraft)
}

// --- Tool handlers ---

func (s *Server) handleGetCase(ctx context.Context, _ *gomcp.CallToolRequest, input caseIDInput) (*gomcp.CallToolResult, caseOutput, error) {
	if input.CaseID == "" {
		return errorResult("case_id is required"), caseOutput{}, nil
	}
	c, err := s.engine.GetCase(s.ctx(ctx), input.CaseID)
	if err != nil {
		return engineError("getting case "+input.CaseID, err), caseOutput{}, nil
	}
	return nil, caseToOutput(c), nil
}

func (s *Server) handleListCases(ctx context.Context, _ *gomcp.CallToolRequest, input listCasesInput) (*gomcp.CallToolResult, listCasesOutput, error) {
	page, err := s.engine.ListCases(s.ctx(ctx), engine.CaseQuery{
		JourneyKey: input.Journey,
		State:      input.State,
		Page:       engine.Page{Limit: input.Limit, Cursor: input.Cursor},
	})
	if err != nil {
		return engineError("listing cases", err), listCasesOutput{Cases: []caseOutput{}}, nil
	}
	out := listCasesOutput{Cases: make([]caseOutput, len(page.Cases)), NextCursor: page.NextCursor}
	for i, c := range page.Cases {
		out.Cases[i] = caseToOutput(c)
	}
	return nil, out, nil
}

func (s *Server) handleTimeline(ctx context.Context, _ *gomcp.CallToolRequest, input timelineInput) (*gomcp.CallToolResult, timelineOutput, error) {
	empty := timelineOutput{Events: []eventOutput{}}
	if input.CaseID == "" {
		return errorResult("case_id is required"), empty, nil
	}
	read := s.engine.Timeline
	if input.Public {
		read = s.engine.PublicTimeline
	}
	page, err := read(s.ctx(ctx), input.CaseID, engine.Page{Limit: input.Limit, Cursor: input.Cursor})
	if err != nil {
		return engineError("reading timeline", err), empty, nil
	}
	out := timelineOutput{Events: make([]eventOutput, len(page.Events)), NextCursor: page.NextCursor}
	for i, evt := range page.Events {
		out.Events[i] = eventOutput{
			ID:         evt.ID,
			Type:       evt.Type,
			ActorType:  evt.ActorType,
			ActorRef:   evt.ActorRef,
			Message:    evt.Message,
			Meta:       evt.Meta,
			OccurredAt: evt.OccurredAt,
		}
	}
	return nil, out, nil
}

func (s *Server) handleBlockingPendencies(ctx context.Context, _ *gomcp.CallToolRequest, input caseIDInput) (*gomcp.CallToolResult, pendenciesOutput, error) {
	empty := pendenciesOutput{Pendencies: []pendencyOutput{}}
	if input.CaseID == "" {
		return errorResult("case_id is required"), empty, nil
	}
	items, err := s.engine.ListOpenRequired(s.ctx(ctx), input.CaseID)
	if err != nil {
		return engineError("listing pendencies", err), empty, nil
	}
	out := pendenciesOutput{Pendencies: make([]pendencyOutput, len(items)), Count: len(items)}
	for i, p := range items {
		out.Pendencies[i] = pendencyOutput{ID: p.ID, Type: p.Type, Question: p.QuestionText, Status: p.Status, Required: p.Required}
	}
	return nil, out, nil
}

func (s *Server) handleAnswerPendency(ctx context.Context, _ *gomcp.CallToolRequest, input answerInput) (*gomcp.CallToolResult, pendencyOutput, error) {
	if input.PendencyID == "" || input.Text == "" {
		return errorResult("pendency_id and text are required"), pendencyOutput{}, nil
	}
	p, err := s.engine.AnswerPendency(s.ctx(ctx), input.PendencyID, input.Text)
	if err != nil {
		return engineError("answering pendency", err), pendencyOutput{}, nil
	}
	return nil, pendencyOutput{ID: p.ID, Type: p.Type, Question: p.QuestionText, Status: p.Status, Required: p.Required}, nil
}

func (s *Server) handleSuggest(ctx context.Context, _ *gomcp.CallToolRequest, input suggestInput) (*gomcp.CallToolResult, suggestOutput, error) {
	if input.Description == "" {
		return errorResult("description is required"), suggestOutput{}, nil
	}
	res, err := s.engine.SuggestCategory(s.ctx(ctx), input.CaseID, input.Description)
	if err != nil {
		return engineError("suggesting category", err), suggestOutput{}, nil
	}
	out := suggestOutput{Found: res.Found, DecisionID: res.DecisionID}
	if res.Found {
		out.CategoryID = res.Suggestion.CategoryID
		out.Confidence = res.Suggestion.Confidence
		out.Match = res.Suggestion.Match
	}
	return nil, out, nil
}

func (s *Server) handleTransition(ctx context.Context, _ *gomcp.CallToolRequest, input transitionInput) (*gomcp.CallToolResult, transitionOutput, error) {
	if input.CaseID == "" || input.FromState == "" || input.ToState == "" {
		return errorResult("case_id, from_state and to_state are required"), transitionOutput{}, nil
	}
	res, err := s.engine.TransitionCase(s.ctx(ctx), input.CaseID, input.FromState, input.ToState)
	if err != nil {
		return engineError(fmt.Sprintf("moving %s to %s", input.CaseID, input.ToState), err), transitionOutput{}, nil
	}
	return nil, transitionOutput{
		Case:     caseToOutput(res.Case),
		From:     res.From,
		To:       res.To,
		Warnings: res.Warnings,
		EventID:  res.EventID,
	}, nil
}

func (s *Server) handleDraft(ctx context.Context, _ *gomcp.CallToolRequest, input draftInput) (*gomcp.CallToolResult, draftOutput, error) {
	if input.CaseID == "" || input.Body == "" {
		return errorResult("case_id and body are required"), draftOutput{}, nil
	}
	m, err := s.engine.PrepareCustomerMessage(s.ctx(ctx), input.CaseID, input.Channel, "", input.Body)
	if err != nil {
		return engineError("drafting message", err), draftOutput{}, nil
	}
	return nil, draftOutput{
		MessageID: m.ID,
		Status:    m.Status,
		Message:   "message queued; a human must approve it before it is sent",
	}, nil
}

// --- Helpers ---

func caseToOutput(c domain.Case) caseOutput {
	return caseOutput{
		ID:          c.ID,
		JourneyKey:  c.JourneyKey,
		State:       c.State,
		Status:      c.Status,
		SubjectRef:  c.SubjectRef,
		ExternalKey: c.ExternalKey,
		Metadata:    c.Metadata,
		UpdatedAt:   c.UpdatedAt,
		Archived:    c.ArchivedAt != nil,
	}
}

// engineError turns an engine failure into a tool error the model can act
// on. Conflicts tell it to re-read the case.
func engineError(op string, err error) *gomcp.CallToolResult {
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.CodeStaleState, engine.CodeBusy:
			return errorResult(fmt.Sprintf("%s: %s (re-read the case with get_case and retry)", op, ee.Error()))
		default:
			return errorResult(fmt.Sprintf("%s: %s", op, ee.Error()))
		}
	}
	if engine.IsNotFound(err) {
		return errorResult(fmt.Sprintf("%s: not found", op))
	}
	return errorResult(fmt.Sprintf("%s: %s", op, err))
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
