package caseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	JourneyKey  string         `json:"journey_key"`
	State       string         `json:"state"`
	Status      string         `json:"status"`
	SubjectRef  string         `json:"subject_ref,omitempty"`
	ExternalKey string         `json:"external_key,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   string         `json:"updated_at"`
}

// ActionOutcome reports one automation run by a transition.
type ActionOutcome struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	RefID  string `json:"ref_id,omitempty"`
}

// TransitionResult is the response of a successful transition.
type TransitionResult struct {
	OK       bool            `json:"ok"`
	Case     Case            `json:"case"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Outcomes []ActionOutcome `json:"outcomes"`
	Warnings []string        `json:"warnings"`
	EventID  int64           `json:"event_id"`
}

type Pendency struct {
	ID       string `json:"id"`
	CaseID   string `json:"case_id"`
	Type     string `json:"type"`
	Question string `json:"question_text"`
	Answer   string `json:"answer_text,omitempty"`
	Status   string `json:"status"`
	Required bool   `json:"required"`
}

// Event is one timeline entry.
type Event struct {
	ID         int64          `json:"id"`
	CaseID     string         `json:"case_id,omitempty"`
	Type       string         `json:"type"`
	ActorType  string         `json:"actor_type"`
	ActorRef   string         `json:"actor_ref"`
	Message    string         `json:"message"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

type TimelinePage struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"next_cursor"`
}

type Suggestion struct {
	Found      bool `json:"found"`
	Suggestion struct {
		RuleID     string  `json:"rule_id"`
		CategoryID string  `json:"category_id"`
		Confidence float64 `json:"confidence"`
	} `json:"suggestion"`
	DecisionID string `json:"decision_id,omitempty"`
}

type Message struct {
	ID           string `json:"id"`
	CaseID       string `json:"case_id"`
	Channel      string `json:"channel"`
	Body         string `json:"body"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code
// from the response envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a stale_state or busy rejection; the
// caller should reload the case and retry.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// CreateCase opens a case in journeyKey.
func (c *Client) CreateCase(ctx context.Context, journeyKey, subjectRef string) (Case, error) {
	body := map[string]any{"journey_key": journeyKey}
	if subjectRef != "" {
		body["subject_ref"] = subjectRef
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v0/cases", body, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "v0/cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition moves a case from the state the caller last observed.
func (c *Client) Transition(ctx context.Context, id, from, to string) (TransitionResult, error) {
	body := map[string]any{"from_state": from, "to_state": to}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/cases/%s/transition", url.PathEscape(id)), body, &resp)
	return resp, err
}

// BlockingPendencies lists the required pendencies still gating closure.
func (c *Client) BlockingPendencies(ctx context.Context, caseID string) ([]Pendency, error) {
	var resp struct {
		Items []Pendency `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/cases/%s/pendencies?blocking=true", url.PathEscape(caseID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) AnswerPendency(ctx context.Context, id, text string) (Pendency, error) {
	var resp Pendency
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/pendencies/%s/answer", url.PathEscape(id)), map[string]any{"text": text}, &resp)
	return resp, err
}

// Timeline returns one page of a case's history. public selects the
// customer-facing projection.
func (c *Client) Timeline(ctx context.Context, caseID string, public bool, limit int, cursor string) (TimelinePage, error) {
	endpoint := fmt.Sprintf("v0/cases/%s/timeline", url.PathEscape(caseID))
	if public {
		endpoint += "/public"
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp TimelinePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsAfter polls the tenant change feed.
func (c *Client) EventsAfter(ctx context.Context, after int64, limit int) ([]Event, int64, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp struct {
		Items      []Event `json:"items"`
		NextCursor int64   `json:"next_cursor"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, resp.NextCursor, err
}

func (c *Client) SuggestCategory(ctx context.Context, caseID, description string) (Suggestion, error) {
	body := map[string]any{"description": description}
	if caseID != "" {
		body["case_id"] = caseID
	}
	var resp Suggestion
	err := c.do(ctx, http.MethodPost, "v0/classification/suggest", body, &resp)
	return resp, err
}

// PrepareMessage drafts a customer message. It is not sent until approved.
func (c *Client) PrepareMessage(ctx context.Context, caseID, channel, body string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/cases/%s/messages", url.PathEscape(caseID)), map[string]any{
		"channel": channel,
		"body":    body,
	}, &resp)
	return resp, err
}

func (c *Client) ApproveMessage(ctx context.Context, id string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/outbox/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
