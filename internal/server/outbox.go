package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/engine"
)

const (
	defaultDispatchInterval = 5 * time.Second
	defaultDispatchTimeout  = 10 * time.Second
	defaultDispatchBatch    = 20
	defaultMaxAttempts      = 8
)

// Gateway delivers an approved message to its channel.
type Gateway interface {
	Deliver(ctx context.Context, m domain.OutboxMessage) error
}

// HTTPGateway posts messages as JSON to a single delivery endpoint.
type HTTPGateway struct {
	URL    string
	Client *http.Client
}

type gatewayMessage struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	CaseID   string `json:"case_id"`
	Channel  string `json:"channel"`
	Template string `json:"template,omitempty"`
	Body     string `json:"body"`
	Attempt  int    `json:"attempt"`
}

func (g HTTPGateway) Deliver(ctx context.Context, m domain.OutboxMessage) error {
	data, err := json.Marshal(gatewayMessage{
		ID:       m.ID,
		TenantID: m.TenantID,
		CaseID:   m.CaseID,
		Channel:  m.Channel,
		Template: m.Template,
		Body:     m.Body,
		Attempt:  m.AttemptCount + 1,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Message", m.ID)
	req.Header.Set("X-Caseflow-Tenant", m.TenantID)
	req.Header.Set("X-Caseflow-Channel", m.Channel)
	req.Header.Set("X-Caseflow-Attempt", strconv.Itoa(m.AttemptCount+1))
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: defaultDispatchTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type DispatcherConfig struct {
	GatewayURL   string
	Gateway      Gateway
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Logger       *log.Logger
}

// Dispatcher delivers approved outbox messages. It is the only path by which
// a message leaves the system.
type Dispatcher struct {
	engine  engine.Engine
	gateway Gateway
	cfg     DispatcherConfig
}

func NewDispatcher(e engine.Engine, cfg DispatcherConfig) (*Dispatcher, error) {
	gw := cfg.Gateway
	if gw == nil {
		if strings.TrimSpace(cfg.GatewayURL) == "" {
			return nil, errors.New("outbox gateway url required")
		}
		gw = HTTPGateway{URL: cfg.GatewayURL, Client: &http.Client{Timeout: defaultDispatchTimeout}}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultDispatchInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultDispatchBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Dispatcher{engine: e, gateway: gw, cfg: cfg}, nil
}

// Run polls for due messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := d.ProcessDue(ctx, now); err != nil && ctx.Err() == nil {
				d.cfg.Logger.Printf("outbox: dispatch failed: %v", err)
			}
		}
	}
}

// ProcessDue attempts every due message once and returns how many were
// handled. Delivery failures are recorded on the message, not returned.
func (d *Dispatcher) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	due, err := d.engine.DueMessages(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if m.Status != domain.OutboxApproved {
			continue
		}
		sysCtx := engine.SystemContext(ctx, m.TenantID, "dispatcher")
		if deliverErr := d.gateway.Deliver(ctx, m); deliverErr != nil {
			var next time.Time
			if m.AttemptCount+1 < d.cfg.MaxAttempts {
				next = now.UTC().Add(nextAttempt(m.AttemptCount))
			}
			d.cfg.Logger.Printf("outbox: deliver %s (attempt %d) failed: %v", m.ID, m.AttemptCount+1, deliverErr)
			if err := d.engine.MarkMessageFailed(sysCtx, m, deliverErr, next); err != nil {
				return processed, err
			}
			processed++
			continue
		}
		if err := d.engine.MarkMessageSent(sysCtx, m); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, then 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 16 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	if max := 5 * time.Minute; d > max {
		return max
	}
	return d
}
