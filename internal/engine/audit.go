package engine

import (
	"context"
	"strconv"
	"strings"

	"caseflow/internal/domain"
	"caseflow/internal/repo"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Page selects one page of a newest-first listing.
type Page struct {
	Limit  int
	Cursor string
}

func (p Page) limit() int {
	if p.Limit <= 0 {
		return defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		return maxPageLimit
	}
	return p.Limit
}

func parseCursor(raw string) (string, string, error) {
	if raw == "" {
		return "", "", nil
	}
	ts, id, ok := strings.Cut(raw, "|")
	if !ok || ts == "" || id == "" {
		return "", "", validationError("cursor must be timestamp|id")
	}
	return ts, id, nil
}

func composeCursor(ts, id string) string {
	return ts + "|" + id
}

type TimelinePage struct {
	Events     []domain.TimelineEvent `json:"events"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Timeline returns a case's full history, newest first.
func (e Engine) Timeline(ctx context.Context, caseID string, page Page) (TimelinePage, error) {
	return e.timeline(ctx, caseID, page, false)
}

// PublicTimeline is the customer-facing projection: internal event types
// are dropped.
func (e Engine) PublicTimeline(ctx context.Context, caseID string, page Page) (TimelinePage, error) {
	return e.timeline(ctx, caseID, page, true)
}

func (e Engine) timeline(ctx context.Context, caseID string, page Page, public bool) (TimelinePage, error) {
	a, err := caller(ctx)
	if err != nil {
		return TimelinePage{}, err
	}
	if _, err := e.Repo.GetCase(ctx, nil, a.TenantID, caseID); err != nil {
		return TimelinePage{}, err
	}
	ts, rawID, err := parseCursor(page.Cursor)
	if err != nil {
		return TimelinePage{}, err
	}
	var cursorID int64
	if rawID != "" {
		cursorID, err = strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			return TimelinePage{}, validationError("cursor id must be numeric")
		}
	}
	f := repo.TimelineFilters{
		TenantID:         a.TenantID,
		CaseID:           caseID,
		Limit:            page.limit() + 1,
		CursorOccurredAt: ts,
		CursorID:         cursorID,
	}
	if public {
		cfg, err := e.TenantConfig(ctx, a.TenantID)
		if err != nil {
			return TimelinePage{}, err
		}
		f.ExcludePrefixes = cfg.Audit.InternalEventPrefixes
	}
	evts, err := e.Repo.ListTimeline(ctx, f)
	if err != nil {
		return TimelinePage{}, err
	}
	limit := page.limit()
	out := TimelinePage{Events: evts}
	if len(evts) > limit {
		out.Events = evts[:limit]
		last := out.Events[limit-1]
		out.NextCursor = composeCursor(last.OccurredAt, strconv.FormatInt(last.ID, 10))
	}
	if out.Events == nil {
		out.Events = []domain.TimelineEvent{}
	}
	return out, nil
}

type DecisionPage struct {
	Decisions  []domain.DecisionLog `json:"decisions"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// Decisions returns a case's machine rationale records, newest first.
func (e Engine) Decisions(ctx context.Context, caseID string, page Page) (DecisionPage, error) {
	a, err := caller(ctx)
	if err != nil {
		return DecisionPage{}, err
	}
	ts, id, err := parseCursor(page.Cursor)
	if err != nil {
		return DecisionPage{}, err
	}
	limit := page.limit()
	ds, err := e.Repo.ListDecisions(ctx, repo.DecisionFilters{
		TenantID:         a.TenantID,
		CaseID:           caseID,
		Limit:            limit + 1,
		CursorOccurredAt: ts,
		CursorID:         id,
	})
	if err != nil {
		return DecisionPage{}, err
	}
	out := DecisionPage{Decisions: ds}
	if len(ds) > limit {
		out.Decisions = ds[:limit]
		last := out.Decisions[limit-1]
		out.NextCursor = composeCursor(last.OccurredAt, last.ID)
	}
	if out.Decisions == nil {
		out.Decisions = []domain.DecisionLog{}
	}
	return out, nil
}

// EventsAfter is the tenant change feed used to invalidate cached views.
func (e Engine) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.TimelineEvent, error) {
	a, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	return e.Repo.EventsAfter(ctx, a.TenantID, cursor, limit)
}

// LatestEventID is the newest event id of the caller's tenant, 0 when the
// tenant has none. Clients that only want new changes start the feed here.
func (e Engine) LatestEventID(ctx context.Context) (int64, error) {
	a, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return e.Repo.LatestEventID(ctx, a.TenantID)
}

// CountTransitions counts the transition events recorded for a case.
func (e Engine) CountTransitions(ctx context.Context, caseID string) (int, error) {
	a, err := caller(ctx)
	if err != nil {
		return 0, err
	}
	return e.Repo.CountTimelineEvents(ctx, a.TenantID, caseID, EventTransition)
}
