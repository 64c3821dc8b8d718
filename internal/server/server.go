package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseflow/internal/classify"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/engine/auth"
	"caseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_state"`
	Message string         `json:"message" example:"case state changed; reload and retry"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"expected\":\"PRODUCAO\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests, not gate rejections.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Caseflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerJourneys(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerPendencies(group, cfg.Engine)
	registerAttendance(group, cfg.Engine)
	registerClassification(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOutbox(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Code {
		case engine.CodeValidation:
			return newAPIError(http.StatusBadRequest, ee.Code, ee.Error(), ee.Details)
		case engine.CodeStaleState, engine.CodeBusy:
			return newAPIError(http.StatusConflict, ee.Code, ee.Error(), ee.Details)
		case engine.CodeInvalidTransition, engine.CodeActionFailed:
			return newAPIError(http.StatusUnprocessableEntity, ee.Code, ee.Error(), ee.Details)
		}
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var he auth.HumanRequiredError
	if errors.As(err, &he) {
		return newAPIError(http.StatusForbidden, "human_required", err.Error(), map[string]any{"actor_type": he.ActorType})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var errorStatuses = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caseflow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg, err := e.TenantConfig(ctx, principal.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.ActorPermissions(ctx, nil, cfg, principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			TenantID:    principal.TenantID,
			ActorID:     principal.ActorID,
			ActorType:   principal.ActorType,
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerJourneys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journeys",
		Method:      http.MethodGet,
		Path:        "/journeys",
		Summary:     "List the tenant's journeys",
		Errors:      errorStatuses,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JourneyListResponse `json:"body"`
	}, error) {
		items, err := e.Journeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JourneyListResponse `json:"body"`
		}{Body: JourneyListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "journey-board",
		Method:      http.MethodGet,
		Path:        "/journeys/{key}/board",
		Summary:     "Cases grouped by journey state",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Board `json:"body"`
	}, error) {
		board, err := e.Board(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Board `json:"body"`
		}{Body: board}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.CreateCase(ctx, engine.CaseInput{
			JourneyKey:  input.Body.JourneyKey,
			State:       input.Body.State,
			OwnerRef:    input.Body.OwnerRef,
			SubjectRef:  input.Body.SubjectRef,
			ExternalKey: input.Body.ExternalKey,
			Metadata:    input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Journey         string `query:"journey"`
		State           string `query:"state"`
		Status          string `query:"status" enum:"open,confirmed,closed,"`
		SubjectRef      string `query:"subject_ref"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body engine.CasePage `json:"body"`
	}, error) {
		page, err := e.ListCases(ctx, engine.CaseQuery{
			JourneyKey:      input.Journey,
			State:           input.State,
			Status:          input.Status,
			SubjectRef:      input.SubjectRef,
			IncludeArchived: input.IncludeArchived,
			Page:            engine.Page{Limit: input.Limit, Cursor: input.Cursor},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CasePage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/transition",
		Summary:     "Move a case to another state",
		Description: "Optimistic: from_state must equal the stored state. Conflicts return 409 stale_state or busy; gate and journey rejections return 422 invalid_transition.",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		res, err := e.TransitionCase(ctx, input.ID, input.Body.FromState, input.Body.ToState)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/archive",
		Summary:     "Archive a case",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ArchiveRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		c, err := e.ArchiveCase(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})
}

func registerPendencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pendencies",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/pendencies",
		Summary:     "List a case's pendencies",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Status   string `query:"status" enum:"open,answered,approved,dismissed,"`
		Blocking bool   `query:"blocking" doc:"Only required pendencies still blocking closing states"`
	}) (*struct {
		Body PendencyListResponse `json:"body"`
	}, error) {
		var (
			items []domain.Pendency
			err   error
		)
		if input.Blocking {
			items, err = e.ListOpenRequired(ctx, input.ID)
		} else {
			items, err = e.ListPendencies(ctx, input.ID, input.Status)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendencyListResponse `json:"body"`
		}{Body: PendencyListResponse{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-pendency",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/pendencies",
		Summary:       "Open a pendency",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body CreatePendencyRequest `json:"body"`
	}) (*struct {
		Body domain.Pendency `json:"body"`
	}, error) {
		p, err := e.CreatePendency(ctx, engine.PendencyInput{
			CaseID:       input.ID,
			Type:         input.Body.Type,
			AssignedRole: input.Body.AssignedRole,
			Question:     input.Body.Question,
			Required:     input.Body.Required,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{id}/answer",
		Summary:     "Answer a pendency",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AnswerPendencyRequest `json:"body"`
	}) (*struct {
		Body domain.Pendency `json:"body"`
	}, error) {
		p, err := e.AnswerPendency(ctx, input.ID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{id}/approve",
		Summary:     "Approve an answered pendency (human only)",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Pendency `json:"body"`
	}, error) {
		p, err := e.ApprovePendency(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{id}/dismiss",
		Summary:     "Dismiss a pendency (human only)",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ReasonRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Pendency `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		p, err := e.DismissPendency(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Pendency `json:"body"`
		}{Body: p}, nil
	})
}

func registerAttendance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-attendance-day",
		Method:      http.MethodPost,
		Path:        "/attendance/days",
		Summary:     "Open (or fetch) a subject's attendance day",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body OpenDayRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.OpenAttendanceDay(ctx, input.Body.SubjectRef, input.Body.Day)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-punch",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/punches",
		Summary:       "Record the next punch of an attendance day",
		Description:   "The punch type is inferred. Out-of-radius punches are recorded and open a justification pendency.",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body PunchRequest `json:"body"`
	}) (*struct {
		Body engine.PunchResult `json:"body"`
	}, error) {
		var ts time.Time
		if input.Body.Timestamp != "" {
			parsed, err := time.Parse(time.RFC3339Nano, input.Body.Timestamp)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "timestamp must be RFC3339", map[string]any{"timestamp": input.Body.Timestamp})
			}
			ts = parsed
		}
		res, err := e.SubmitPunch(ctx, engine.PunchRequest{
			CaseID:         input.ID,
			Timestamp:      ts,
			Latitude:       input.Body.Latitude,
			Longitude:      input.Body.Longitude,
			AccuracyMeters: input.Body.AccuracyMeters,
			Source:         input.Body.Source,
			ExpectedType:   input.Body.ExpectedType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PunchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-punches",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/punches",
		Summary:     "List an attendance day's punches",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PunchListResponse `json:"body"`
	}, error) {
		items, err := e.ListPunches(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PunchListResponse `json:"body"`
		}{Body: PunchListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerClassification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "suggest-category",
		Method:      http.MethodPost,
		Path:        "/classification/suggest",
		Summary:     "Suggest a category from learned rules",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body SuggestRequest `json:"body"`
	}) (*struct {
		Body engine.SuggestResult `json:"body"`
	}, error) {
		res, err := e.SuggestCategory(ctx, input.Body.CaseID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SuggestResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "learn-category",
		Method:      http.MethodPost,
		Path:        "/classification/learn",
		Summary:     "Reinforce or correct a classification",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Body LearnRequest `json:"body"`
	}) (*struct {
		Body classify.LearnResult `json:"body"`
	}, error) {
		res, err := e.LearnCategory(ctx, classify.LearnInput{
			Description:     input.Body.Description,
			CategoryID:      input.Body.CategoryID,
			Accepted:        input.Body.Accepted,
			SuggestedRuleID: input.Body.SuggestedRuleID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body classify.LearnResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/classification/rules",
		Summary:     "List learned rules",
		Errors:      errorStatuses,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RuleListResponse `json:"body"`
	}, error) {
		items, err := e.ListRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleListResponse `json:"body"`
		}{Body: RuleListResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	type pageQuery struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "case-timeline",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/timeline",
		Summary:     "Full case timeline, newest first",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *pageQuery) (*struct {
		Body engine.TimelinePage `json:"body"`
	}, error) {
		page, err := e.Timeline(ctx, input.ID, engine.Page{Limit: input.Limit, Cursor: input.Cursor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TimelinePage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-public-timeline",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/timeline/public",
		Summary:     "Customer-facing timeline without internal events",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *pageQuery) (*struct {
		Body engine.TimelinePage `json:"body"`
	}, error) {
		page, err := e.PublicTimeline(ctx, input.ID, engine.Page{Limit: input.Limit, Cursor: input.Cursor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TimelinePage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-decisions",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/decisions",
		Summary:     "Decision logs recorded for a case",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *pageQuery) (*struct {
		Body engine.DecisionPage `json:"body"`
	}, error) {
		page, err := e.Decisions(ctx, input.ID, engine.Page{Limit: input.Limit, Cursor: input.Cursor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "event-feed",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tenant change feed",
		Description: "Events with id greater than after, oldest first. Without after the feed starts at the newest event and returns only its cursor. Poll with the returned next_cursor to invalidate cached views.",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" default:"-1" doc:"Event id cursor; omit to start from the newest event"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body EventFeedResponse `json:"body"`
	}, error) {
		if input.After < 0 {
			latest, err := e.LatestEventID(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EventFeedResponse `json:"body"`
			}{Body: EventFeedResponse{Items: []domain.TimelineEvent{}, NextCursor: latest}}, nil
		}
		items, err := e.EventsAfter(ctx, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		next := input.After
		if n := len(items); n > 0 {
			next = items[n-1].ID
		}
		return &struct {
			Body EventFeedResponse `json:"body"`
		}{Body: EventFeedResponse{Items: nonNilSlice(items), NextCursor: next}}, nil
	})
}

func registerOutbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List prepared customer messages",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Status string `query:"status" enum:"awaiting_approval,approved,rejected,sent,failed,"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		items, err := e.ListOutbox(ctx, input.CaseID, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "prepare-message",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/messages",
		Summary:       "Draft a customer message for approval",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body PrepareMessageRequest `json:"body"`
	}) (*struct {
		Body domain.OutboxMessage `json:"body"`
	}, error) {
		m, err := e.PrepareCustomerMessage(ctx, input.ID, input.Body.Channel, input.Body.Template, input.Body.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutboxMessage `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-message",
		Method:      http.MethodPost,
		Path:        "/outbox/{id}/approve",
		Summary:     "Release a message for delivery (human only)",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.OutboxMessage `json:"body"`
	}, error) {
		m, err := e.ApproveMessage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutboxMessage `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-message",
		Method:      http.MethodPost,
		Path:        "/outbox/{id}/reject",
		Summary:     "Discard a drafted message (human only)",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ReasonRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.OutboxMessage `json:"body"`
	}, error) {
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		m, err := e.RejectMessage(ctx, input.ID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutboxMessage `json:"body"`
		}{Body: m}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		tenant := strings.TrimSpace(input.Body.TenantID)
		actor := strings.TrimSpace(input.Body.ActorID)
		if tenant == "" || actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant_id and actor_id are required", nil)
		}
		actorType := input.Body.ActorType
		if actorType != "" && !validActorType(actorType) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown actor_type", map[string]any{"actor_type": actorType})
		}
		token, err := SignToken(authCfg.JWTSecret, tenant, actor, actorType, input.Body.Permissions, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
