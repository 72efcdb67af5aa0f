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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"warden/internal/app"
	"warden/internal/domain"
	"warden/internal/lifecycle"
	"warden/internal/pipeline"
	"warden/internal/remediator"
	"warden/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	App        *app.App
	Remediator *remediator.Controller
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: completed -> running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Warden API.
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
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Warden API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerIntents(group, cfg.App)
	registerArtifacts(group, cfg.App)
	registerProfiles(group, cfg.App)
	registerSummaries(group, cfg.App)
	registerRemediations(group, cfg.Remediator)
	registerEvents(group, cfg.App)
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
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, lifecycle.ErrUnknownStep):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, store.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, store.ErrImmutable):
		return newAPIError(http.StatusUnprocessableEntity, "immutable", err.Error(), nil)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	case errors.Is(err, store.ErrNoPlan):
		return newAPIError(http.StatusUnprocessableEntity, "no_plan", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Warden API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

type intentBody struct {
	Body domain.Intent `json:"body"`
}

type intentPath struct {
	IntentID string `path:"intent_id"`
}

func registerIntents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "propose-intent",
		Method:        http.MethodPost,
		Path:          "/intents",
		Summary:       "Propose intent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProposeIntentRequest `json:"body"`
	}) (*intentBody, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := pipeline.ProposeOptions{
			ID:                  input.Body.ID,
			Kind:                input.Body.Kind,
			Source:              input.Body.Source,
			Summary:             input.Body.Summary,
			Payload:             input.Body.Payload,
			AffectedResources:   input.Body.AffectedResources,
			ExpectedSideEffects: input.Body.ExpectedSideEffects,
			Plan:                input.Body.Plan,
			Metadata:            input.Body.Metadata,
		}
		if input.Body.RollbackStrategy != nil {
			opts.RollbackStrategy = *input.Body.RollbackStrategy
		}
		created, err := a.Pipeline.Propose(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &intentBody{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind"`
		State      string `query:"state"`
		SourceType string `query:"source_type"`
		Sprite     string `query:"sprite"`
		Since      string `query:"since"`
		Until      string `query:"until"`
	}) (*struct {
		Body IntentListResponse `json:"body"`
	}, error) {
		var items []domain.Intent
		var err error
		if input.Sprite != "" {
			items, err = a.Store.ListBySource(ctx, input.Sprite)
		} else {
			items, err = a.Store.List(ctx, store.Filters{
				Kind:       input.Kind,
				State:      input.State,
				SourceType: input.SourceType,
				Since:      input.Since,
				Until:      input.Until,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentListResponse `json:"body"`
		}{Body: IntentListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}",
		Summary:     "Get intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intentPath) (*intentBody, error) {
		in, err := a.Store.Get(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &intentBody{Body: in}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-intent",
		Method:      http.MethodPatch,
		Path:        "/intents/{intent_id}",
		Summary:     "Update intent",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string              `path:"intent_id"`
		Body     UpdateIntentRequest `json:"body"`
	}) (*intentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := a.Store.Update(ctx, input.IntentID, store.Changes{
			Actor:               actor,
			Summary:             input.Body.Summary,
			Metadata:            input.Body.Metadata,
			Payload:             input.Body.Payload,
			AffectedResources:   input.Body.AffectedResources,
			ExpectedSideEffects: input.Body.ExpectedSideEffects,
			RollbackStrategy:    input.Body.RollbackStrategy,
			Plan:                input.Body.Plan,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &intentBody{Body: updated}, nil
	})

	transition := func(opID, pathSuffix, summary string, do func(ctx context.Context, id, actor, reason string) (domain.Intent, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/intents/{intent_id}/" + pathSuffix,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *struct {
			IntentID string            `path:"intent_id"`
			Body     TransitionRequest `json:"body,omitempty"`
		}) (*intentBody, error) {
			actor, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			in, err := do(ctx, input.IntentID, actor, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &intentBody{Body: in}, nil
		})
	}
	transition("approve-intent", "approve", "Approve intent", func(ctx context.Context, id, actor, _ string) (domain.Intent, error) {
		return a.Pipeline.Approve(ctx, id, actor)
	})
	transition("reject-intent", "reject", "Reject intent", a.Pipeline.Reject)
	transition("cancel-intent", "cancel", "Cancel intent", a.Pipeline.Cancel)
	transition("start-intent", "start", "Start intent", func(ctx context.Context, id, actor, _ string) (domain.Intent, error) {
		return a.Pipeline.Start(ctx, id, actor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-result",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/result",
		Summary:     "Report execution result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string              `path:"intent_id"`
		Body     ReportResultRequest `json:"body"`
	}) (*intentBody, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := a.Pipeline.ReportResult(ctx, input.IntentID, pipeline.ResultOptions{
			State:           input.Body.State,
			Actor:           actor,
			Reason:          input.Body.Reason,
			BlockedReason:   input.Body.BlockedReason,
			PendingQuestion: input.Body.PendingQuestion,
			RunID:           input.Body.RunID,
			Artifacts:       artifactLinks(input.Body.Artifacts),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &intentBody{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "intent-history",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/history",
		Summary:     "Intent transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intentPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		items, err := a.Store.GetHistory(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "intent-artifacts",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/artifacts",
		Summary:     "Artifacts linked to an intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *intentPath) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		items, err := a.Registry.LookupByIntent(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-plan-step",
		Method:      http.MethodPatch,
		Path:        "/intents/{intent_id}/plan/{step_id}",
		Summary:     "Update plan step status",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string          `path:"intent_id"`
		StepID   string          `path:"step_id"`
		Body     PlanStepRequest `json:"body"`
	}) (*intentBody, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		updated, err := a.Store.UpdatePlanStep(ctx, input.IntentID, input.StepID, input.Body.Status, input.Body.Output)
		if err != nil {
			return nil, handleError(err)
		}
		return &intentBody{Body: updated}, nil
	})
}

func registerArtifacts(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-artifact",
		Method:        http.MethodPost,
		Path:          "/artifacts",
		Summary:       "Register artifact link",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.ArtifactLink `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		link, err := a.Registry.Register(ctx, domain.ArtifactLink{
			IntentID: input.Body.IntentID,
			RunID:    input.Body.RunID,
			Kind:     input.Body.Kind,
			Ref:      input.Body.Ref,
			URL:      input.Body.URL,
			Role:     input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactLink `json:"body"`
		}{Body: link}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lookup-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "Look up artifact links",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Ref   string `query:"ref"`
		RunID string `query:"run_id"`
	}) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		var items []domain.ArtifactLink
		var err error
		switch {
		case input.RunID != "":
			items, err = a.Registry.LookupByRun(ctx, input.RunID)
		case input.Kind != "" && input.Ref != "":
			items, err = a.Registry.LookupByRef(ctx, input.Kind, input.Ref)
		case input.Kind != "" || input.Ref != "":
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind and ref must be given together", nil)
		default:
			items, err = a.Registry.All(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Items: items}}, nil
	})
}

func registerProfiles(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List repo profiles",
	}, func(ctx context.Context, input *struct {
		Repo string `query:"repo"`
	}) (*struct {
		Body ProfileListResponse `json:"body"`
	}, error) {
		if input.Repo != "" {
			p, err := a.Store.GetRepoProfile(ctx, input.Repo)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ProfileListResponse `json:"body"`
			}{Body: ProfileListResponse{Items: []domain.RepoProfile{p}}}, nil
		}
		items, err := a.Store.ListRepoProfiles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileListResponse `json:"body"`
		}{Body: ProfileListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-profile",
		Method:      http.MethodPut,
		Path:        "/profiles",
		Summary:     "Create or replace a repo profile",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.RepoProfile `json:"body"`
	}) (*struct {
		Body domain.RepoProfile `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Repo == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repo is required", nil)
		}
		if err := a.Store.PutRepoProfile(ctx, input.Body, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RepoProfile `json:"body"`
		}{Body: input.Body}, nil
	})
}

func registerSummaries(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "repo-summaries",
		Method:      http.MethodGet,
		Path:        "/summaries/repos",
		Summary:     "Per-repo intent summaries",
	}, func(ctx context.Context, input *struct {
		Repo string `query:"repo"`
	}) (*struct {
		Body SummaryListResponse `json:"body"`
	}, error) {
		if input.Repo != "" {
			s, err := a.Analytics.RepoSummary(ctx, input.Repo)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SummaryListResponse `json:"body"`
			}{Body: SummaryListResponse{Items: []domain.IntentSummary{s}}}, nil
		}
		items, err := a.Analytics.AllRepoSummaries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryListResponse `json:"body"`
		}{Body: SummaryListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sprite-summary",
		Method:      http.MethodGet,
		Path:        "/summaries/sprites/{sprite}",
		Summary:     "Per-sprite intent summary",
	}, func(ctx context.Context, input *struct {
		Sprite string `path:"sprite"`
	}) (*struct {
		Body domain.IntentSummary `json:"body"`
	}, error) {
		s, err := a.Analytics.SpriteSummary(ctx, input.Sprite)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IntentSummary `json:"body"`
		}{Body: s}, nil
	})
}

func registerRemediations(api huma.API, ctrl *remediator.Controller) {
	huma.Register(api, huma.Operation{
		OperationID: "remediation-history",
		Method:      http.MethodGet,
		Path:        "/remediations",
		Summary:     "Remediation controller history",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RemediationListResponse `json:"body"`
	}, error) {
		items := []domain.RemediationHistoryEntry{}
		if ctrl != nil {
			items = ctrl.History()
		}
		return &struct {
			Body RemediationListResponse `json:"body"`
		}{Body: RemediationListResponse{Items: items}}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" default:"50"`
		Type     string `query:"type"`
		IntentID string `query:"intent_id"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := a.Store.LatestEvents(ctx, input.Limit, input.Type, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}
